// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the kiln kernel.
package main

import (
	"os"

	"github.com/kiln-dev/kiln/cmd/kiln/app"
	"github.com/kiln-dev/kiln/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
