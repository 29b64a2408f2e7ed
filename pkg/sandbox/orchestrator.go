// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kiln-dev/kiln/pkg/audit"
	"github.com/kiln-dev/kiln/pkg/config"
	crt "github.com/kiln-dev/kiln/pkg/container/runtime"
	kerrors "github.com/kiln-dev/kiln/pkg/errors"
	"github.com/kiln-dev/kiln/pkg/events"
	"github.com/kiln-dev/kiln/pkg/logger"
	"github.com/kiln-dev/kiln/pkg/telemetry"
)

// envNamePattern is the safe identifier shape allowed for caller env
// variable names.
var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// stdinFile is where request stdin is staged inside the source dir.
const stdinFile = ".stdin"

// execution is one in-flight entry. containerID is filled in once known
// so Cancel can reach the container.
type execution struct {
	mu          sync.Mutex
	containerID string
	canceled    bool
	done        bool
}

// Orchestrator admits, runs, and audits sandbox executions.
type Orchestrator struct {
	cfg      config.SandboxConfig
	runtime  crt.Runtime
	recorder *audit.Recorder
	bus      *events.Bus
	metrics  *telemetry.Metrics

	sem *semaphore.Weighted

	mu       sync.Mutex
	inflight map[string]*execution
}

// NewOrchestrator wires the orchestrator. recorder, bus, and metrics may
// be nil in tests.
func NewOrchestrator(cfg config.SandboxConfig, rt crt.Runtime, recorder *audit.Recorder, bus *events.Bus, metrics *telemetry.Metrics) *Orchestrator {
	maxConcurrent := cfg.MaxConcurrentExecutions
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	return &Orchestrator{
		cfg:      cfg,
		runtime:  rt,
		recorder: recorder,
		bus:      bus,
		metrics:  metrics,
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
		inflight: make(map[string]*execution),
	}
}

// InFlight returns the number of registered executions.
func (o *Orchestrator) InFlight() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Execute runs one sandbox execution end to end. Admission failures
// (validation, capacity) return before anything is registered; once the
// execution is registered, exactly one audit entry is written no matter
// how the run ends.
func (o *Orchestrator) Execute(ctx context.Context, req *ExecutionRequest) (*ExecutionResult, error) {
	profile, err := o.admit(req)
	if err != nil {
		return nil, err
	}

	if req.ExecutionID == "" {
		req.ExecutionID = uuid.New().String()
	}

	if !o.sem.TryAcquire(1) {
		return nil, kerrors.New(kerrors.ErrTooManyExecutions,
			fmt.Sprintf("at capacity (%d concurrent executions)", o.cfg.MaxConcurrentExecutions))
	}

	exec := &execution{}
	o.mu.Lock()
	if _, dup := o.inflight[req.ExecutionID]; dup {
		o.mu.Unlock()
		o.sem.Release(1)
		return nil, kerrors.New(kerrors.ErrSandboxInvalidRequest,
			fmt.Sprintf("execution %s already in flight", req.ExecutionID))
	}
	o.inflight[req.ExecutionID] = exec
	o.mu.Unlock()

	start := time.Now()
	result, runErr := o.run(ctx, req, profile, exec)
	o.finish(ctx, req, profile, exec, result, runErr, start)

	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

// admit validates the request and resolves the effective profile.
func (o *Orchestrator) admit(req *ExecutionRequest) (config.SandboxProfile, error) {
	var zero config.SandboxProfile

	if req.Code == "" {
		return zero, kerrors.New(kerrors.ErrSandboxInvalidRequest, "code is required")
	}
	if _, ok := o.cfg.Images[req.Language]; !ok {
		return zero, kerrors.New(kerrors.ErrInvalidLanguage,
			fmt.Sprintf("language %q is not supported", req.Language))
	}
	if len(req.Code) > o.cfg.MaxCodeBytes {
		return zero, kerrors.New(kerrors.ErrCodeTooLarge,
			fmt.Sprintf("code is %d bytes, cap is %d", len(req.Code), o.cfg.MaxCodeBytes))
	}
	for name := range req.Env {
		if !envNamePattern.MatchString(name) {
			return zero, kerrors.New(kerrors.ErrSandboxInvalidRequest,
				fmt.Sprintf("unsafe env variable name %q", name))
		}
	}
	if len(req.Files) > o.cfg.MaxFiles {
		return zero, kerrors.New(kerrors.ErrSandboxInvalidRequest,
			fmt.Sprintf("%d files attached, cap is %d", len(req.Files), o.cfg.MaxFiles))
	}

	profile, err := o.effectiveProfile(req.Config)
	if err != nil {
		return zero, err
	}

	for _, f := range req.Files {
		clean := path.Clean(f.Path)
		if f.Path == "" || path.IsAbs(f.Path) || clean == ".." || strings.HasPrefix(clean, "../") {
			return zero, kerrors.New(kerrors.ErrSandboxInvalidRequest,
				fmt.Sprintf("file path %q escapes the source directory", f.Path))
		}
		if int64(len(f.Content)) > profile.Resources.MaxFileSizeBytes {
			return zero, kerrors.New(kerrors.ErrSandboxInvalidRequest,
				fmt.Sprintf("file %q exceeds %d bytes", f.Path, profile.Resources.MaxFileSizeBytes))
		}
	}

	return profile, nil
}

// effectiveProfile layers the caller overrides on the default profile.
func (o *Orchestrator) effectiveProfile(rc *RequestConfig) (config.SandboxProfile, error) {
	profile := o.cfg.Defaults

	if rc != nil {
		if rc.TimeoutMs > 0 {
			profile.Timeout = time.Duration(rc.TimeoutMs) * time.Millisecond
		}

		if rc.Resources != nil {
			override := config.ResourceLimits{
				MemoryBytes:      rc.Resources.MemoryBytes,
				MemorySwapBytes:  rc.Resources.MemorySwapBytes,
				CPUs:             rc.Resources.CPUs,
				PidsLimit:        rc.Resources.PidsLimit,
				MaxOutputBytes:   rc.Resources.MaxOutputBytes,
				MaxFileSizeBytes: rc.Resources.MaxFileSizeBytes,
			}
			if err := mergo.Merge(&profile.Resources, override, mergo.WithOverride); err != nil {
				return profile, kerrors.Wrap(kerrors.ErrInternal, "merging resource overrides", err)
			}
		}

		if rc.Network != nil {
			policy := config.NetworkPolicy{
				Enabled:      rc.Network.Enabled,
				AllowedHosts: rc.Network.AllowedHosts,
				AllowedPorts: rc.Network.AllowedPorts,
			}
			if err := config.ValidateNetworkPolicy(policy); err != nil {
				return profile, kerrors.Wrap(kerrors.ErrSandboxInvalidRequest, "network policy", err)
			}
			profile.Network = policy
		}
	}

	if o.cfg.MaxTimeout > 0 && profile.Timeout > o.cfg.MaxTimeout {
		profile.Timeout = o.cfg.MaxTimeout
	}
	return profile, nil
}

// run drives the container lifecycle and composes the result. A non-nil
// error means the run failed before producing an outcome; the caller
// still audits and cleans up.
func (o *Orchestrator) run(ctx context.Context, req *ExecutionRequest, profile config.SandboxProfile, exec *execution) (*ExecutionResult, error) {
	image := o.cfg.Images[req.Language]
	if err := o.ensureImage(ctx, image, profile.ImagePullPolicy); err != nil {
		return nil, err
	}

	files, command := o.stageFiles(req)

	containerID, err := o.runtime.CreateContainer(ctx, crt.CreateOptions{
		Name:    "kiln-" + req.ExecutionID,
		Image:   image,
		Command: command,
		Env:     req.Env,
		Labels: map[string]string{
			crt.LabelExecutionID: req.ExecutionID,
			crt.LabelLanguage:    req.Language,
			crt.LabelUserID:      req.UserID,
			crt.LabelTenantID:    req.TenantID,
		},
		Files:               files,
		WorkDir:             profile.WorkDir,
		UserID:              profile.UserID,
		GroupID:             profile.GroupID,
		Resources:           profile.Resources,
		NetworkEnabled:      profile.Network.Enabled,
		DNSServers:          profile.Network.DNSServers,
		ReadOnlyRootFS:      profile.ReadOnlyRootFS,
		DropAllCapabilities: profile.DropAllCapabilities,
		UseSeccomp:          profile.UseSeccomp,
	})
	if containerID != "" {
		exec.mu.Lock()
		exec.containerID = containerID
		exec.mu.Unlock()
	}
	if err != nil {
		return nil, kerrors.Wrap(kerrors.ErrContainerCreateFailed, "creating container", err)
	}

	if err := o.runtime.StartContainer(ctx, containerID); err != nil {
		return nil, kerrors.Wrap(kerrors.ErrContainerStartFailed, "starting container", err)
	}

	waitStart := time.Now()
	exit, waitErr := o.runtime.WaitForExit(ctx, containerID, profile.Timeout)
	if waitErr != nil && !exit.TimedOut {
		if errors.Is(waitErr, context.Canceled) || errors.Is(waitErr, context.DeadlineExceeded) {
			return nil, kerrors.Wrap(kerrors.ErrExecutionFailed, "execution canceled", waitErr)
		}
		return nil, kerrors.Wrap(kerrors.ErrInternal, "waiting for container", waitErr)
	}

	result := &ExecutionResult{
		ExecutionID: req.ExecutionID,
		ExitCode:    exit.ExitCode,
		DurationMs:  time.Since(waitStart).Milliseconds(),
		TimedOut:    exit.TimedOut,
		OOMKilled:   exit.OOMKilled,
		ContainerID: containerID,
		Timestamp:   time.Now().UTC(),
	}

	// Logs and stats are best effort; a stopped engine should not mask
	// the exit outcome.
	if logs, err := o.runtime.GetLogs(ctx, containerID); err == nil {
		result.Stdout = truncateOutput(logs.Stdout, profile.Resources.MaxOutputBytes)
		result.Stderr = truncateOutput(logs.Stderr, profile.Resources.MaxOutputBytes)
	} else {
		logger.Warnf("logs unavailable for %s: %v", containerID, err)
	}
	if stats, err := o.runtime.GetStats(ctx, containerID); err == nil {
		result.MemoryUsedBytes = stats.MemoryUsedBytes
	}

	result.Success = exit.ExitCode == 0 && !exit.TimedOut && !exit.OOMKilled
	switch {
	case exit.TimedOut:
		result.Error = kerrors.ErrExecutionTimeout
	case exit.OOMKilled:
		result.Error = kerrors.ErrExecutionOOM
	case exit.ExitCode != 0:
		result.Error = kerrors.ErrExecutionFailed
	}

	return result, nil
}

// ensureImage applies the pull policy.
func (o *Orchestrator) ensureImage(ctx context.Context, image, policy string) error {
	switch policy {
	case config.PullAlways:
		if err := o.runtime.PullImage(ctx, image); err != nil {
			return kerrors.Wrap(kerrors.ErrImagePullFailed, image, err)
		}
		return nil

	case config.PullNever:
		present, err := o.runtime.HasImage(ctx, image)
		if err != nil {
			return kerrors.Wrap(kerrors.ErrInternal, "checking image", err)
		}
		if !present {
			return kerrors.New(kerrors.ErrImageNotFound,
				fmt.Sprintf("image %s absent and pull policy is never", image))
		}
		return nil

	default: // if-not-present
		present, err := o.runtime.HasImage(ctx, image)
		if err != nil {
			return kerrors.Wrap(kerrors.ErrInternal, "checking image", err)
		}
		if present {
			return nil
		}
		if err := o.runtime.PullImage(ctx, image); err != nil {
			return kerrors.Wrap(kerrors.ErrImagePullFailed, image, err)
		}
		return nil
	}
}

// stageFiles lays out the code, stdin, and attachments, and builds the
// command line running them.
func (o *Orchestrator) stageFiles(req *ExecutionRequest) (map[string]crt.FileSpec, []string) {
	var entry string
	var interp []string
	switch req.Language {
	case config.LanguagePython:
		entry, interp = "main.py", []string{"python3"}
	case config.LanguageJavaScript:
		entry, interp = "main.js", []string{"node"}
	default:
		entry, interp = "main.sh", []string{"/bin/sh"}
	}

	files := map[string]crt.FileSpec{
		entry: {Content: []byte(req.Code)},
	}
	for _, f := range req.Files {
		files[path.Clean(f.Path)] = crt.FileSpec{
			Content:    []byte(f.Content),
			Executable: f.Executable,
		}
	}

	entryPath := crt.SourceDir + "/" + entry
	command := append(interp, entryPath)

	if req.Stdin != "" {
		files[stdinFile] = crt.FileSpec{Content: []byte(req.Stdin)}
		command = []string{"/bin/sh", "-c",
			fmt.Sprintf("%s < %s/%s", strings.Join(command, " "), crt.SourceDir, stdinFile)}
	}
	return files, command
}

// finish releases the slot, removes the container, writes the single
// audit entry, and emits the outcome event. Runs on every path once the
// execution was registered.
func (o *Orchestrator) finish(ctx context.Context, req *ExecutionRequest, profile config.SandboxProfile, exec *execution, result *ExecutionResult, runErr error, start time.Time) {
	exec.mu.Lock()
	exec.done = true
	containerID := exec.containerID
	canceled := exec.canceled
	exec.mu.Unlock()

	if containerID != "" {
		if err := o.runtime.RemoveContainer(ctx, containerID); err != nil {
			logger.Warnf("failed to remove container %s: %v", containerID, err)
		}
	}

	o.mu.Lock()
	delete(o.inflight, req.ExecutionID)
	o.mu.Unlock()
	o.sem.Release(1)

	end := time.Now()
	endUTC := end.UTC()
	codeSum := sha256.Sum256([]byte(req.Code))
	entry := &audit.Entry{
		Action:        audit.ActionExecution,
		Actor:         req.UserID,
		ExecutionID:   req.ExecutionID,
		UserID:        req.UserID,
		TenantID:      req.TenantID,
		CorrelationID: req.CorrelationID,
		Language:      req.Language,
		CodeHash:      hex.EncodeToString(codeSum[:])[:16],
		CodeSizeBytes: len(req.Code),
		ContainerID:   containerID,
		StartTime:     start.UTC(),
		EndTime:       &endUTC,
		DurationMs:    end.Sub(start).Milliseconds(),

		NetworkEnabled: profile.Network.Enabled,
		ResourceLimits: &profile.Resources,
	}

	outcome := "completed"
	topic := TopicExecutionCompleted
	switch {
	case runErr != nil:
		entry.Success = false
		entry.Error = kerrors.CodeOf(runErr)
		outcome, topic = "failed", TopicExecutionFailed
	case result.TimedOut:
		entry.Success = false
		entry.ExitCode = &result.ExitCode
		entry.TimedOut = true
		entry.OOMKilled = result.OOMKilled
		entry.Error = result.Error
		outcome, topic = "timeout", TopicExecutionTimeout
	case result.OOMKilled:
		entry.Success = false
		entry.ExitCode = &result.ExitCode
		entry.OOMKilled = true
		entry.Error = result.Error
		outcome, topic = "oom", TopicExecutionOOM
	default:
		entry.Success = result.Success
		entry.ExitCode = &result.ExitCode
		entry.Error = result.Error
		if !result.Success {
			outcome, topic = "failed", TopicExecutionFailed
		}
	}
	if result != nil {
		entry.MemoryUsedBytes = result.MemoryUsedBytes
		entry.StdoutBytes = int64(len(result.Stdout))
		entry.StderrBytes = int64(len(result.Stderr))
	}
	if canceled {
		entry.Error = "canceled"
	}

	if o.recorder != nil {
		if err := o.recorder.Record(ctx, entry); err != nil {
			logger.Errorf("recording execution audit entry: %v", err)
		}
	}

	if o.bus != nil {
		var payload any = result
		if result == nil {
			payload = &ExecutionResult{
				ExecutionID: req.ExecutionID,
				Error:       entry.Error,
				Timestamp:   end.UTC(),
			}
		}
		_, err := o.bus.Publish(ctx, topic, payload, &events.PublishOptions{
			CorrelationID: req.CorrelationID,
		})
		if err != nil {
			logger.Warnf("publishing execution outcome: %v", err)
		}
	}

	if o.metrics != nil {
		o.metrics.SandboxExecution(req.Language, outcome, end.Sub(start).Seconds())
	}
}

// Cancel stops an in-flight execution. Unknown executions and already
// finished ones are no-ops, so racing a natural completion is safe.
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	o.mu.Lock()
	exec, ok := o.inflight[executionID]
	o.mu.Unlock()
	if !ok {
		return nil
	}

	exec.mu.Lock()
	exec.canceled = true
	containerID := exec.containerID
	done := exec.done
	exec.mu.Unlock()

	if done || containerID == "" {
		return nil
	}

	logger.Infow("canceling execution", "execution_id", executionID, "container_id", containerID)
	if err := o.runtime.StopContainer(ctx, containerID, 0); err != nil {
		return err
	}
	return o.runtime.RemoveContainer(ctx, containerID)
}

// StartReaper removes stray managed containers every interval until ctx
// is canceled.
func (o *Orchestrator) StartReaper(ctx context.Context) {
	interval := o.cfg.ReapInterval
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := o.runtime.Reap(ctx, o.cfg.ReapMaxAge)
				if err != nil {
					logger.Warnf("container reap failed: %v", err)
					continue
				}
				if n > 0 {
					logger.Infof("reaped %d stray containers", n)
				}
			}
		}
	}()
}

// truncateOutput caps a stream at maxBytes, appending a marker naming
// the original size when anything was cut.
func truncateOutput(b []byte, maxBytes int64) string {
	if maxBytes <= 0 || int64(len(b)) <= maxBytes {
		return string(b)
	}
	return string(b[:maxBytes]) + fmt.Sprintf("\n[truncated, %d bytes total]", len(b))
}
