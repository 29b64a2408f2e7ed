// SPDX-License-Identifier: Apache-2.0

package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/kiln-dev/kiln/pkg/container/runtime"
	"github.com/kiln-dev/kiln/pkg/logger"
)

// workDirTmpfsOpts bounds the writable scratch space mounted at the
// working directory.
const workDirTmpfsOpts = "rw,nosuid,size=67108864"

// forcedStopExitCode is what the kernel reports when it kills a
// container that outlived its deadline.
const forcedStopExitCode = 137

// CreateContainer implements runtime.Runtime. The container is hardened
// unconditionally where the engine allows it; the opts flags cover the
// knobs callers may relax.
func (c *Client) CreateContainer(ctx context.Context, opts runtime.CreateOptions) (string, error) {
	c.publishLifecycle(ctx, "", opts.Labels[runtime.LabelExecutionID], runtime.StateCreating, "")

	labels := make(map[string]string, len(opts.Labels)+1)
	for k, v := range opts.Labels {
		labels[k] = v
	}
	labels[runtime.LabelManagedBy] = "true"

	config := &container.Config{
		Image:        opts.Image,
		Cmd:          opts.Command,
		Env:          convertEnvVars(opts.Env),
		Labels:       labels,
		WorkingDir:   opts.WorkDir,
		User:         fmt.Sprintf("%d:%d", opts.UserID, opts.GroupID),
		AttachStdout: false,
		AttachStderr: false,
		Tty:          false,
	}
	if len(opts.Files) > 0 {
		// The daemon refuses CopyToContainer into a read-only rootfs
		// unless the destination resolves inside a volume.
		config.Volumes = map[string]struct{}{runtime.SourceDir: {}}
	}

	networkMode := "none"
	if opts.NetworkEnabled {
		networkMode = "bridge"
	}

	securityOpt := []string{"no-new-privileges:true"}
	if opts.UseSeccomp {
		profile, err := seccompProfileJSON(opts.NetworkEnabled)
		if err != nil {
			return "", fmt.Errorf("%w: %w", runtime.ErrCreateFailed, err)
		}
		securityOpt = append(securityOpt, "seccomp="+profile)
	} else {
		securityOpt = append(securityOpt, "seccomp=unconfined")
	}

	var capDrop []string
	if opts.DropAllCapabilities {
		capDrop = []string{"ALL"}
	}

	var dns []string
	if opts.NetworkEnabled {
		dns = opts.DNSServers
	}

	pidsLimit := opts.Resources.PidsLimit
	hostConfig := &container.HostConfig{
		NetworkMode:    container.NetworkMode(networkMode),
		DNS:            dns,
		CapDrop:        capDrop,
		SecurityOpt:    securityOpt,
		ReadonlyRootfs: opts.ReadOnlyRootFS,
		Tmpfs: map[string]string{
			opts.WorkDir: workDirTmpfsOpts,
		},
		AutoRemove: false,
		Resources: container.Resources{
			Memory:     opts.Resources.MemoryBytes,
			MemorySwap: opts.Resources.MemorySwapBytes,
			NanoCPUs:   int64(opts.Resources.CPUs * 1e9),
			PidsLimit:  &pidsLimit,
		},
	}

	resp, err := c.api.ContainerCreate(ctx, config, hostConfig, &network.NetworkingConfig{}, nil, opts.Name)
	if err != nil {
		c.publishLifecycle(ctx, "", opts.Labels[runtime.LabelExecutionID], runtime.StateError, err.Error())
		return "", fmt.Errorf("%w: %w", runtime.ErrCreateFailed, err)
	}

	if len(opts.Files) > 0 {
		archive, err := tarArchive(runtime.SourceDir, opts.Files)
		if err != nil {
			return resp.ID, runtime.NewContainerError(runtime.ErrCreateFailed, resp.ID,
				fmt.Sprintf("failed to build file archive: %v", err))
		}
		if err := c.api.CopyToContainer(ctx, resp.ID, "/", archive, container.CopyToContainerOptions{}); err != nil {
			return resp.ID, runtime.NewContainerError(runtime.ErrCreateFailed, resp.ID,
				fmt.Sprintf("failed to copy files: %v", err))
		}
	}

	c.publishLifecycle(ctx, resp.ID, opts.Labels[runtime.LabelExecutionID], runtime.StateCreated, "")
	return resp.ID, nil
}

// StartContainer implements runtime.Runtime.
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := c.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		c.publishLifecycle(ctx, containerID, "", runtime.StateError, err.Error())
		return runtime.NewContainerError(runtime.ErrStartFailed, containerID, err.Error())
	}
	c.publishLifecycle(ctx, containerID, "", runtime.StateRunning, "")
	return nil
}

// WaitForExit implements runtime.Runtime. A container that outlives the
// timeout is killed immediately and reported as timed out.
func (c *Client) WaitForExit(ctx context.Context, containerID string, timeout time.Duration) (runtime.ExitResult, error) {
	waitCh, errCh := c.api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-waitCh:
		result := runtime.ExitResult{ExitCode: int(resp.StatusCode)}
		if oom, err := c.wasOOMKilled(ctx, containerID); err == nil {
			result.OOMKilled = oom
		}
		c.publishLifecycle(ctx, containerID, "", runtime.StateStopped, "")
		return result, nil

	case err := <-errCh:
		return runtime.ExitResult{}, runtime.NewContainerError(runtime.ErrWaitFailed, containerID, err.Error())

	case <-timeoutCh:
		logger.Warnf("container %s exceeded %s deadline, killing", containerID, timeout)
		if err := c.StopContainer(ctx, containerID, 0); err != nil {
			logger.Warnf("failed to kill container %s: %v", containerID, err)
		}
		result := runtime.ExitResult{ExitCode: forcedStopExitCode, TimedOut: true}
		if oom, err := c.wasOOMKilled(ctx, containerID); err == nil {
			result.OOMKilled = oom
		}
		c.publishLifecycle(ctx, containerID, "", runtime.StateStopped, "deadline exceeded")
		return result, runtime.NewContainerError(runtime.ErrExecutionTimeout, containerID,
			fmt.Sprintf("no exit within %s", timeout))

	case <-ctx.Done():
		return runtime.ExitResult{}, ctx.Err()
	}
}

func (c *Client) wasOOMKilled(ctx context.Context, containerID string) (bool, error) {
	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		return false, err
	}
	if info.State == nil {
		return false, nil
	}
	return info.State.OOMKilled, nil
}

// GetLogs implements runtime.Runtime.
func (c *Client) GetLogs(ctx context.Context, containerID string) (runtime.Logs, error) {
	rc, err := c.api.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return runtime.Logs{}, runtime.NewContainerError(err, containerID, "failed to get logs")
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return runtime.Logs{}, runtime.NewContainerError(err, containerID, "failed to demux logs")
	}
	return runtime.Logs{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// GetStats implements runtime.Runtime.
func (c *Client) GetStats(ctx context.Context, containerID string) (runtime.Stats, error) {
	reader, err := c.api.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return runtime.Stats{}, runtime.NewContainerError(err, containerID, "failed to get stats")
	}
	defer reader.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(reader.Body).Decode(&stats); err != nil {
		return runtime.Stats{}, runtime.NewContainerError(err, containerID, "failed to decode stats")
	}

	used := stats.MemoryStats.Usage
	if stats.MemoryStats.MaxUsage > used {
		used = stats.MemoryStats.MaxUsage
	}
	return runtime.Stats{MemoryUsedBytes: int64(used)}, nil
}

// StopContainer implements runtime.Runtime. Zero grace kills immediately.
func (c *Client) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	seconds := int(grace.Seconds())
	err := c.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return runtime.NewContainerError(err, containerID, "failed to stop container")
	}
	return nil
}

// RemoveContainer implements runtime.Runtime. Removing an absent
// container succeeds. Anonymous volumes (the source directory) go with
// the container.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	err := c.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return runtime.NewContainerError(err, containerID, "failed to remove container")
	}
	c.publishLifecycle(ctx, containerID, "", runtime.StateRemoved, "")
	return nil
}

// ListManaged implements runtime.Runtime.
func (c *Client) ListManaged(ctx context.Context) ([]runtime.Info, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", runtime.LabelManagedBy+"=true")

	containers, err := c.api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filterArgs,
	})
	if err != nil {
		return nil, runtime.NewContainerError(err, "", fmt.Sprintf("failed to list containers: %v", err))
	}

	infos := make([]runtime.Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
		}
		infos = append(infos, runtime.Info{
			ID:      ctr.ID,
			Name:    name,
			State:   mapEngineState(string(ctr.State)),
			Created: time.Unix(ctr.Created, 0),
			Labels:  ctr.Labels,
		})
	}
	return infos, nil
}

// Reap implements runtime.Runtime.
func (c *Client) Reap(ctx context.Context, maxAge time.Duration) (int, error) {
	infos, err := c.ListManaged(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, info := range infos {
		if info.Created.After(cutoff) {
			continue
		}
		if err := c.RemoveContainer(ctx, info.ID); err != nil {
			logger.Warnf("failed to reap container %s: %v", info.ID, err)
			continue
		}
		logger.Infof("reaped stray container %s (age %s)", info.ID, time.Since(info.Created).Round(time.Second))
		removed++
	}
	return removed, nil
}

func (c *Client) publishLifecycle(ctx context.Context, containerID, executionID string, state runtime.State, errMsg string) {
	if c.bus == nil {
		return
	}
	_, err := c.bus.Publish(ctx, runtime.TopicContainerLifecycle, runtime.LifecycleEvent{
		ContainerID: containerID,
		ExecutionID: executionID,
		State:       state,
		Error:       errMsg,
	}, nil)
	if err != nil {
		logger.Debugf("lifecycle publish failed: %v", err)
	}
}

func mapEngineState(state string) runtime.State {
	switch state {
	case "created":
		return runtime.StateCreated
	case "running", "restarting", "paused":
		return runtime.StateRunning
	case "exited", "dead":
		return runtime.StateStopped
	case "removing":
		return runtime.StateRemoved
	default:
		return runtime.StateError
	}
}

// convertEnvVars flattens an env map into the engine's KEY=VALUE form.
func convertEnvVars(envVars map[string]string) []string {
	env := make([]string, 0, len(envVars))
	for k, v := range envVars {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// tarArchive packs files into a tar rooted at dir, for CopyToContainer
// against the container root.
func tarArchive(dir string, files map[string]runtime.FileSpec) (*bytes.Buffer, error) {
	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)

	if err := tw.WriteHeader(&tar.Header{
		Name:     dir + "/",
		Mode:     0o755,
		Typeflag: tar.TypeDir,
	}); err != nil {
		return nil, err
	}

	for name, spec := range files {
		var mode int64 = 0o644
		if spec.Executable {
			mode = 0o755
		}
		hdr := &tar.Header{
			Name: dir + "/" + name,
			Mode: mode,
			Size: int64(len(spec.Content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(spec.Content); err != nil {
			return nil, err
		}
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf, nil
}
