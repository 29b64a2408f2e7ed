// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiln-dev/kiln/pkg/audit"
	"github.com/kiln-dev/kiln/pkg/config"
	crt "github.com/kiln-dev/kiln/pkg/container/runtime"
	kerrors "github.com/kiln-dev/kiln/pkg/errors"
	"github.com/kiln-dev/kiln/pkg/events"
)

// fakeRuntime lets each test hook exactly the calls it cares about;
// unhooked calls behave like a healthy engine running an instant exit-0
// container.
type fakeRuntime struct {
	hasImageFunc func(ctx context.Context, image string) (bool, error)
	pullFunc     func(ctx context.Context, image string) error
	createFunc   func(ctx context.Context, opts crt.CreateOptions) (string, error)
	startFunc    func(ctx context.Context, containerID string) error
	waitFunc     func(ctx context.Context, containerID string, timeout time.Duration) (crt.ExitResult, error)
	logsFunc     func(ctx context.Context, containerID string) (crt.Logs, error)
	statsFunc    func(ctx context.Context, containerID string) (crt.Stats, error)
	stopFunc     func(ctx context.Context, containerID string, grace time.Duration) error
	removeFunc   func(ctx context.Context, containerID string) error
	reapFunc     func(ctx context.Context, maxAge time.Duration) (int, error)
}

func (f *fakeRuntime) IsAvailable(context.Context) bool { return true }

func (f *fakeRuntime) HasImage(ctx context.Context, image string) (bool, error) {
	if f.hasImageFunc != nil {
		return f.hasImageFunc(ctx, image)
	}
	return true, nil
}

func (f *fakeRuntime) PullImage(ctx context.Context, image string) error {
	if f.pullFunc != nil {
		return f.pullFunc(ctx, image)
	}
	return nil
}

func (f *fakeRuntime) CreateContainer(ctx context.Context, opts crt.CreateOptions) (string, error) {
	if f.createFunc != nil {
		return f.createFunc(ctx, opts)
	}
	return "ctr-1", nil
}

func (f *fakeRuntime) StartContainer(ctx context.Context, containerID string) error {
	if f.startFunc != nil {
		return f.startFunc(ctx, containerID)
	}
	return nil
}

func (f *fakeRuntime) WaitForExit(ctx context.Context, containerID string, timeout time.Duration) (crt.ExitResult, error) {
	if f.waitFunc != nil {
		return f.waitFunc(ctx, containerID, timeout)
	}
	return crt.ExitResult{ExitCode: 0}, nil
}

func (f *fakeRuntime) GetLogs(ctx context.Context, containerID string) (crt.Logs, error) {
	if f.logsFunc != nil {
		return f.logsFunc(ctx, containerID)
	}
	return crt.Logs{}, nil
}

func (f *fakeRuntime) GetStats(ctx context.Context, containerID string) (crt.Stats, error) {
	if f.statsFunc != nil {
		return f.statsFunc(ctx, containerID)
	}
	return crt.Stats{}, nil
}

func (f *fakeRuntime) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	if f.stopFunc != nil {
		return f.stopFunc(ctx, containerID, grace)
	}
	return nil
}

func (f *fakeRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	if f.removeFunc != nil {
		return f.removeFunc(ctx, containerID)
	}
	return nil
}

func (f *fakeRuntime) ListManaged(context.Context) ([]crt.Info, error) { return nil, nil }

func (f *fakeRuntime) Reap(ctx context.Context, maxAge time.Duration) (int, error) {
	if f.reapFunc != nil {
		return f.reapFunc(ctx, maxAge)
	}
	return 0, nil
}

func testSandboxConfig() config.SandboxConfig {
	cfg := config.Default().Sandbox
	cfg.MaxConcurrentExecutions = 2
	return cfg
}

type orchestratorFixture struct {
	orch  *Orchestrator
	rt    *fakeRuntime
	audit *audit.MemoryStore
	bus   *events.Bus
}

func newOrchestratorFixture(t *testing.T, cfg config.SandboxConfig, rt *fakeRuntime) *orchestratorFixture {
	t.Helper()

	bus := events.NewBus(events.DefaultOptions())
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })

	auditStore := audit.NewMemoryStore(100)
	recorder := audit.NewRecorder(auditStore, bus, false)

	return &orchestratorFixture{
		orch:  NewOrchestrator(cfg, rt, recorder, bus, nil),
		rt:    rt,
		audit: auditStore,
		bus:   bus,
	}
}

func pythonRequest() *ExecutionRequest {
	return &ExecutionRequest{
		Language: config.LanguagePython,
		Code:     `print("hi")`,
		UserID:   "user-1",
	}
}

func (f *orchestratorFixture) auditEntries(t *testing.T) []*audit.Entry {
	t.Helper()
	entries, err := f.audit.Query(context.Background(), audit.Query{Action: audit.ActionExecution})
	require.NoError(t, err)
	return entries
}

func TestExecuteSuccess(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{
		logsFunc: func(context.Context, string) (crt.Logs, error) {
			return crt.Logs{Stdout: []byte("hi\n")}, nil
		},
		statsFunc: func(context.Context, string) (crt.Stats, error) {
			return crt.Stats{MemoryUsedBytes: 1024}, nil
		},
	}
	f := newOrchestratorFixture(t, testSandboxConfig(), rt)

	result, err := f.orch.Execute(context.Background(), pythonRequest())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "hi\n", result.Stdout)
	assert.Equal(t, int64(1024), result.MemoryUsedBytes)
	assert.NotEmpty(t, result.ExecutionID)
	assert.Equal(t, "ctr-1", result.ContainerID)

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, config.LanguagePython, entries[0].Language)
	assert.Len(t, entries[0].CodeHash, 16)
	assert.Equal(t, 0, f.orch.InFlight())
}

func TestExecuteValidation(t *testing.T) {
	t.Parallel()

	cfg := testSandboxConfig()
	cfg.MaxCodeBytes = 64
	cfg.MaxFiles = 2
	f := newOrchestratorFixture(t, cfg, &fakeRuntime{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  ExecutionRequest
		code string
	}{
		{
			name: "missing code",
			req:  ExecutionRequest{Language: config.LanguagePython},
			code: kerrors.ErrSandboxInvalidRequest,
		},
		{
			name: "unsupported language",
			req:  ExecutionRequest{Language: "cobol", Code: "DISPLAY 'HI'"},
			code: kerrors.ErrInvalidLanguage,
		},
		{
			name: "code too large",
			req: ExecutionRequest{
				Language: config.LanguagePython,
				Code:     strings.Repeat("x", 65),
			},
			code: kerrors.ErrCodeTooLarge,
		},
		{
			name: "unsafe env name",
			req: ExecutionRequest{
				Language: config.LanguagePython,
				Code:     "print(1)",
				Env:      map[string]string{"PATH;rm": "x"},
			},
			code: kerrors.ErrSandboxInvalidRequest,
		},
		{
			name: "too many files",
			req: ExecutionRequest{
				Language: config.LanguagePython,
				Code:     "print(1)",
				Files: []ExecutionFile{
					{Path: "a.txt"}, {Path: "b.txt"}, {Path: "c.txt"},
				},
			},
			code: kerrors.ErrSandboxInvalidRequest,
		},
		{
			name: "escaping file path",
			req: ExecutionRequest{
				Language: config.LanguagePython,
				Code:     "print(1)",
				Files:    []ExecutionFile{{Path: "../../etc/passwd", Content: "x"}},
			},
			code: kerrors.ErrSandboxInvalidRequest,
		},
		{
			name: "network without hosts",
			req: ExecutionRequest{
				Language: config.LanguagePython,
				Code:     "print(1)",
				Config:   &RequestConfig{Network: &RequestNetwork{Enabled: true}},
			},
			code: kerrors.ErrSandboxInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Execute(ctx, &tt.req)
			assert.True(t, kerrors.IsCode(err, tt.code), "got %v", err)
		})
	}

	// Rejected requests never reach the in-flight table, so no audit
	// entries exist.
	assert.Empty(t, f.auditEntries(t))
}

func TestExecuteConcurrencyCap(t *testing.T) {
	t.Parallel()

	cfg := testSandboxConfig()
	cfg.MaxConcurrentExecutions = 1

	release := make(chan struct{})
	started := make(chan struct{})
	rt := &fakeRuntime{
		waitFunc: func(context.Context, string, time.Duration) (crt.ExitResult, error) {
			close(started)
			<-release
			return crt.ExitResult{ExitCode: 0}, nil
		},
	}
	f := newOrchestratorFixture(t, cfg, rt)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := f.orch.Execute(context.Background(), pythonRequest())
		assert.NoError(t, err)
	}()

	<-started
	_, err := f.orch.Execute(context.Background(), pythonRequest())
	assert.True(t, kerrors.IsCode(err, kerrors.ErrTooManyExecutions))

	close(release)
	wg.Wait()
	assert.Equal(t, 0, f.orch.InFlight())
}

func TestExecuteOOM(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{
		waitFunc: func(context.Context, string, time.Duration) (crt.ExitResult, error) {
			return crt.ExitResult{ExitCode: 137, OOMKilled: true}, nil
		},
		statsFunc: func(context.Context, string) (crt.Stats, error) {
			return crt.Stats{MemoryUsedBytes: 67108864}, nil
		},
	}
	f := newOrchestratorFixture(t, testSandboxConfig(), rt)

	result, err := f.orch.Execute(context.Background(), &ExecutionRequest{
		Language: config.LanguagePython,
		Code:     "x='a'*10**9",
		UserID:   "user-1",
		Config: &RequestConfig{
			Resources: &RequestResources{MemoryBytes: 67108864},
		},
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.OOMKilled)
	assert.False(t, result.TimedOut)
	assert.Equal(t, 137, result.ExitCode)
	assert.Equal(t, kerrors.ErrExecutionOOM, result.Error)

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.True(t, entries[0].OOMKilled)
	assert.GreaterOrEqual(t, entries[0].MemoryUsedBytes, int64(0))
	require.NotNil(t, entries[0].ResourceLimits)
	assert.Equal(t, int64(67108864), entries[0].ResourceLimits.MemoryBytes)
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{
		waitFunc: func(_ context.Context, containerID string, timeout time.Duration) (crt.ExitResult, error) {
			assert.Equal(t, 500*time.Millisecond, timeout)
			return crt.ExitResult{ExitCode: 137, TimedOut: true},
				crt.NewContainerError(crt.ErrExecutionTimeout, containerID, "no exit within 500ms")
		},
	}
	f := newOrchestratorFixture(t, testSandboxConfig(), rt)

	result, err := f.orch.Execute(context.Background(), &ExecutionRequest{
		Language: config.LanguageBash,
		Code:     "sleep 60",
		Config:   &RequestConfig{TimeoutMs: 500},
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.TimedOut)
	assert.False(t, result.OOMKilled)
	assert.Equal(t, kerrors.ErrExecutionTimeout, result.Error)

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].TimedOut)
}

func TestExecuteTruncatesOutput(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{
		logsFunc: func(context.Context, string) (crt.Logs, error) {
			return crt.Logs{Stdout: []byte(strings.Repeat("a", 1000))}, nil
		},
	}
	f := newOrchestratorFixture(t, testSandboxConfig(), rt)

	result, err := f.orch.Execute(context.Background(), &ExecutionRequest{
		Language: config.LanguageBash,
		Code:     "yes",
		Config: &RequestConfig{
			Resources: &RequestResources{MaxOutputBytes: 100},
		},
	})
	require.NoError(t, err)

	marker := fmt.Sprintf("\n[truncated, %d bytes total]", 1000)
	assert.LessOrEqual(t, len(result.Stdout), 100+len(marker))
	assert.True(t, strings.HasPrefix(result.Stdout, strings.Repeat("a", 100)))
	assert.Contains(t, result.Stdout, "1000 bytes")
}

func TestExecutePullPolicies(t *testing.T) {
	t.Parallel()

	t.Run("never with absent image fails", func(t *testing.T) {
		t.Parallel()
		cfg := testSandboxConfig()
		cfg.Defaults.ImagePullPolicy = config.PullNever
		rt := &fakeRuntime{
			hasImageFunc: func(context.Context, string) (bool, error) { return false, nil },
		}
		f := newOrchestratorFixture(t, cfg, rt)

		_, err := f.orch.Execute(context.Background(), pythonRequest())
		assert.True(t, kerrors.IsCode(err, kerrors.ErrImageNotFound))
	})

	t.Run("pull failure is distinguishable", func(t *testing.T) {
		t.Parallel()
		cfg := testSandboxConfig()
		cfg.Defaults.ImagePullPolicy = config.PullAlways
		rt := &fakeRuntime{
			pullFunc: func(context.Context, string) error {
				return fmt.Errorf("registry unreachable")
			},
		}
		f := newOrchestratorFixture(t, cfg, rt)

		_, err := f.orch.Execute(context.Background(), pythonRequest())
		assert.True(t, kerrors.IsCode(err, kerrors.ErrImagePullFailed))
	})

	t.Run("if-not-present pulls when absent", func(t *testing.T) {
		t.Parallel()
		pulled := false
		rt := &fakeRuntime{
			hasImageFunc: func(context.Context, string) (bool, error) { return false, nil },
			pullFunc: func(context.Context, string) error {
				pulled = true
				return nil
			},
		}
		f := newOrchestratorFixture(t, testSandboxConfig(), rt)

		_, err := f.orch.Execute(context.Background(), pythonRequest())
		require.NoError(t, err)
		assert.True(t, pulled)
	})
}

func TestCreateFailureStillAuditsAndReleasesSlot(t *testing.T) {
	t.Parallel()

	rt := &fakeRuntime{
		createFunc: func(context.Context, crt.CreateOptions) (string, error) {
			return "", fmt.Errorf("engine refused")
		},
	}
	f := newOrchestratorFixture(t, testSandboxConfig(), rt)

	_, err := f.orch.Execute(context.Background(), pythonRequest())
	assert.True(t, kerrors.IsCode(err, kerrors.ErrContainerCreateFailed))

	entries := f.auditEntries(t)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
	assert.Equal(t, kerrors.ErrContainerCreateFailed, entries[0].Error)
	assert.Equal(t, 0, f.orch.InFlight())
}

func TestExecuteHardensContainer(t *testing.T) {
	t.Parallel()

	var got crt.CreateOptions
	rt := &fakeRuntime{
		createFunc: func(_ context.Context, opts crt.CreateOptions) (string, error) {
			got = opts
			return "ctr-1", nil
		},
	}
	f := newOrchestratorFixture(t, testSandboxConfig(), rt)

	req := pythonRequest()
	req.Stdin = "some input"
	req.Files = []ExecutionFile{{Path: "helper.py", Content: "pass"}}
	_, err := f.orch.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, got.ReadOnlyRootFS)
	assert.True(t, got.DropAllCapabilities)
	assert.False(t, got.NetworkEnabled)
	assert.Equal(t, 65534, got.UserID)

	// Code, stdin, and attachments are all staged.
	assert.Contains(t, got.Files, "main.py")
	assert.Contains(t, got.Files, "helper.py")
	assert.Contains(t, got.Files, stdinFile)
	// Stdin is wired through a shell redirect.
	require.Len(t, got.Command, 3)
	assert.Contains(t, got.Command[2], "< "+crt.SourceDir+"/"+stdinFile)
}

func TestCancelStopsInFlightExecution(t *testing.T) {
	t.Parallel()

	stopped := make(chan struct{})
	waiting := make(chan struct{})
	rt := &fakeRuntime{
		waitFunc: func(ctx context.Context, _ string, _ time.Duration) (crt.ExitResult, error) {
			close(waiting)
			<-stopped
			return crt.ExitResult{ExitCode: 137}, nil
		},
		stopFunc: func(context.Context, string, time.Duration) error {
			close(stopped)
			return nil
		},
	}
	f := newOrchestratorFixture(t, testSandboxConfig(), rt)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.orch.Execute(context.Background(), &ExecutionRequest{
			ExecutionID: "exec-1",
			Language:    config.LanguageBash,
			Code:        "sleep 600",
		})
		assert.NoError(t, err)
	}()

	<-waiting
	require.NoError(t, f.orch.Cancel(context.Background(), "exec-1"))
	<-done

	// Canceling an unknown execution is a no-op.
	assert.NoError(t, f.orch.Cancel(context.Background(), "never-registered"))
}

func TestExecutePublishesOutcomeEvent(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, testSandboxConfig(), &fakeRuntime{})

	seen := make(chan *events.Envelope, 1)
	_, err := f.bus.Subscribe(TopicExecutionCompleted, func(_ context.Context, env *events.Envelope) error {
		seen <- env
		return nil
	}, nil)
	require.NoError(t, err)

	req := pythonRequest()
	req.CorrelationID = "corr-1"
	result, err := f.orch.Execute(context.Background(), req)
	require.NoError(t, err)

	select {
	case env := <-seen:
		payload, ok := env.Event.Payload.(*ExecutionResult)
		require.True(t, ok)
		assert.Equal(t, result.ExecutionID, payload.ExecutionID)
		assert.Equal(t, "corr-1", env.Event.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a completion event")
	}
}

func TestEffectiveProfileMerging(t *testing.T) {
	t.Parallel()

	cfg := testSandboxConfig()
	cfg.MaxTimeout = time.Minute
	f := newOrchestratorFixture(t, cfg, &fakeRuntime{})

	profile, err := f.orch.effectiveProfile(&RequestConfig{
		TimeoutMs: 5000,
		Resources: &RequestResources{MemoryBytes: 1024 * 1024},
	})
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, profile.Timeout)
	assert.Equal(t, int64(1024*1024), profile.Resources.MemoryBytes)
	// Untouched fields keep their defaults.
	assert.Equal(t, cfg.Defaults.Resources.PidsLimit, profile.Resources.PidsLimit)
	assert.Equal(t, cfg.Defaults.Resources.MaxOutputBytes, profile.Resources.MaxOutputBytes)

	// Requested timeouts are capped at the hard maximum.
	profile, err = f.orch.effectiveProfile(&RequestConfig{TimeoutMs: int64(time.Hour / time.Millisecond)})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, profile.Timeout)
}
