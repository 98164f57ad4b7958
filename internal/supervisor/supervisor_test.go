package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	stdruntime "runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tandem-sh/tandem/internal/config"
	"github.com/tandem-sh/tandem/internal/runtime"
	"github.com/tandem-sh/tandem/internal/runtime/process"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if stdruntime.GOOS == "windows" {
		t.Skip("supervisor tests require a unix shell")
	}
}

type fakeHandle struct {
	pid       int
	stopCalls atomic.Int32
	exited    chan struct{}
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, exited: make(chan struct{})}
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) WaitReady(ctx context.Context) error { return nil }

func (h *fakeHandle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.exited:
		return nil
	}
}

func (h *fakeHandle) Stop(ctx context.Context) error {
	if h.stopCalls.Add(1) == 1 {
		close(h.exited)
	}
	return nil
}

type fakeRuntime struct {
	handle   *fakeHandle
	startErr error
}

func (r *fakeRuntime) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	if r.startErr != nil {
		return nil, r.startErr
	}
	return r.handle, nil
}

func testManifest(dir, proxyScript string) *config.Manifest {
	return &config.Manifest{
		Version: "1",
		Pair:    config.PairMeta{Name: "pair", Workdir: dir},
		Server: &config.ServerSpec{
			Runtime:         "fake",
			Command:         []string{"/bin/true"},
			LogFile:         "server.log",
			ResolvedWorkdir: dir,
			ResolvedLogFile: filepath.Join(dir, "server.log"),
			Shutdown:        &config.ShutdownSpec{Grace: config.Duration{Duration: 500 * time.Millisecond}},
		},
		Proxy: &config.ProxySpec{
			Command:            []string{"/bin/sh", "-c", proxyScript},
			Port:               8321,
			ConfigFile:         "proxy.yaml",
			ResolvedConfigFile: filepath.Join(dir, "proxy.yaml"),
		},
	}
}

// runCollect drains the supervisor's event channel while Run executes and
// returns Run's error along with every event observed.
func runCollect(t *testing.T, sup *Supervisor, ctx context.Context, onEvent func(Event)) ([]Event, error) {
	t.Helper()
	var events []Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range sup.Events() {
			events = append(events, event)
			if onEvent != nil {
				onEvent(event)
			}
		}
	}()
	err := sup.Run(ctx)
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("event channel not closed after Run returned")
	}
	return events, err
}

func hasEvent(events []Event, process string, eventType EventType) bool {
	for _, event := range events {
		if event.Process == process && event.Type == eventType {
			return true
		}
	}
	return false
}

func TestRunStopsServerExactlyOnce(t *testing.T) {
	requireUnix(t)
	handle := newFakeHandle(0)
	manifest := testManifest(t.TempDir(), "exit 0")

	sup := New(manifest, runtime.Registry{"fake": &fakeRuntime{handle: handle}})
	sup.pidAlive = func(int32) (bool, error) { return false, nil }

	events, err := runCollect(t, sup, context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := handle.stopCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one stop, got %d", got)
	}
	if !hasEvent(events, ProcessServer, EventTypeStopping) || !hasEvent(events, ProcessServer, EventTypeStopped) {
		t.Fatalf("missing teardown events: %+v", events)
	}
}

func TestRunPropagatesProxyExitCode(t *testing.T) {
	requireUnix(t)
	handle := newFakeHandle(0)
	manifest := testManifest(t.TempDir(), "exit 7")

	sup := New(manifest, runtime.Registry{"fake": &fakeRuntime{handle: handle}})
	sup.pidAlive = func(int32) (bool, error) { return false, nil }

	_, err := runCollect(t, sup, context.Background(), nil)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 7 {
		t.Fatalf("expected exit code 7, got %d", exitErr.Code)
	}
	if got := handle.stopCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one stop, got %d", got)
	}
}

func TestRunCancelSignalsProxyAndStopsServer(t *testing.T) {
	requireUnix(t)
	handle := newFakeHandle(0)
	manifest := testManifest(t.TempDir(), "sleep 30")

	sup := New(manifest, runtime.Registry{"fake": &fakeRuntime{handle: handle}})
	sup.pidAlive = func(int32) (bool, error) { return false, nil }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := runCollect(t, sup, ctx, func(event Event) {
		if event.Process == ProcessProxy && event.Type == EventTypeStarting {
			// Give the proxy a moment to reach its process group
			// before delivering the termination signal.
			time.AfterFunc(100*time.Millisecond, cancel)
		}
	})

	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError after signal, got %v", err)
	}
	if exitErr.Code != 143 {
		t.Fatalf("expected exit code 143 for SIGTERM, got %d", exitErr.Code)
	}
	if got := handle.stopCalls.Load(); got != 1 {
		t.Fatalf("expected exactly one stop, got %d", got)
	}
}

func TestRunReportsSurvivingServerPid(t *testing.T) {
	requireUnix(t)
	handle := newFakeHandle(4242)
	manifest := testManifest(t.TempDir(), "exit 0")

	sup := New(manifest, runtime.Registry{"fake": &fakeRuntime{handle: handle}})
	sup.pidAlive = func(pid int32) (bool, error) { return pid == 4242, nil }

	events, _ := runCollect(t, sup, context.Background(), nil)

	found := false
	for _, event := range events {
		if event.Type == EventTypeError && strings.Contains(event.Message, "still alive") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected surviving-pid error event, got %+v", events)
	}
	if hasEvent(events, ProcessServer, EventTypeStopped) {
		t.Fatal("stopped event must not be emitted when the pid survives")
	}
}

func TestRunFailsForUnknownRuntime(t *testing.T) {
	manifest := testManifest(t.TempDir(), "exit 0")
	manifest.Server.Runtime = "bogus"

	sup := New(manifest, runtime.Registry{"fake": &fakeRuntime{handle: newFakeHandle(0)}})
	_, err := runCollect(t, sup, context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "unsupported runtime") {
		t.Fatalf("expected unsupported runtime error, got %v", err)
	}
}

func TestRunServerStartFailureSkipsCleanup(t *testing.T) {
	handle := newFakeHandle(0)
	manifest := testManifest(t.TempDir(), "exit 0")

	rt := &fakeRuntime{handle: handle, startErr: errors.New("no such binary")}
	sup := New(manifest, runtime.Registry{"fake": rt})

	events, err := runCollect(t, sup, context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "start server") {
		t.Fatalf("expected start error, got %v", err)
	}
	if got := handle.stopCalls.Load(); got != 0 {
		t.Fatalf("stop must not run for a server that never started, got %d calls", got)
	}
	if hasEvent(events, ProcessServer, EventTypeStopping) {
		t.Fatal("no teardown events expected when the server never started")
	}
}

func TestRunEndToEndWithProcessRuntime(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()

	manifest := testManifest(dir, "exit 0")
	manifest.Server.Runtime = config.RuntimeProcess
	manifest.Server.Command = []string{"/bin/sh", "-c", "echo booting; sleep 0.2; echo server ready; sleep 30"}
	manifest.Server.Ready = &config.ProbeSpec{
		Interval:         config.Duration{Duration: 10 * time.Millisecond},
		Timeout:          config.Duration{Duration: time.Second},
		SuccessThreshold: 1,
		FailureThreshold: 3,
		Log:              &config.LogProbeSpec{Pattern: "server ready"},
	}

	sup := New(manifest, runtime.Registry{config.RuntimeProcess: process.New()})

	events, err := runCollect(t, sup, context.Background(), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !hasEvent(events, ProcessServer, EventTypeReady) {
		t.Fatalf("expected server ready event, got %+v", events)
	}
	if !hasEvent(events, ProcessServer, EventTypeStopped) {
		t.Fatalf("expected server stopped event, got %+v", events)
	}

	contents, err := os.ReadFile(manifest.Server.ResolvedLogFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(contents), "server ready") {
		t.Fatalf("log file missing server output: %q", contents)
	}
}

func TestRunReadinessFailurePropagatesAndCleansUp(t *testing.T) {
	requireUnix(t)
	dir := t.TempDir()

	manifest := testManifest(dir, "exit 0")
	manifest.Server.Runtime = config.RuntimeProcess
	manifest.Server.Command = []string{"/bin/sh", "-c", "echo booting; exit 0"}
	manifest.Server.Ready = &config.ProbeSpec{
		Interval:         config.Duration{Duration: 10 * time.Millisecond},
		Timeout:          config.Duration{Duration: time.Second},
		SuccessThreshold: 1,
		FailureThreshold: 3,
		Log:              &config.LogProbeSpec{Pattern: "never printed"},
	}

	sup := New(manifest, runtime.Registry{config.RuntimeProcess: process.New()})

	_, err := runCollect(t, sup, context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "server readiness") {
		t.Fatalf("expected readiness error, got %v", err)
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := &ExitError{Code: 42}
	if got := err.Error(); got != fmt.Sprintf("proxy exited with status %d", 42) {
		t.Fatalf("unexpected message %q", got)
	}
}
