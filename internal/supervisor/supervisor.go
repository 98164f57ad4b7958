// Package supervisor runs a background server and a foreground proxy as a
// pair. The server starts first, detached in its own process group with its
// output appended to the pair's log file. The proxy then occupies the
// terminal and blocks the supervisor. Whenever the proxy exits, or the
// supervisor's context is cancelled by a signal, the server's process group
// is torn down exactly once, and the proxy's exit status becomes the
// supervisor's result.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	gops "github.com/shirou/gopsutil/v3/process"

	"github.com/tandem-sh/tandem/internal/config"
	"github.com/tandem-sh/tandem/internal/logsink"
	"github.com/tandem-sh/tandem/internal/metrics"
	"github.com/tandem-sh/tandem/internal/runtime"
)

// stopSlack bounds how long cleanup may run beyond the configured grace
// period before the supervisor gives up waiting.
const stopSlack = 5 * time.Second

// ExitError carries the foreground proxy's exit status through the CLI so
// it can be propagated verbatim as the process exit code.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("proxy exited with status %d", e.Code)
}

// Supervisor owns the lifecycle of one server/proxy pair.
type Supervisor struct {
	manifest *config.Manifest
	runtimes runtime.Registry
	events   chan Event

	forwarders sync.WaitGroup
	stopOnce   sync.Once

	// pidAlive is a test seam; defaults to gopsutil's PidExists.
	pidAlive func(pid int32) (bool, error)
}

// New constructs a supervisor for the provided manifest.
func New(manifest *config.Manifest, runtimes runtime.Registry) *Supervisor {
	return &Supervisor{
		manifest: manifest,
		runtimes: runtimes.Clone(),
		events:   make(chan Event, 64),
		pidAlive: gops.PidExists,
	}
}

// Events exposes lifecycle and log notifications. The channel is closed
// once Run returns.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Run executes the pair until the proxy exits or ctx is cancelled. The
// returned error is an *ExitError when the proxy exited non-zero.
func (s *Supervisor) Run(ctx context.Context) error {
	defer func() {
		s.forwarders.Wait()
		close(s.events)
	}()

	srv := s.manifest.Server
	rt, ok := s.runtimes[srv.Runtime]
	if !ok {
		return fmt.Errorf("unsupported runtime %q", srv.Runtime)
	}

	sink, err := logsink.Open(srv.ResolvedLogFile)
	if err != nil {
		return err
	}
	defer sink.Close()

	lines, release := sink.Subscribe(256)
	defer release()
	s.forwarders.Add(1)
	go s.forwardLogs(lines)

	s.sendEvent(ProcessServer, EventTypeStarting, "starting server", nil)
	handle, err := rt.Start(ctx, s.buildStartSpec(sink))
	if err != nil {
		// Nothing to clean up: the server never started.
		return fmt.Errorf("start server: %w", err)
	}
	defer s.cleanup(handle)

	if srv.Ready != nil {
		if err := handle.WaitReady(ctx); err != nil {
			return fmt.Errorf("server readiness: %w", err)
		}
		metrics.SetServerReady(s.manifest.Pair.Name, true)
		s.sendEvent(ProcessServer, EventTypeReady, "server ready", nil)
	}

	s.sendEvent(ProcessProxy, EventTypeStarting, "starting proxy", nil)
	code, err := s.runForeground(ctx)
	if err != nil {
		return err
	}
	metrics.SetForegroundExit(s.manifest.Pair.Name, code)
	if code != 0 {
		return &ExitError{Code: code}
	}
	return nil
}

func (s *Supervisor) buildStartSpec(sink *logsink.Sink) runtime.StartSpec {
	srv := s.manifest.Server
	spec := runtime.StartSpec{
		Name:    s.manifest.Pair.Name,
		Workdir: srv.ResolvedWorkdir,
		Image:   srv.Image,
		Ready:   srv.Ready.Clone(),
		Log:     sink,
	}
	if len(srv.Command) > 0 {
		spec.Command = append([]string(nil), srv.Command...)
	}
	if len(srv.Ports) > 0 {
		spec.Ports = append([]string(nil), srv.Ports...)
	}
	if len(srv.Env) > 0 {
		env := make(map[string]string, len(srv.Env))
		for k, v := range srv.Env {
			env[k] = v
		}
		spec.Env = env
	}
	if srv.Shutdown != nil {
		spec.StopGrace = srv.Shutdown.Grace.Duration
	}
	return spec
}

func (s *Supervisor) forwardLogs(lines <-chan runtime.LogEntry) {
	defer s.forwarders.Done()
	for entry := range lines {
		s.events <- Event{
			Timestamp: entry.Timestamp,
			Process:   ProcessServer,
			Type:      EventTypeLog,
			Message:   entry.Message,
			Level:     entry.Level,
			Source:    entry.Source,
		}
	}
}

// cleanup tears the server down. It runs on every exit path after a
// successful server start and is guaranteed to act exactly once.
func (s *Supervisor) cleanup(handle runtime.Handle) {
	s.stopOnce.Do(func() {
		s.sendEvent(ProcessServer, EventTypeStopping, "stopping server", nil)

		grace := stopSlack
		if shutdown := s.manifest.Server.Shutdown; shutdown != nil {
			grace += shutdown.Grace.Duration
		}
		ctx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()

		pid := handle.PID()
		if err := handle.Stop(ctx); err != nil {
			s.sendEvent(ProcessServer, EventTypeError, "stop failed", err)
		}
		metrics.IncCleanupSignals(s.manifest.Pair.Name)
		metrics.SetServerReady(s.manifest.Pair.Name, false)

		if pid > 0 && s.pidAlive != nil {
			if alive, err := s.pidAlive(int32(pid)); err == nil && alive {
				s.sendEvent(ProcessServer, EventTypeError,
					fmt.Sprintf("server pid %d still alive after teardown", pid), nil)
				return
			}
		}
		s.sendEvent(ProcessServer, EventTypeStopped, "server stopped", nil)
	})
}

// runForeground starts the proxy attached to the supervisor's own standard
// streams and blocks until it exits. Context cancellation forwards a
// termination signal to the proxy's process group; the proxy's subsequent
// exit status is still what the supervisor reports.
func (s *Supervisor) runForeground(ctx context.Context) (int, error) {
	proxy := s.manifest.Proxy
	argv := proxy.Argv()

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.manifest.Pair.Workdir
	env := os.Environ()
	for k, v := range proxy.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	configureForegroundSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start proxy: %w", err)
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- cmd.Wait()
	}()

	done := ctx.Done()
	for {
		select {
		case <-done:
			signalForeground(cmd)
			done = nil
		case err := <-waitCh:
			return foregroundExitCode(cmd, err)
		}
	}
}

func foregroundExitCode(cmd *exec.Cmd, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		if code < 0 {
			code = signalExitCode(cmd)
		}
		return code, nil
	}
	return 0, fmt.Errorf("wait proxy: %w", err)
}
