// Package probe implements the server readiness gate. A manifest configures
// exactly one probe; the Watch loop runs it on an interval and reports
// threshold-crossing transitions.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"slices"
	"time"

	"github.com/tandem-sh/tandem/internal/config"
)

// Status captures the readiness condition surfaced by a probe watcher.
type Status string

const (
	// StatusUnknown is used internally to track transitions and is not
	// emitted on the public channel.
	StatusUnknown Status = "unknown"
	// StatusReady indicates that the probe has satisfied the configured
	// success threshold.
	StatusReady Status = "ready"
	// StatusUnready indicates that the probe has exceeded the configured
	// failure threshold.
	StatusUnready Status = "unready"
)

// Event describes a readiness state transition emitted by Watch.
type Event struct {
	Status Status
	Reason string
	Err    error
	At     time.Time
}

// Prober defines the behaviour required by the Watch loop.
type Prober interface {
	Probe(ctx context.Context) error
}

// probeFunc adapts a bare check function to the Prober interface. The http,
// tcp and command gates are stateless, so closures are all they need.
type probeFunc func(ctx context.Context) error

func (f probeFunc) Probe(ctx context.Context) error { return f(ctx) }

// LogEntry represents a single log line observed by a log-aware probe.
type LogEntry struct {
	Message string
	Source  string
	Level   string
}

// LogObserver consumes log entries surfaced by runtimes to drive readiness
// evaluations.
type LogObserver interface {
	ObserveLog(LogEntry)
}

// New constructs the Prober for the supplied specification. The manifest
// validator guarantees exactly one probe type is configured.
func New(spec *config.ProbeSpec) (Prober, error) {
	if spec == nil {
		return nil, nil
	}
	switch {
	case spec.HTTP != nil:
		return newHTTPProber(spec.HTTP), nil
	case spec.TCP != nil:
		return newTCPProber(spec.TCP), nil
	case spec.Command != nil:
		return newCommandProber(spec.Command)
	case spec.Log != nil:
		return newLogProber(spec.Log)
	}
	return nil, errors.New("probe: missing configuration")
}

// newHTTPProber gates on a GET against the server. Without an explicit
// status list any non-error response (below 400) counts as ready.
func newHTTPProber(spec *config.HTTPProbeSpec) Prober {
	client := &http.Client{}
	url := spec.URL
	expect := append([]int(nil), spec.ExpectStatus...)
	return probeFunc(func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		accepted := resp.StatusCode < 400
		if len(expect) > 0 {
			accepted = slices.Contains(expect, resp.StatusCode)
		}
		if !accepted {
			return fmt.Errorf("status=%d", resp.StatusCode)
		}
		return nil
	})
}

// newTCPProber gates on the server's port accepting a connection.
func newTCPProber(spec *config.TCPProbeSpec) Prober {
	var dialer net.Dialer
	address := spec.Address
	return probeFunc(func(ctx context.Context) error {
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return fmt.Errorf("dial %s: %w", address, err)
		}
		return conn.Close()
	})
}

// newCommandProber gates on an external command exiting zero.
func newCommandProber(spec *config.CommandProbe) (Prober, error) {
	if len(spec.Command) == 0 {
		return nil, errors.New("probe: command requires at least one argument")
	}
	argv := append([]string(nil), spec.Command...)
	return probeFunc(func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Stdout = io.Discard
		cmd.Stderr = io.Discard
		err := cmd.Run()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("exit %d", exitErr.ExitCode())
		}
		return fmt.Errorf("command failed: %w", err)
	}), nil
}

// Watch continuously executes the provided prober until the context is
// cancelled. Transitions between ready and unready states are emitted on the
// returned channel. The channel is closed once the context is cancelled.
func Watch(ctx context.Context, prober Prober, spec *config.ProbeSpec, nowFn func() time.Time) <-chan Event {
	events := make(chan Event, 1)
	if ctx == nil {
		close(events)
		return events
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	go func() {
		defer close(events)
		if prober == nil || spec == nil {
			return
		}

		successNeeded := spec.SuccessThreshold
		if successNeeded <= 0 {
			successNeeded = 1
		}
		failureAllowed := spec.FailureThreshold
		if failureAllowed <= 0 {
			failureAllowed = 1
		}

		interval := spec.Interval.Duration
		timeout := probeTimeout(spec)

		if gp := spec.GracePeriod.Duration; gp > 0 {
			timer := time.NewTimer(gp)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}

		successes := 0
		failures := 0
		status := StatusUnknown

		for {
			attemptCtx := ctx
			cancel := func() {}
			if timeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			}

			err := prober.Probe(attemptCtx)
			cancel()

			if ctx.Err() != nil {
				return
			}

			if err == nil {
				successes++
				failures = 0
				if successes >= successNeeded && status != StatusReady {
					status = StatusReady
					if !sendEvent(ctx, events, Event{Status: StatusReady, At: nowFn()}) {
						return
					}
				}
			} else {
				if attemptCtx.Err() == context.DeadlineExceeded && errors.Is(err, context.DeadlineExceeded) {
					err = fmt.Errorf("timeout after %s", timeout)
				}

				successes = 0
				failures++
				if failures >= failureAllowed && status != StatusUnready {
					status = StatusUnready
					event := Event{Status: StatusUnready, Reason: err.Error(), Err: err, At: nowFn()}
					if !sendEvent(ctx, events, event) {
						return
					}
				}
			}

			if interval <= 0 {
				select {
				case <-ctx.Done():
					return
				default:
				}
				continue
			}

			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return events
}

func sendEvent(ctx context.Context, events chan<- Event, event Event) bool {
	select {
	case <-ctx.Done():
		return false
	case events <- event:
		return true
	}
}

func probeTimeout(spec *config.ProbeSpec) time.Duration {
	if spec == nil {
		return 0
	}
	if spec.Command != nil {
		if dur := spec.Command.Timeout.Duration; dur > 0 {
			return dur
		}
	}
	return spec.Timeout.Duration
}
