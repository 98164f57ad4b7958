package runtime

import (
	"context"
	"io"
	"time"

	"github.com/tandem-sh/tandem/internal/config"
)

// Log sources attached to entries emitted by runtime adapters.
const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
	LogSourceSystem = "system"
)

// LogEntry is a single line of child output observed by a runtime adapter.
type LogEntry struct {
	Timestamp time.Time
	Message   string
	Source    string
	Level     string
}

// LogSink receives the raw combined output of a child process. Writes must
// land in the backing store in the order they arrive; line subscribers are
// best-effort and must not slow the writers down.
type LogSink interface {
	// StreamWriter returns a writer for one of the child's output streams.
	StreamWriter(source string) io.Writer

	// Subscribe returns a channel of parsed log lines plus a release
	// function. Entries may be dropped when the subscriber lags.
	Subscribe(buffer int) (<-chan LogEntry, func())
}

// StartSpec describes the background server a runtime adapter should launch.
type StartSpec struct {
	Name    string
	Command []string
	Image   string
	Ports   []string
	Env     map[string]string
	Workdir string
	Ready   *config.ProbeSpec
	Log     LogSink

	// StopGrace bounds how long Stop waits after a termination request
	// before escalating to a kill. Zero escalates immediately; the
	// manifest loader supplies the default when the field is absent.
	StopGrace time.Duration
}

// Handle is a reference to a started background server.
type Handle interface {
	// PID reports the leader pid of the server's process group, or zero
	// when the runtime has no host-visible pid (containers).
	PID() int

	// WaitReady blocks until the server satisfies its readiness gate, the
	// server exits, or the context is cancelled. A server without a
	// configured gate is ready as soon as it has started.
	WaitReady(ctx context.Context) error

	// Wait blocks until the server exits and returns its exit error, if
	// any. Safe to call from multiple goroutines.
	Wait(ctx context.Context) error

	// Stop tears the server down. Implementations must be idempotent and
	// tolerate a server that already exited.
	Stop(ctx context.Context) error
}

// Runtime launches background servers.
type Runtime interface {
	Start(ctx context.Context, spec StartSpec) (Handle, error)
}

// Registry maps runtime identifiers to adapters.
type Registry map[string]Runtime

// Clone returns a shallow copy so callers cannot mutate shared maps.
func (r Registry) Clone() Registry {
	dup := make(Registry, len(r))
	for k, v := range r {
		dup[k] = v
	}
	return dup
}
