package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tandem-sh/tandem/internal/probe"
	"github.com/tandem-sh/tandem/internal/runtime"
)

type runtimeImpl struct{}

// New constructs a runtime that executes the server as a local process.
func New() runtime.Runtime {
	return &runtimeImpl{}
}

func (r *runtimeImpl) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("process runtime for %s requires a command", spec.Name)
	}
	if spec.Log == nil {
		return nil, fmt.Errorf("process runtime for %s requires a log sink", spec.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Deliberately not CommandContext: teardown is owned by Stop, which
	// signals the whole group instead of killing just the leader.
	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	if spec.Workdir != "" {
		cmd.Dir = spec.Workdir
	}

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env

	cmd.Stdout = spec.Log.StreamWriter(runtime.LogSourceStdout)
	cmd.Stderr = spec.Log.StreamWriter(runtime.LogSourceStderr)

	configureCmdSysProcAttr(cmd)

	inst := &instance{
		name:     spec.Name,
		cmd:      cmd,
		grace:    spec.StopGrace,
		waitDone: make(chan struct{}),
	}

	var prober probe.Prober
	if spec.Ready != nil {
		var err error
		prober, err = probe.New(spec.Ready)
		if err != nil {
			return nil, fmt.Errorf("create probe: %w", err)
		}

		inst.readyCh = make(chan struct{})
		inst.readyErr = make(chan error, 1)
		inst.watchCtx, inst.watchCancel = context.WithCancel(context.Background())

		// Subscribe before the child starts: a ready line printed
		// immediately after exec must still reach the log prober.
		if observer, ok := prober.(probe.LogObserver); ok {
			entries, release := spec.Log.Subscribe(64)
			go inst.feedLogs(entries, release, observer)
		}
	}

	if err := cmd.Start(); err != nil {
		inst.cancelWatch()
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	go func() {
		inst.waitErr = cmd.Wait()
		close(inst.waitDone)
	}()

	if prober != nil {
		events := probe.Watch(inst.watchCtx, prober, spec.Ready, nil)
		go inst.observeReadiness(events)
	}

	return inst, nil
}

type instance struct {
	name  string
	cmd   *exec.Cmd
	grace time.Duration

	waitErr  error
	waitDone chan struct{}

	watchCtx    context.Context
	watchCancel context.CancelFunc

	readyCh      chan struct{}
	readyErr     chan error
	readyOnce    sync.Once
	readyErrOnce sync.Once
}

func (p *instance) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *instance) WaitReady(ctx context.Context) error {
	if p.readyCh == nil {
		select {
		case <-p.waitDone:
			if p.waitErr != nil {
				return fmt.Errorf("process %s exited: %w", p.name, p.waitErr)
			}
			return nil
		default:
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-p.readyErr:
		if err == nil {
			err = errors.New("probe reported unready before initial readiness")
		}
		return err
	case <-p.readyCh:
		return nil
	case <-p.waitDone:
		if p.waitErr != nil {
			return fmt.Errorf("process %s exited: %w", p.name, p.waitErr)
		}
		return fmt.Errorf("process %s exited before ready", p.name)
	}
}

func (p *instance) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.waitDone:
		return p.exitError()
	}
}

func (p *instance) exitError() error {
	if p.waitErr == nil {
		return nil
	}
	return fmt.Errorf("process %s: %w", p.name, p.waitErr)
}

func (p *instance) feedLogs(entries <-chan runtime.LogEntry, release func(), observer probe.LogObserver) {
	defer release()
	for {
		select {
		case <-p.watchCtx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			observer.ObserveLog(probe.LogEntry{
				Message: entry.Message,
				Source:  entry.Source,
				Level:   entry.Level,
			})
		}
	}
}

func (p *instance) observeReadiness(events <-chan probe.Event) {
	for {
		select {
		case <-p.watchCtx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Status {
			case probe.StatusReady:
				p.readyOnce.Do(func() { close(p.readyCh) })
				return
			case probe.StatusUnready:
				err := event.Err
				if err == nil {
					err = errors.New("probe reported unready")
				}
				p.readyErrOnce.Do(func() {
					select {
					case p.readyErr <- err:
					default:
					}
				})
			}
		}
	}
}

func (p *instance) cancelWatch() {
	if p.watchCancel != nil {
		p.watchCancel()
		p.watchCancel = nil
	}
}
