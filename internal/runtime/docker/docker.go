// Package docker launches the background server as a container. Container
// logs are demultiplexed into the pair's log sink so the log file contract
// is identical to the process runtime.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/tandem-sh/tandem/internal/probe"
	"github.com/tandem-sh/tandem/internal/runtime"
)

type runtimeImpl struct {
	client     *client.Client
	clientOnce sync.Once
	clientErr  error
}

// New returns a Docker backed runtime implementation.
func New() runtime.Runtime {
	return &runtimeImpl{}
}

func (r *runtimeImpl) getClient() (*client.Client, error) {
	r.clientOnce.Do(func() {
		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			r.clientErr = err
			return
		}
		r.client = cli
	})
	return r.client, r.clientErr
}

func (r *runtimeImpl) Start(ctx context.Context, spec runtime.StartSpec) (runtime.Handle, error) {
	if spec.Image == "" {
		return nil, errors.New("docker runtime requires an image")
	}
	if spec.Log == nil {
		return nil, fmt.Errorf("docker runtime for %s requires a log sink", spec.Name)
	}

	cli, err := r.getClient()
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if err := ensureImage(ctx, cli, spec.Image); err != nil {
		return nil, err
	}

	containerCfg, hostCfg, err := buildConfigs(spec)
	if err != nil {
		return nil, err
	}

	createResp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	containerID := createResp.ID

	if err := cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("container start: %w", err)
	}

	logCtx, logCancel := context.WithCancel(context.Background())
	inst := &dockerInstance{
		cli:         cli,
		containerID: containerID,
		name:        spec.Name,
		grace:       spec.StopGrace,
		logCtx:      logCtx,
		logStop:     logCancel,
		logDone:     make(chan struct{}),
		waitDone:    make(chan struct{}),
	}

	inst.startLogStreamer(spec.Log)
	inst.startWaiter()

	if spec.Ready != nil {
		prober, err := probe.New(spec.Ready)
		if err != nil {
			_ = inst.Stop(ctx)
			return nil, fmt.Errorf("create probe: %w", err)
		}
		inst.readyCh = make(chan struct{})
		inst.readyErr = make(chan error, 1)
		if observer, ok := prober.(probe.LogObserver); ok {
			go inst.feedLogs(spec.Log, observer)
		}
		events := probe.Watch(logCtx, prober, spec.Ready, nil)
		go inst.observeReadiness(events)
	}

	return inst, nil
}

type dockerInstance struct {
	cli         *client.Client
	containerID string
	name        string
	grace       time.Duration

	logCtx  context.Context
	logStop context.CancelFunc
	logDone chan struct{}

	waitOnce   sync.Once
	waitDone   chan struct{}
	waitResult waitOutcome

	readyCh      chan struct{}
	readyErr     chan error
	readyOnce    sync.Once
	readyErrOnce sync.Once

	stopOnce sync.Once
	stopErr  error
}

type waitOutcome struct {
	status container.WaitResponse
	err    error
}

// PID reports zero: the container pid namespace is not host-visible.
func (i *dockerInstance) PID() int {
	return 0
}

func (i *dockerInstance) startLogStreamer(sink runtime.LogSink) {
	go func() {
		defer close(i.logDone)
		reader, err := i.cli.ContainerLogs(i.logCtx, i.containerID, types.ContainerLogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
			Tail:       "all",
		})
		if err != nil {
			return
		}
		defer reader.Close()

		stdout := sink.StreamWriter(runtime.LogSourceStdout)
		stderr := sink.StreamWriter(runtime.LogSourceStderr)
		_, _ = stdcopy.StdCopy(stdout, stderr, reader)
	}()
}

func (i *dockerInstance) startWaiter() {
	go func() {
		statusCh, errCh := i.cli.ContainerWait(context.Background(), i.containerID, container.WaitConditionNextExit)
		var outcome waitOutcome
		select {
		case err := <-errCh:
			if err != nil {
				outcome.err = err
			}
		case resp := <-statusCh:
			outcome.status = resp
		}
		i.waitOnce.Do(func() {
			i.waitResult = outcome
			close(i.waitDone)
		})
	}()
}

func (i *dockerInstance) feedLogs(sink runtime.LogSink, observer probe.LogObserver) {
	entries, release := sink.Subscribe(64)
	defer release()
	for {
		select {
		case <-i.logCtx.Done():
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

func (i *dockerInstance) observeReadiness(events <-chan probe.Event) {
	for {
		select {
		case <-i.logCtx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			switch event.Status {
			case probe.StatusReady:
				i.readyOnce.Do(func() { close(i.readyCh) })
				return
			case probe.StatusUnready:
				err := event.Err
				if err == nil {
					err = errors.New("probe reported unready")
				}
				i.readyErrOnce.Do(func() {
					select {
					case i.readyErr <- err:
					default:
					}
				})
			}
		}
	}
}

func (i *dockerInstance) WaitReady(ctx context.Context) error {
	if i.readyCh == nil {
		select {
		case <-i.waitDone:
			return waitOutcomeError(i.waitResult)
		default:
			return nil
		}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-i.readyErr:
		if err == nil {
			err = errors.New("probe reported unready before initial readiness")
		}
		return err
	case <-i.readyCh:
		return nil
	case <-i.waitDone:
		return waitOutcomeError(i.waitResult)
	}
}

func (i *dockerInstance) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-i.waitDone:
		outcome := i.waitResult
		if outcome.err != nil {
			return outcome.err
		}
		if outcome.status.StatusCode != 0 {
			return fmt.Errorf("container %s exited with status %d", i.name, outcome.status.StatusCode)
		}
		return nil
	}
}

func (i *dockerInstance) Stop(ctx context.Context) error {
	i.stopOnce.Do(func() {
		defer func() {
			i.logStop()
			<-i.logDone
		}()
		sec := int(i.grace.Seconds())
		opts := container.StopOptions{Timeout: &sec}
		err := i.cli.ContainerStop(ctx, i.containerID, opts)
		if err != nil {
			if client.IsErrNotFound(err) {
				return
			}
			killErr := i.cli.ContainerKill(ctx, i.containerID, "SIGKILL")
			if killErr != nil && !client.IsErrNotFound(killErr) {
				i.stopErr = fmt.Errorf("container stop: %v; kill: %w", err, killErr)
				return
			}
			i.stopErr = err
		}
	})
	return i.stopErr
}

func waitOutcomeError(outcome waitOutcome) error {
	if outcome.err != nil {
		return outcome.err
	}
	if outcome.status.StatusCode != 0 {
		return fmt.Errorf("container exited with status %d", outcome.status.StatusCode)
	}
	if outcome.status.Error != nil {
		return errors.New(outcome.status.Error.Message)
	}
	return errors.New("container exited before ready")
}

func ensureImage(ctx context.Context, cli *client.Client, imageName string) error {
	_, _, err := cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image: %w", err)
	}
	reader, err := cli.ImagePull(ctx, imageName, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image: %w", err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func buildConfigs(spec runtime.StartSpec) (*container.Config, *container.HostConfig, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(env)

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, portSpec := range spec.Ports {
		mappings, err := nat.ParsePortSpec(portSpec)
		if err != nil {
			return nil, nil, fmt.Errorf("parse port %q: %w", portSpec, err)
		}
		for _, mapping := range mappings {
			exposed[mapping.Port] = struct{}{}
			bindings[mapping.Port] = append(bindings[mapping.Port], mapping.Binding)
		}
	}

	var cmdSlice []string
	if len(spec.Command) > 0 {
		cmdSlice = append([]string(nil), spec.Command...)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Cmd:          strslice.StrSlice(cmdSlice),
		ExposedPorts: exposed,
	}
	host := &container.HostConfig{PortBindings: bindings}
	return cfg, host, nil
}
