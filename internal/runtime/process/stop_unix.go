//go:build !windows

package process

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"
)

func (p *instance) Stop(ctx context.Context) error {
	p.cancelWatch()
	if p.cmd.Process == nil {
		return nil
	}

	select {
	case <-p.waitDone:
		// Already exited; signalling the dead group below would be a
		// no-op, but skip it so Stop is cheap to repeat.
		return nil
	default:
	}

	// Graceful first: signal the whole group, not just the leader.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("signal process group %s: %w", p.name, err)
	}

	select {
	case <-p.waitDone:
		return nil
	case <-time.After(p.grace):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill process group %s: %w", p.name, err)
	}
	select {
	case <-p.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
