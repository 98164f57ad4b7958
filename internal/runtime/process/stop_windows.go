//go:build windows

package process

import "context"

func (p *instance) Stop(ctx context.Context) error {
	p.cancelWatch()
	if p.cmd.Process == nil {
		return nil
	}

	select {
	case <-p.waitDone:
		return nil
	default:
	}

	if err := p.cmd.Process.Kill(); err != nil {
		return err
	}
	select {
	case <-p.waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
