package core

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"pkt.systems/moorage/internal/logx"
	"pkt.systems/moorage/internal/shipohoy"
	"pkt.systems/moorage/schema"
	"pkt.systems/pslog"
)

// Exec runs command through the configured shell in the sandbox of id and
// returns the combined output. Runtime trouble never surfaces as an error:
// a container that vanished mid-call is recreated and the command retried
// once, and any other failure comes back as an envelope with Success set
// to false. Errors are returned only for an invalid id, a runtime that was
// unreachable at startup, or an unreachable store.
func (o *Orchestrator) Exec(ctx context.Context, id schema.SessionID, command string) (res schema.ExecResult, err error) {
	if err := o.check(id); err != nil {
		return schema.ExecResult{}, err
	}
	ctx = logx.ContextWithSession(ctx, id)
	ctx, span := o.span(ctx, "orchestrator.exec", id)
	defer func() { endSpan(span, err) }()

	log := pslog.Ctx(ctx)
	log.Info("orchestrator exec start", "command", command)
	res = schema.ExecResult{CorrelationID: id, Command: command}

	for attempt := 0; ; attempt++ {
		h, err := o.ensure(ctx, id)
		if err != nil {
			if isStoreErr(err) {
				log.Warn("orchestrator exec failed", "err", err)
				return schema.ExecResult{}, err
			}
			return o.execFailure(ctx, res, err), nil
		}
		res.ContainerID = h.ID

		out, code, err := o.runVerified(ctx, h.ID, command)
		if err == nil {
			res.ExitCode = code
			res.Output = out
			res.Success = code == 0
			if res.Success {
				o.metrics.Exec("ok")
			} else {
				o.metrics.Exec("nonzero")
			}
			logx.WithContainer(log, h.ID).Info("orchestrator exec ok", "exit_code", code)
			return res, nil
		}
		if errors.Is(err, shipohoy.ErrNotFound) && attempt == 0 {
			logx.WithContainer(log, h.ID).Warn("orchestrator exec container vanished; recreating", "err", err)
			o.metrics.ContainerRecreated("exec_missing")
			continue
		}
		return o.execFailure(ctx, res, err), nil
	}
}

// runVerified confirms the container is still running, starting it if a
// stop raced in, and runs the command.
func (o *Orchestrator) runVerified(ctx context.Context, containerID, command string) (string, int, error) {
	st, err := o.rt.Inspect(ctx, containerID)
	if err != nil {
		return "", 0, err
	}
	if !st.Running {
		logx.WithContainer(pslog.Ctx(ctx), containerID).Info("orchestrator exec restarting container stopped before exec")
		if err := o.rt.Start(ctx, containerID); err != nil {
			return "", 0, err
		}
	}

	if o.cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ExecTimeout)
		defer cancel()
	}
	var buf lockedBuffer
	argv := make([]string, 0, len(o.cfg.ExecShell)+1)
	argv = append(argv, o.cfg.ExecShell...)
	argv = append(argv, command)
	result, err := o.rt.Exec(ctx, containerID, shipohoy.ExecSpec{
		Command: argv,
		Stdout:  &buf,
		Stderr:  &buf,
		Timeout: o.cfg.ExecTimeout,
	})
	if err != nil {
		return buf.String(), 0, err
	}
	return buf.String(), result.ExitCode, nil
}

func (o *Orchestrator) execFailure(ctx context.Context, res schema.ExecResult, err error) schema.ExecResult {
	pslog.Ctx(ctx).Warn("orchestrator exec failed", "container_id", res.ContainerID, "err", err)
	o.metrics.Exec("error")
	res.ExitCode = 1
	res.Output = "error executing command: " + err.Error()
	res.Success = false
	return res
}

func isStoreErr(err error) bool {
	return errors.Is(err, schema.ErrStoreUnavailable) || errors.Is(err, schema.ErrStoreConflict)
}

// lockedBuffer collects stdout and stderr, which runtimes may copy from
// separate goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
