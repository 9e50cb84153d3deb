package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/triggerhost/internal/blobpath"
	"github.com/mattjoyce/triggerhost/internal/function"
	"github.com/mattjoyce/triggerhost/internal/protocol"
	"github.com/mattjoyce/triggerhost/internal/router"
	"github.com/mattjoyce/triggerhost/internal/trigger"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a function.
	maxStderrBytes = 64 * 1024

	DefaultGracePeriod = 5 * time.Second
)

var (
	ErrFunctionNotFound = errors.New("function not found")
	ErrTimedOut         = errors.New("function timed out")
)

// FunctionError is a function that ran and reported status=error.
type FunctionError struct {
	Function string
	Message  string
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("function %s returned error: %s", e.Function, e.Message)
}

// Functions resolves function names to runnable functions.
type Functions interface {
	Get(name string) (*function.Function, bool)
}

type Option func(*Executor)

// WithGracePeriod sets the delay between SIGTERM and SIGKILL.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Executor) { e.grace = d }
}

// WithHistory records every invocation.
func WithHistory(h *History) Option {
	return func(e *Executor) { e.history = h }
}

// Executor implements router.Invoker by spawning function subprocesses.
type Executor struct {
	functions Functions
	history   *History
	grace     time.Duration
	logger    *slog.Logger
}

var _ router.Invoker = (*Executor)(nil)

func New(functions Functions, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		functions: functions,
		grace:     DefaultGracePeriod,
		logger:    logger.With("component", "dispatch"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Invoke runs d's function for c and returns nil only when it reported ok.
func (e *Executor) Invoke(ctx context.Context, c router.Candidate, d *trigger.Descriptor) error {
	inv := Invocation{
		ID:          uuid.NewString(),
		Function:    d.Function,
		TriggerKind: string(c.Kind),
		Subject:     subject(c),
		StartedAt:   time.Now().UTC(),
	}
	logger := e.logger.With("invocation_id", inv.ID, "function", d.Function, "subject", inv.Subject)

	err := e.run(ctx, c, d, &inv, logger)
	inv.CompletedAt = time.Now().UTC()
	switch {
	case err == nil:
		inv.Status = StatusSucceeded
	case errors.Is(err, ErrTimedOut):
		inv.Status = StatusTimedOut
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		inv.Status = StatusCancelled
	default:
		inv.Status = StatusFailed
	}
	if err != nil {
		inv.LastError = err.Error()
	}

	if e.history != nil {
		if herr := e.history.Record(context.WithoutCancel(ctx), inv); herr != nil {
			logger.Error("failed to record invocation", "error", herr)
		}
	}
	logger.Info("invocation finished", "status", string(inv.Status),
		"duration", inv.CompletedAt.Sub(inv.StartedAt).String())
	return err
}

func (e *Executor) run(ctx context.Context, c router.Candidate, d *trigger.Descriptor, inv *Invocation, logger *slog.Logger) error {
	fn, ok := e.functions.Get(d.Function)
	if !ok {
		return fmt.Errorf("%w: %s", ErrFunctionNotFound, d.Function)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	timeout := fn.Timeout
	if timeout <= 0 {
		timeout = function.DefaultTimeout
	}
	req, err := buildRequest(inv.ID, c, d, time.Now().Add(timeout))
	if err != nil {
		return err
	}

	resp, stderr, err := e.spawn(ctx, fn.Entrypoint, req, timeout, logger)
	inv.Stderr = stderr
	if err != nil {
		return err
	}

	for _, entry := range resp.Logs {
		logger.Info("function log", "level", entry.Level, "message", entry.Message)
	}
	if resp.Status == protocol.StatusError {
		return &FunctionError{Function: d.Function, Message: resp.Error}
	}
	return nil
}

func subject(c router.Candidate) string {
	if c.Message != nil {
		return c.Source + "/" + c.Message.ID
	}
	return c.Path
}

func buildRequest(id string, c router.Candidate, d *trigger.Descriptor, deadline time.Time) (*protocol.Request, error) {
	req := &protocol.Request{
		Protocol:     protocol.Version,
		InvocationID: id,
		Function:     d.Function,
		Trigger:      string(c.Kind),
		DeadlineAt:   deadline,
	}

	switch c.Kind {
	case trigger.KindObject:
		container, name, err := blobpath.Split(c.Path)
		if err != nil {
			return nil, err
		}
		req.Object = &protocol.ObjectInput{
			Path:       c.Path,
			Container:  container,
			Name:       name,
			Captures:   c.Captures,
			ModifiedAt: c.ModifiedAt,
			Outputs:    c.Outputs,
		}
	case trigger.KindQueue, trigger.KindBus:
		if c.Message == nil {
			return nil, fmt.Errorf("%s candidate has no message", c.Kind)
		}
		in := &protocol.MessageInput{
			Source:       c.Source,
			ID:           c.Message.ID,
			DequeueCount: c.Message.DequeueCount,
			InsertedAt:   c.Message.InsertedAt,
		}
		protocol.MessageBody(in, c.Message.Body)
		req.Message = in
	default:
		return nil, fmt.Errorf("unknown trigger kind %q", c.Kind)
	}
	return req, nil
}

// spawn runs the entrypoint, feeds it req and decodes its response. The
// process gets SIGTERM on timeout or cancellation and SIGKILL after the grace
// period.
func (e *Executor) spawn(
	ctx context.Context,
	entrypoint string,
	req *protocol.Request,
	timeout time.Duration,
	logger *slog.Logger,
) (*protocol.Response, string, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Termination is managed here rather than through CommandContext.
	cmd := exec.Command(entrypoint)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, "", fmt.Errorf("create stdin pipe: %w", err)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning function", "entrypoint", entrypoint, "timeout", timeout)
	if err := cmd.Start(); err != nil {
		return nil, "", fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		writeErr <- protocol.EncodeRequest(stdin, req)
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var cause error
	select {
	case <-timeoutTimer.C:
		logger.Warn("function timed out, sending SIGTERM")
		cause = fmt.Errorf("%w after %v", ErrTimedOut, timeout)
	case <-ctx.Done():
		logger.Info("invocation cancelled, sending SIGTERM")
		cause = ctx.Err()
	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if werr := <-writeErr; werr != nil {
			return nil, stderrStr, fmt.Errorf("write request: %w", werr)
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, stderrStr, fmt.Errorf("wait for process: %w", err)
			}
			logger.Warn("function exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, err := protocol.DecodeResponse(stdout.Bytes(), false)
		if err != nil {
			logger.Error("failed to decode function response", "error", err, "stdout", truncateStderr(stdout.String()))
			return nil, stderrStr, fmt.Errorf("decode response: %w", err)
		}
		return resp, stderrStr, nil
	}

	e.terminate(cmd, waitErr, logger)
	return nil, truncateStderr(stderr.String()), cause
}

func (e *Executor) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(e.grace)
	defer grace.Stop()
	select {
	case <-waitErr:
		logger.Info("function exited after SIGTERM")
	case <-grace.C:
		logger.Warn("function did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
