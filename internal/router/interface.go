package router

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/triggerhost/internal/blobpath"
	"github.com/mattjoyce/triggerhost/internal/queue"
	"github.com/mattjoyce/triggerhost/internal/trigger"
)

// Candidate is one accepted (input, trigger) pairing handed to the invoker.
type Candidate struct {
	Kind trigger.Kind

	// Object candidates.
	Path       string
	Captures   blobpath.Captures
	ModifiedAt time.Time
	Outputs    []string

	// Queue and bus candidates. Source is the queue name or subject.
	Source  string
	Message *queue.Message
}

// Invoker runs the function behind a trigger. It must be safe for concurrent
// use with distinct candidates.
type Invoker interface {
	Invoke(ctx context.Context, c Candidate, d *trigger.Descriptor) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, c Candidate, d *trigger.Descriptor) error

func (f InvokerFunc) Invoke(ctx context.Context, c Candidate, d *trigger.Descriptor) error {
	return f(ctx, c, d)
}

// RegistrationError reports a descriptor rejected by RegisterTrigger or Reload.
type RegistrationError struct {
	Function string
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("register trigger for %q: %v", e.Function, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
