package trigger

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by a TimeLookup when the path does not exist.
var ErrNotFound = errors.New("object not found")

// TimeLookup resolves the authoritative last-modified time of a path.
type TimeLookup interface {
	LastModified(ctx context.Context, path string) (time.Time, error)
}

// TimeLookupFunc adapts a function to TimeLookup.
type TimeLookupFunc func(ctx context.Context, path string) (time.Time, error)

func (f TimeLookupFunc) LastModified(ctx context.Context, path string) (time.Time, error) {
	return f(ctx, path)
}

// ShouldInvoke reports whether a trigger with the given bound outputs needs to
// run for an input modified at inputModified.
//
// It returns true when there are no outputs, when any output is missing, or
// when the input is newer than any output. Lookup stops at the first output
// that forces a run. A lookup error other than ErrNotFound cannot prove the
// output fresh and also returns true.
func ShouldInvoke(ctx context.Context, inputModified time.Time, outputs []string, lookup TimeLookup) bool {
	if len(outputs) == 0 {
		return true
	}
	for _, out := range outputs {
		modified, err := lookup.LastModified(ctx, out)
		if err != nil {
			return true
		}
		if inputModified.After(modified) {
			return true
		}
	}
	return false
}
