package blobpath

import "fmt"

// ParseError reports a malformed template.
type ParseError struct {
	Template string
	Reason   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse path template %q: %s", e.Template, e.Reason)
}

// MissingCaptureError reports a Bind call without a value for a capture.
type MissingCaptureError struct {
	Name string
}

func (e *MissingCaptureError) Error() string {
	return fmt.Sprintf("no value for capture %q", e.Name)
}
