package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// ErrNoOutput means the function wrote nothing to stdout.
var ErrNoOutput = errors.New("function produced no output on stdout")

// MalformedError carries the stdout that could not be decoded.
type MalformedError struct {
	Raw []byte
	Err error
}

func (e *MalformedError) Error() string { return "malformed function response: " + e.Err.Error() }
func (e *MalformedError) Unwrap() error { return e.Err }

// EncodeRequest writes req as one JSON document.
func EncodeRequest(w io.Writer, req *Request) error {
	if req.Protocol != Version {
		return fmt.Errorf("unsupported protocol version: %d", req.Protocol)
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	return nil
}

// DecodeResponse reads a function's stdout. Unknown fields are rejected when
// strict is set. When stdout is not a single JSON document, its last
// non-empty line is tried, so functions may print progress before the
// response.
func DecodeResponse(stdout []byte, strict bool) (*Response, error) {
	doc := bytes.TrimSpace(stdout)
	if len(doc) == 0 {
		return nil, ErrNoOutput
	}
	if !gjson.ValidBytes(doc) {
		if i := bytes.LastIndexByte(doc, '\n'); i >= 0 {
			doc = bytes.TrimSpace(doc[i+1:])
		}
	}

	var resp Response
	dec := json.NewDecoder(bytes.NewReader(doc))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(&resp); err != nil {
		return nil, &MalformedError{Raw: stdout, Err: err}
	}
	if err := resp.check(); err != nil {
		return nil, &MalformedError{Raw: stdout, Err: err}
	}
	return &resp, nil
}

func (r *Response) check() error {
	switch r.Status {
	case StatusOK:
		return nil
	case StatusError:
		if r.Error == "" {
			return errors.New("status=error without an error message")
		}
		return nil
	case "":
		return errors.New("missing required field: status")
	default:
		return fmt.Errorf("invalid status %q (must be %q or %q)", r.Status, StatusOK, StatusError)
	}
}
