package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/mattjoyce/triggerhost/internal/blobpath"
	"github.com/mattjoyce/triggerhost/internal/queue"
)

var ErrInvalidHint = errors.New("invalid hint")

// ParseHint reads an object reference from a JSON hint. Either
// {"container": "...", "name": "..."} or {"path": "container/name"}.
func ParseHint(body []byte) (container, name string, err error) {
	if !gjson.ValidBytes(body) {
		return "", "", fmt.Errorf("%w: body is not JSON", ErrInvalidHint)
	}

	if p := gjson.GetBytes(body, "path"); p.Exists() {
		if p.Type != gjson.String {
			return "", "", fmt.Errorf("%w: path must be a string", ErrInvalidHint)
		}
		container, name, err = blobpath.Split(p.String())
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", ErrInvalidHint, err)
		}
		return container, name, nil
	}

	c := gjson.GetBytes(body, "container")
	n := gjson.GetBytes(body, "name")
	if c.Type != gjson.String || c.String() == "" {
		return "", "", fmt.Errorf("%w: container is required", ErrInvalidHint)
	}
	if n.Type != gjson.String || n.String() == "" {
		return "", "", fmt.Errorf("%w: name is required", ErrInvalidHint)
	}
	return c.String(), n.String(), nil
}

// HandleHint treats a queue message as an object hint. Malformed hints fail
// so the queue listener can move them to the poison queue.
func (r *Router) HandleHint(ctx context.Context, queueName string, msg *queue.Message) error {
	container, name, err := ParseHint(msg.Body)
	if err != nil {
		return err
	}
	n, err := r.NotifyCandidate(ctx, container, name)
	if err != nil {
		return err
	}
	r.logger.Debug("hint processed", "queue", queueName, "message_id", msg.ID,
		"path", blobpath.Join(container, name), "invocations", n)
	return nil
}
