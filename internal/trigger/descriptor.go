// Package trigger defines trigger descriptors and the freshness rule that
// decides whether an object trigger fires.
package trigger

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/triggerhost/internal/blobpath"
)

// Kind tags the variant held by a Descriptor.
type Kind string

const (
	KindObject Kind = "object"
	KindQueue  Kind = "queue"
	KindBus    Kind = "bus"
)

// ParseKind accepts the names used in function manifests.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindObject, "blob":
		return KindObject, nil
	case KindQueue:
		return KindQueue, nil
	case KindBus, "topic":
		return KindBus, nil
	default:
		return "", fmt.Errorf("unknown trigger kind %q", s)
	}
}

// Descriptor binds a function to the source that triggers it. Exactly one of
// Input (KindObject) or Source (KindQueue, KindBus) is set.
type Descriptor struct {
	Kind     Kind
	Function string

	Input   *blobpath.Pattern
	Outputs []*blobpath.Pattern

	Source string
}

// NewObject builds an object trigger from raw templates.
func NewObject(function, input string, outputs ...string) (*Descriptor, error) {
	in, err := blobpath.Parse(input)
	if err != nil {
		return nil, err
	}
	d := &Descriptor{Kind: KindObject, Function: function, Input: in}
	for _, o := range outputs {
		p, err := blobpath.Parse(o)
		if err != nil {
			return nil, err
		}
		d.Outputs = append(d.Outputs, p)
	}
	return d, nil
}

// NewQueue builds a queue trigger.
func NewQueue(function, queue string) *Descriptor {
	return &Descriptor{Kind: KindQueue, Function: function, Source: queue}
}

// NewBus builds a bus trigger for a subject.
func NewBus(function, subject string) *Descriptor {
	return &Descriptor{Kind: KindBus, Function: function, Source: subject}
}

// Validate checks the variant is well formed and that every output capture is
// provided by the input pattern.
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.Function) == "" {
		return fmt.Errorf("trigger has no function name")
	}

	switch d.Kind {
	case KindObject:
		if d.Input == nil {
			return fmt.Errorf("object trigger for %q has no input pattern", d.Function)
		}
		if d.Source != "" {
			return fmt.Errorf("object trigger for %q must not set a queue or subject", d.Function)
		}
		for _, out := range d.Outputs {
			if out == nil {
				return fmt.Errorf("object trigger for %q has a nil output pattern", d.Function)
			}
			for _, name := range out.Params() {
				if !d.Input.HasParam(name) {
					return fmt.Errorf("output %q of %q uses capture {%s} not present in input %q",
						out, d.Function, name, d.Input)
				}
			}
		}
	case KindQueue, KindBus:
		if strings.TrimSpace(d.Source) == "" {
			return fmt.Errorf("%s trigger for %q has no source name", d.Kind, d.Function)
		}
		if d.Input != nil || len(d.Outputs) > 0 {
			return fmt.Errorf("%s trigger for %q must not declare path patterns", d.Kind, d.Function)
		}
		if d.Kind == KindBus {
			if err := validateSubject(d.Source); err != nil {
				return fmt.Errorf("bus trigger for %q: %w", d.Function, err)
			}
		}
	default:
		return fmt.Errorf("trigger for %q has unknown kind %q", d.Function, d.Kind)
	}
	return nil
}

// BindOutputs resolves every output pattern with captures from the input.
func (d *Descriptor) BindOutputs(c blobpath.Captures) ([]string, error) {
	if len(d.Outputs) == 0 {
		return nil, nil
	}
	paths := make([]string, 0, len(d.Outputs))
	for _, out := range d.Outputs {
		p, err := out.Bind(c)
		if err != nil {
			return nil, fmt.Errorf("bind output %q: %w", out, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

func (d *Descriptor) String() string {
	switch d.Kind {
	case KindObject:
		if d.Input != nil {
			return fmt.Sprintf("%s(object:%s)", d.Function, d.Input)
		}
	case KindQueue, KindBus:
		return fmt.Sprintf("%s(%s:%s)", d.Function, d.Kind, d.Source)
	}
	return d.Function
}
