package function

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/triggerhost/internal/trigger"
)

const (
	SupportedProtocol = 1
	ManifestFilename  = "function.yaml"
	DefaultTimeout    = 5 * time.Minute
)

// Duration decodes "30s"-style YAML scalars.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(n.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", n.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// TriggerSpec names the single source that triggers a function.
//
//	trigger: {object: images/{name}.png}
//	trigger: {queue: orders}
//	trigger: {bus: events.created}
type TriggerSpec struct {
	Object string `yaml:"object,omitempty"`
	Queue  string `yaml:"queue,omitempty"`
	Bus    string `yaml:"bus,omitempty"`
}

// Kind returns the trigger kind, or an error unless exactly one source is set.
func (s TriggerSpec) Kind() (trigger.Kind, error) {
	var kinds []trigger.Kind
	if strings.TrimSpace(s.Object) != "" {
		kinds = append(kinds, trigger.KindObject)
	}
	if strings.TrimSpace(s.Queue) != "" {
		kinds = append(kinds, trigger.KindQueue)
	}
	if strings.TrimSpace(s.Bus) != "" {
		kinds = append(kinds, trigger.KindBus)
	}
	switch len(kinds) {
	case 0:
		return "", fmt.Errorf("trigger must set one of object, queue or bus")
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("trigger sets %d sources, want exactly one", len(kinds))
	}
}

// Manifest is the function.yaml file.
type Manifest struct {
	Name        string      `yaml:"name"`
	Protocol    int         `yaml:"protocol"`
	Entrypoint  string      `yaml:"entrypoint"`
	Description string      `yaml:"description,omitempty"`
	Timeout     Duration    `yaml:"timeout,omitempty"`
	Trigger     TriggerSpec `yaml:"trigger"`
	Outputs     []string    `yaml:"outputs,omitempty"`
}

// Function is a discovered, validated function.
type Function struct {
	Name        string
	Path        string // absolute function directory
	Entrypoint  string // absolute entrypoint path
	Protocol    int
	Description string
	Timeout     time.Duration
	Trigger     TriggerSpec
	Outputs     []string
}

// Descriptor builds the trigger descriptor the router registers.
func (f *Function) Descriptor() (*trigger.Descriptor, error) {
	kind, err := f.Trigger.Kind()
	if err != nil {
		return nil, fmt.Errorf("function %q: %w", f.Name, err)
	}
	switch kind {
	case trigger.KindObject:
		d, err := trigger.NewObject(f.Name, f.Trigger.Object, f.Outputs...)
		if err != nil {
			return nil, fmt.Errorf("function %q: %w", f.Name, err)
		}
		return d, nil
	case trigger.KindQueue:
		return trigger.NewQueue(f.Name, f.Trigger.Queue), nil
	default:
		return trigger.NewBus(f.Name, f.Trigger.Bus), nil
	}
}

func validateManifest(m *Manifest) error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if m.Protocol == 0 {
		return fmt.Errorf("protocol version is required")
	}
	if m.Entrypoint == "" {
		return fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if m.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}

	kind, err := m.Trigger.Kind()
	if err != nil {
		return err
	}
	if kind != trigger.KindObject && len(m.Outputs) > 0 {
		return fmt.Errorf("outputs are only valid for object triggers")
	}
	return nil
}
