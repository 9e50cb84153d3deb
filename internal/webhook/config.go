package webhook

import (
	"context"
	"fmt"

	"github.com/mattjoyce/triggerhost/internal/config"
)

const (
	DefaultMaxBodySize     = 1 << 20
	DefaultSignatureHeader = "X-Signature"
	// MaxHintsPerRequest bounds array bodies.
	MaxHintsPerRequest = 256
)

// Notifier receives verified object hints.
type Notifier interface {
	NotifyCandidate(ctx context.Context, container, name string) (int, error)
}

// Config holds hint server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig is one signed hint endpoint. Zero SignatureHeader and
// MaxBodySize take the package defaults.
type EndpointConfig struct {
	Path            string
	Secret          string
	SignatureHeader string
	MaxBodySize     int64
}

func (ep EndpointConfig) withDefaults() EndpointConfig {
	if ep.MaxBodySize <= 0 {
		ep.MaxBodySize = DefaultMaxBodySize
	}
	if ep.SignatureHeader == "" {
		ep.SignatureHeader = DefaultSignatureHeader
	}
	return ep
}

// HintResponse is the body of an accepted hint request.
type HintResponse struct {
	Hints   int `json:"hints"`
	Invoked int `json:"invoked"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// FromGlobalConfig converts the hints section of the host config.
func FromGlobalConfig(hc *config.HintsConfig) (Config, error) {
	if hc == nil {
		return Config{}, fmt.Errorf("hints config is nil")
	}

	cfg := Config{Listen: hc.Listen}
	seen := make(map[string]bool, len(hc.Endpoints))
	for _, ep := range hc.Endpoints {
		switch {
		case ep.Path == "" || ep.Path[0] != '/':
			return Config{}, fmt.Errorf("hint endpoint %q: path must start with /", ep.Path)
		case ep.Secret == "":
			return Config{}, fmt.Errorf("hint endpoint %q: no secret configured", ep.Path)
		case seen[ep.Path]:
			return Config{}, fmt.Errorf("hint endpoint %q: duplicate path", ep.Path)
		}
		seen[ep.Path] = true
		cfg.Endpoints = append(cfg.Endpoints, EndpointConfig{
			Path:            ep.Path,
			Secret:          ep.Secret,
			SignatureHeader: ep.SignatureHeader,
			MaxBodySize:     ep.MaxBodySize.Or(DefaultMaxBodySize),
		})
	}
	return cfg, nil
}
