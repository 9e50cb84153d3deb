package config

import "time"

// Config represents the complete triggerhost configuration.
type Config struct {
	Include      []string       `yaml:"include,omitempty"`
	Service      ServiceConfig  `yaml:"service"`
	State        StateConfig    `yaml:"state"`
	Storage      StorageConfig  `yaml:"storage"`
	Queues       QueuesConfig   `yaml:"queues"`
	Bus          BusConfig      `yaml:"bus"`
	API          APIConfig      `yaml:"api,omitempty"`
	Hints        *HintsConfig   `yaml:"hints,omitempty"`
	Dispatch     DispatchConfig `yaml:"dispatch"`
	FunctionsDir string         `yaml:"functions_dir"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// PollInterval spaces object listener polls.
	PollInterval time.Duration `yaml:"poll_interval"`
	// PollTimeout bounds each storage call of an object poll. Invocations are
	// not bounded by it. Zero means no bound.
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig describes the object store the object listener watches.
type StorageConfig struct {
	Account  string `yaml:"account"`
	Emulator bool   `yaml:"emulator"`
	// Strategy overrides the account-based choice: full_scan or change_log.
	Strategy        string `yaml:"strategy,omitempty"`
	ChangeBatchSize int    `yaml:"change_batch_size"`
}

// QueuesConfig tunes every queue listener.
type QueuesConfig struct {
	LeaseDuration    time.Duration `yaml:"lease_duration"`
	MinRenewInterval time.Duration `yaml:"min_renew_interval"`
	BatchSize        int           `yaml:"batch_size"`
	MaxDequeueCount  int           `yaml:"max_dequeue_count"`
	MinPollInterval  time.Duration `yaml:"min_poll_interval"`
	MaxPollInterval  time.Duration `yaml:"max_poll_interval"`
	// PoisonSuffix names the poison queue: <queue><suffix>.
	PoisonSuffix string `yaml:"poison_suffix"`
}

// BusConfig connects bus triggers to NATS JetStream.
type BusConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	Stream     string        `yaml:"stream"`
	Consumer   string        `yaml:"consumer"`
	AckWait    time.Duration `yaml:"ack_wait"`
	MaxDeliver int           `yaml:"max_deliver"`
	FetchBatch int           `yaml:"fetch_batch"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
	// MaxObjectSize caps object and message bodies. Defaults to 64MB.
	MaxObjectSize ByteSize `yaml:"max_object_size,omitempty"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is a single bearer token with full access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// HintsConfig defines the candidate-hint surfaces.
type HintsConfig struct {
	Listen    string         `yaml:"listen"`
	Endpoints []HintEndpoint `yaml:"endpoints"`
	// Queue, when set, is polled for {container, name} hint messages.
	Queue string `yaml:"queue,omitempty"`
}

// HintEndpoint defines a single signed hint endpoint.
type HintEndpoint struct {
	Path            string   `yaml:"path"`
	Secret          string   `yaml:"secret"`
	SignatureHeader string   `yaml:"signature_header"`
	MaxBodySize     ByteSize `yaml:"max_body_size"`
}

// DispatchConfig tunes function execution.
type DispatchConfig struct {
	GracePeriod time.Duration `yaml:"grace_period"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:         "triggerhost",
			LogLevel:     "info",
			LogFormat:    "json",
			PollInterval: 10 * time.Second,
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		Storage: StorageConfig{
			ChangeBatchSize: 100,
		},
		Queues: QueuesConfig{
			LeaseDuration:    10 * time.Minute,
			MinRenewInterval: time.Minute,
			BatchSize:        16,
			MaxDequeueCount:  5,
			MinPollInterval:  100 * time.Millisecond,
			MaxPollInterval:  time.Minute,
			PoisonSuffix:     "-poison",
		},
		Bus: BusConfig{
			URL:      "nats://127.0.0.1:4222",
			Stream:   "TRIGGERS",
			Consumer: "triggerhost",
			AckWait:  30 * time.Second,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
		Dispatch: DispatchConfig{
			GracePeriod: 5 * time.Second,
		},
		FunctionsDir: "./functions",
	}
}
