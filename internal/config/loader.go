package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads a config file, merges its include tree, applies defaults,
// verifies checksums when a .checksums manifest exists and validates the
// result. A directory argument means <dir>/config.yaml.
func Load(configPath string) (*Config, error) {
	tree, err := readTree(configPath)
	if err != nil {
		return nil, err
	}

	merged := &Config{}
	for _, layer := range tree {
		deepMergeConfig(merged, layer.cfg)
	}
	merged.Include = tree[0].cfg.Include
	cfg := applyConfigDefaults(merged)

	if err := verifyAllConfigHashes(tree.paths()); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverAllConfigFiles returns absolute paths to every file in the include
// tree, root first then sorted.
func DiscoverAllConfigFiles(configPath string) ([]string, error) {
	tree, err := readTree(configPath)
	if err != nil {
		return nil, err
	}
	paths := tree.paths()
	sort.Strings(paths[1:])
	return paths, nil
}

// searchPath lists config locations in discovery order. Directory entries
// must contain config.yaml.
func searchPath() []string {
	var out []string
	if p := os.Getenv("TRIGGERHOST_CONFIG"); p != "" {
		out = append(out, p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".config", "triggerhost"))
	}
	return append(out, "/etc/triggerhost", "./config.yaml")
}

// DiscoverConfigPath returns the first existing entry of $TRIGGERHOST_CONFIG,
// ~/.config/triggerhost, /etc/triggerhost and ./config.yaml.
func DiscoverConfigPath() (string, error) {
	for _, candidate := range searchPath() {
		if _, err := resolveRoot(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $TRIGGERHOST_CONFIG, ~/.config/triggerhost, /etc/triggerhost, ./config.yaml)")
}

func resolveRoot(configPath string) (string, error) {
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", abs)
	}
	if !info.IsDir() {
		return abs, nil
	}
	abs = filepath.Join(abs, "config.yaml")
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("directory provided but config.yaml not found: %s", abs)
	}
	return abs, nil
}

// layer is one parsed file of the include tree.
type layer struct {
	path string
	cfg  *Config
}

type configTree []layer

func (t configTree) paths() []string {
	out := make([]string, len(t))
	for i, l := range t {
		out[i] = l.path
	}
	return out
}

// readTree parses the root config and its includes depth first, in merge
// order. A file reached twice through different branches is read once; a
// file that includes one of its own ancestors is an error.
func readTree(configPath string) (configTree, error) {
	root, err := resolveRoot(configPath)
	if err != nil {
		return nil, err
	}
	w := &treeWalker{seen: map[string]bool{}, open: map[string]bool{}}
	if err := w.visit(root, ""); err != nil {
		return nil, err
	}
	return w.tree, nil
}

type treeWalker struct {
	tree configTree
	seen map[string]bool
	open map[string]bool
}

func (w *treeWalker) visit(path, ref string) error {
	if w.open[path] {
		return fmt.Errorf("%s: circular dependency detected: %s", ref, path)
	}
	if w.seen[path] {
		return nil
	}
	w.seen[path] = true
	w.open[path] = true
	defer delete(w.open, path)

	cfg, err := loadConfigFile(path)
	if err != nil {
		if ref != "" {
			return fmt.Errorf("%s: %w", ref, err)
		}
		return err
	}
	w.tree = append(w.tree, layer{path: path, cfg: cfg})

	base := filepath.Dir(path)
	for i, inc := range cfg.Include {
		child, err := resolveInclude(inc, base)
		if err != nil {
			return fmt.Errorf("include[%d]: %w", i, err)
		}
		if err := w.visit(child, fmt.Sprintf("include[%d] (%s)", i, inc)); err != nil {
			return err
		}
	}
	return nil
}

func resolveInclude(includePath, baseDir string) (string, error) {
	p := interpolateEnv(includePath)
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", p, err)
	}
	if _, err := os.Stat(abs); err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file not found: %s\n"+
				"Referenced from: %s\n"+
				"Hint: Check the path is correct and the file exists", abs, baseDir)
		}
		return "", fmt.Errorf("failed to access file %s: %w", abs, err)
	}
	return abs, nil
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return &cfg, nil
}

// deepMergeConfig merges src into dst; non-zero values in src win.
func deepMergeConfig(dst, src *Config) {
	mergeString(&dst.Service.Name, src.Service.Name)
	mergeString(&dst.Service.LogLevel, src.Service.LogLevel)
	mergeString(&dst.Service.LogFormat, src.Service.LogFormat)
	mergeDuration(&dst.Service.PollInterval, src.Service.PollInterval)
	mergeDuration(&dst.Service.PollTimeout, src.Service.PollTimeout)

	mergeString(&dst.State.Path, src.State.Path)

	mergeString(&dst.Storage.Account, src.Storage.Account)
	mergeString(&dst.Storage.Strategy, src.Storage.Strategy)
	if src.Storage.Emulator {
		dst.Storage.Emulator = true
	}
	mergeInt(&dst.Storage.ChangeBatchSize, src.Storage.ChangeBatchSize)

	mergeDuration(&dst.Queues.LeaseDuration, src.Queues.LeaseDuration)
	mergeDuration(&dst.Queues.MinRenewInterval, src.Queues.MinRenewInterval)
	mergeInt(&dst.Queues.BatchSize, src.Queues.BatchSize)
	mergeInt(&dst.Queues.MaxDequeueCount, src.Queues.MaxDequeueCount)
	mergeDuration(&dst.Queues.MinPollInterval, src.Queues.MinPollInterval)
	mergeDuration(&dst.Queues.MaxPollInterval, src.Queues.MaxPollInterval)
	mergeString(&dst.Queues.PoisonSuffix, src.Queues.PoisonSuffix)

	if src.Bus.Enabled {
		dst.Bus.Enabled = true
	}
	mergeString(&dst.Bus.URL, src.Bus.URL)
	mergeString(&dst.Bus.Stream, src.Bus.Stream)
	mergeString(&dst.Bus.Consumer, src.Bus.Consumer)
	mergeDuration(&dst.Bus.AckWait, src.Bus.AckWait)
	mergeInt(&dst.Bus.MaxDeliver, src.Bus.MaxDeliver)
	mergeInt(&dst.Bus.FetchBatch, src.Bus.FetchBatch)

	if src.API.Enabled {
		dst.API.Enabled = true
	}
	mergeString(&dst.API.Listen, src.API.Listen)
	if src.API.MaxObjectSize > 0 {
		dst.API.MaxObjectSize = src.API.MaxObjectSize
	}
	mergeString(&dst.API.Auth.APIKey, src.API.Auth.APIKey)
	dst.API.Auth.Tokens = append(dst.API.Auth.Tokens, src.API.Auth.Tokens...)

	if src.Hints != nil {
		if dst.Hints == nil {
			dst.Hints = &HintsConfig{}
		}
		mergeString(&dst.Hints.Listen, src.Hints.Listen)
		mergeString(&dst.Hints.Queue, src.Hints.Queue)
		dst.Hints.Endpoints = append(dst.Hints.Endpoints, src.Hints.Endpoints...)
	}

	mergeDuration(&dst.Dispatch.GracePeriod, src.Dispatch.GracePeriod)
	mergeString(&dst.FunctionsDir, src.FunctionsDir)
}

func mergeString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func mergeInt(dst *int, src int) {
	if src != 0 {
		*dst = src
	}
}

func mergeDuration(dst *time.Duration, src time.Duration) {
	if src != 0 {
		*dst = src
	}
}

func verifyAllConfigHashes(paths []string) error {
	dirToFiles := make(map[string][]string)
	for _, path := range paths {
		dir := filepath.Dir(path)
		dirToFiles[dir] = append(dirToFiles[dir], path)
	}

	for dir, files := range dirToFiles {
		checksums, err := ReadManifest(dir)
		if err != nil {
			// No manifest in this directory: nothing to verify.
			continue
		}
		for _, path := range files {
			basename := filepath.Base(path)
			expectedHash, ok := checksums.Hashes[basename]
			if !ok {
				return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
					"Run: triggerhost config lock --config %s", basename, dir, dir)
			}
			if err := VerifyFile(path, expectedHash); err != nil {
				return fmt.Errorf("config verification failed for %s: %w\n"+
					"If you edited this file intentionally, run: triggerhost config lock --config %s", path, err, dir)
			}
		}
	}
	return nil
}

// applyConfigDefaults fills every unset field from Defaults.
func applyConfigDefaults(cfg *Config) *Config {
	merged := Defaults()
	deepMergeConfig(merged, cfg)
	merged.Include = cfg.Include
	return merged
}

// interpolateEnv replaces ${VAR} with environment variable values. Undefined
// variables are left in place and fail validation where they matter.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

func unresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}
	if cfg.Service.PollInterval <= 0 {
		return fmt.Errorf("service.poll_interval must be positive")
	}
	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.FunctionsDir == "" {
		return fmt.Errorf("functions_dir is required")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Strategy)) {
	case "", "auto", "full_scan", "full", "scan", "change_log", "changelog", "log":
	default:
		return fmt.Errorf("storage.strategy must be full_scan, change_log or auto (got %q)", cfg.Storage.Strategy)
	}

	q := cfg.Queues
	if q.LeaseDuration <= 0 {
		return fmt.Errorf("queues.lease_duration must be positive")
	}
	if q.MinRenewInterval <= 0 || q.MinRenewInterval > q.LeaseDuration {
		return fmt.Errorf("queues.min_renew_interval must be positive and no longer than lease_duration")
	}
	if q.BatchSize <= 0 || q.BatchSize > 32 {
		return fmt.Errorf("queues.batch_size must be between 1 and 32 (got %d)", q.BatchSize)
	}
	if q.MaxDequeueCount < 0 {
		return fmt.Errorf("queues.max_dequeue_count must not be negative")
	}
	if q.MaxPollInterval < q.MinPollInterval {
		return fmt.Errorf("queues.max_poll_interval must be at least min_poll_interval")
	}

	if cfg.Bus.Enabled {
		if err := unresolved("bus.url", cfg.Bus.URL); err != nil {
			return err
		}
		if cfg.Bus.Stream == "" || cfg.Bus.Consumer == "" {
			return fmt.Errorf("bus.stream and bus.consumer are required when the bus is enabled")
		}
	}

	if cfg.API.Enabled {
		if err := unresolved("api.auth.api_key", cfg.API.Auth.APIKey); err != nil {
			return err
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d].token is required", i)
			}
			if err := unresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
				return err
			}
			if len(tok.Scopes) == 0 {
				return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
			}
		}
	}

	if cfg.Hints != nil {
		seen := make(map[string]bool)
		for i, ep := range cfg.Hints.Endpoints {
			if !strings.HasPrefix(ep.Path, "/") {
				return fmt.Errorf("hints.endpoints[%d].path must start with /", i)
			}
			if seen[ep.Path] {
				return fmt.Errorf("hints.endpoints[%d]: duplicate path %s", i, ep.Path)
			}
			seen[ep.Path] = true
			if ep.Secret == "" {
				return fmt.Errorf("hints.endpoints[%d].secret is required", i)
			}
			if err := unresolved(fmt.Sprintf("hints.endpoints[%d].secret", i), ep.Secret); err != nil {
				return err
			}
		}
		if len(cfg.Hints.Endpoints) > 0 && cfg.Hints.Listen == "" {
			return fmt.Errorf("hints.listen is required when hint endpoints are configured")
		}
	}
	return nil
}
