// Package function discovers function.yaml manifests and turns them into
// trigger descriptors.
package function

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/triggerhost/internal/trigger"
)

// Registry holds discovered functions indexed by name.
type Registry struct {
	functions map[string]*Function
}

func NewRegistry() *Registry {
	return &Registry{functions: make(map[string]*Function)}
}

func (r *Registry) Get(name string) (*Function, bool) {
	f, ok := r.functions[name]
	return f, ok
}

// All returns every function sorted by name.
func (r *Registry) All() []*Function {
	out := make([]*Function, 0, len(r.functions))
	for _, f := range r.functions {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int { return len(r.functions) }

func (r *Registry) Add(f *Function) error {
	if _, exists := r.functions[f.Name]; exists {
		return fmt.Errorf("function %q already registered", f.Name)
	}
	r.functions[f.Name] = f
	return nil
}

// Descriptors builds a descriptor per function. Functions whose trigger cannot
// be built are reported in errs and left out.
func (r *Registry) Descriptors() (descs []*trigger.Descriptor, errs []error) {
	for _, f := range r.All() {
		d, err := f.Descriptor()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("function %q: %w", f.Name, err))
			continue
		}
		descs = append(descs, d)
	}
	return descs, errs
}

// Discover scans functionsDir for function.yaml files. Invalid functions are
// logged and skipped; duplicate names keep the first one found.
func Discover(functionsDir string, logger func(level, msg string, args ...any)) (*Registry, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	root := strings.TrimSpace(functionsDir)
	if root == "" {
		return nil, fmt.Errorf("functions directory is required")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve functions directory %q: %w", functionsDir, err)
	}
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("functions directory does not exist: %s", root)
		}
		return nil, fmt.Errorf("stat functions directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("functions directory is not a directory: %s", root)
	}

	registry := NewRegistry()
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != ManifestFilename {
			return nil
		}

		fnPath := filepath.Dir(path)
		fn, err := load(fnPath, root)
		if err != nil {
			logger("warn", "failed to load function", "path", fnPath, "error", err.Error())
			return nil
		}
		if err := registry.Add(fn); err != nil {
			existing, _ := registry.Get(fn.Name)
			logger("warn", "duplicate function ignored (keeping first discovered)",
				"function", fn.Name, "ignored_path", fn.Path, "kept_path", existing.Path)
			return nil
		}

		kind, _ := fn.Trigger.Kind()
		logger("info", "loaded function", "function", fn.Name, "path", fn.Path, "trigger", string(kind))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan functions directory %s: %w", root, err)
	}
	return registry, nil
}

func load(fnPath, root string) (*Function, error) {
	data, err := os.ReadFile(filepath.Join(fnPath, ManifestFilename))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest YAML: %w", err)
	}
	if err := validateManifest(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if m.Protocol != SupportedProtocol {
		return nil, fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, SupportedProtocol)
	}

	entrypoint := filepath.Join(fnPath, m.Entrypoint)
	if err := validateTrust(entrypoint, fnPath, root); err != nil {
		return nil, fmt.Errorf("trust validation failed: %w", err)
	}

	timeout := time.Duration(m.Timeout)
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Function{
		Name:        strings.TrimSpace(m.Name),
		Path:        fnPath,
		Entrypoint:  entrypoint,
		Protocol:    m.Protocol,
		Description: m.Description,
		Timeout:     timeout,
		Trigger:     m.Trigger,
		Outputs:     m.Outputs,
	}, nil
}

// validateTrust requires the entrypoint to resolve inside both the functions
// root and the function's own directory, to be executable, and the directory
// not to be world-writable.
func validateTrust(entrypoint, fnPath, root string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypoint)
	if err != nil {
		return fmt.Errorf("resolve entrypoint: %w", err)
	}
	resolvedFn, err := filepath.EvalSymlinks(fnPath)
	if err != nil {
		return fmt.Errorf("resolve function directory: %w", err)
	}
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return fmt.Errorf("resolve functions directory: %w", err)
	}

	sep := string(os.PathSeparator)
	if !strings.HasPrefix(resolvedEntrypoint, resolvedRoot+sep) {
		return fmt.Errorf("entrypoint %s is outside the functions directory", resolvedEntrypoint)
	}
	if !strings.HasPrefix(resolvedEntrypoint, resolvedFn+sep) {
		return fmt.Errorf("entrypoint %s is not under function directory %s", resolvedEntrypoint, resolvedFn)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	dirInfo, err := os.Stat(resolvedFn)
	if err != nil {
		return fmt.Errorf("function directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("function directory is world-writable: %s", resolvedFn)
	}
	return nil
}
