package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const (
	manifestName      = ".checksums"
	manifestVersion   = 1
	manifestAlgorithm = "blake3"
)

// Manifest pins the content of the config files in one directory.
type Manifest struct {
	Version   int               `yaml:"version"`
	Algorithm string            `yaml:"algorithm,omitempty"`
	LockedAt  string            `yaml:"generated_at"`
	Hashes    map[string]string `yaml:"hashes"`
}

// LockEntry is one file considered by LockDir.
type LockEntry struct {
	Name    string
	Path    string
	Missing bool
	Hash    string
}

// LockReport describes the manifest LockDir produced for a directory.
type LockReport struct {
	Dir          string
	ManifestPath string
	Written      bool
	Entries      []LockEntry
}

// HashFile returns the hex BLAKE3-256 digest of the file at path.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile fails when the file's digest differs from want.
func VerifyFile(path, want string) error {
	got, err := HashFile(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s", filepath.Base(path), want, got)
	}
	return nil
}

// LockDir hashes names inside dir and writes the manifest unless dryRun.
// Names that do not exist are reported as missing and left out.
func LockDir(dir string, names []string, dryRun bool) (*LockReport, error) {
	report := &LockReport{Dir: dir, ManifestPath: filepath.Join(dir, manifestName)}
	m := Manifest{
		Version:   manifestVersion,
		Algorithm: manifestAlgorithm,
		LockedAt:  time.Now().UTC().Format(time.RFC3339),
		Hashes:    map[string]string{},
	}

	for _, name := range names {
		entry := LockEntry{Name: name, Path: filepath.Join(dir, name)}
		sum, err := HashFile(entry.Path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			entry.Missing = true
		case err != nil:
			return nil, err
		default:
			entry.Hash = sum
			m.Hashes[name] = sum
		}
		report.Entries = append(report.Entries, entry)
	}

	if dryRun {
		return report, nil
	}
	out, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(report.ManifestPath, out, 0o600); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}
	report.Written = true
	return report, nil
}

// Lock writes a manifest into every directory of configPath's include tree.
func Lock(configPath string, dryRun bool) ([]*LockReport, error) {
	files, err := DiscoverAllConfigFiles(configPath)
	if err != nil {
		return nil, err
	}

	var (
		order []string
		names = map[string][]string{}
	)
	for _, f := range files {
		dir := filepath.Dir(f)
		if _, seen := names[dir]; !seen {
			order = append(order, dir)
		}
		names[dir] = append(names[dir], filepath.Base(f))
	}

	reports := make([]*LockReport, 0, len(order))
	for _, dir := range order {
		r, err := LockDir(dir, names[dir], dryRun)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// ReadManifest loads the manifest from dir.
func ReadManifest(dir string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checksums file not found (run 'triggerhost config lock')")
	}
	if err != nil {
		return nil, fmt.Errorf("read checksums: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse checksums: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported checksums version: %d", m.Version)
	}
	if m.Algorithm != "" && m.Algorithm != manifestAlgorithm {
		return nil, fmt.Errorf("unsupported checksums algorithm: %s", m.Algorithm)
	}
	return &m, nil
}
