package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mattjoyce/triggerhost/internal/api"
)

func captureOutputWithExitCode(t *testing.T, run func() int) (int, string, string) {
	t.Helper()

	oldStdout := os.Stdout
	oldStderr := os.Stderr

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stdout failed: %v", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe stderr failed: %v", err)
	}

	os.Stdout = stdoutW
	os.Stderr = stderrW

	code := run()

	_ = stdoutW.Close()
	_ = stderrW.Close()
	os.Stdout = oldStdout
	os.Stderr = oldStderr

	stdoutBytes, _ := io.ReadAll(stdoutR)
	stderrBytes, _ := io.ReadAll(stderrR)

	_ = stdoutR.Close()
	_ = stderrR.Close()

	return code, string(stdoutBytes), string(stderrBytes)
}

func runCLIForTest(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	return captureOutputWithExitCode(t, func() int { return runCLI(args) })
}

func setVersionMetadataForTest(t *testing.T, v, commit, built string) {
	t.Helper()

	origVersion := version
	origCommit := gitCommit
	origBuildDate := buildDate

	version = v
	gitCommit = commit
	buildDate = built

	t.Cleanup(func() {
		version = origVersion
		gitCommit = origCommit
		buildDate = origBuildDate
	})
}

// writeConfigFixture writes a config file and one object-triggered function.
func writeConfigFixture(t *testing.T, dir, logLevel string) string {
	t.Helper()

	fnDir := filepath.Join(dir, "functions", "thumb")
	if err := os.MkdirAll(fnDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	manifest := "name: thumbnail\nprotocol: 1\nentrypoint: run.sh\ntrigger:\n  object: images/{name}.png\noutputs:\n  - thumbs/{name}.png\n"
	if err := os.WriteFile(filepath.Join(fnDir, "function.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(fnDir, "run.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("write entrypoint: %v", err)
	}

	cfg := "service:\n  log_level: " + logLevel + "\nstate:\n  path: " + filepath.Join(dir, "state.db") +
		"\nfunctions_dir: " + filepath.Join(dir, "functions") + "\n"
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRunCLIUnknownCommand(t *testing.T) {
	code, stdout, stderr := runCLIForTest(t, "frobnicate")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown command: frobnicate") {
		t.Errorf("stderr = %q", stderr)
	}
	if !strings.Contains(stdout, "Usage:") {
		t.Errorf("usage not printed: %q", stdout)
	}
}

func TestRunCLINoArgs(t *testing.T) {
	code, stdout, _ := runCLIForTest(t)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "triggerhost <command>") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestRunCLIStartHelp(t *testing.T) {
	code, stdout, _ := runCLIForTest(t, "start", "--help")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout, "SIGHUP") {
		t.Errorf("start help missing reload note: %q", stdout)
	}
}

func TestRunCLIRootVersionFlag(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "unknown", "unknown")

	code, stdout, _ := runCLIForTest(t, "--version")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout, "triggerhost 1.2.3") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestRunVersionJSONOutputIncludesMetadata(t *testing.T) {
	setVersionMetadataForTest(t, "1.2.3", "0123456789abcdef", "2026-01-02T03:04:05+10:00")

	code, stdout, _ := runCLIForTest(t, "version", "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	var info versionInfo
	if err := json.Unmarshal([]byte(stdout), &info); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if info.Version != "1.2.3" {
		t.Errorf("Version = %q", info.Version)
	}
	if info.Commit != "0123456789ab" {
		t.Errorf("Commit = %q, want shortened commit", info.Commit)
	}
	if info.BuildTime != "2026-01-01T17:04:05Z" {
		t.Errorf("BuildTime = %q, want UTC", info.BuildTime)
	}
}

func TestRunConfigNounUnknownAction(t *testing.T) {
	code, _, stderr := runCLIForTest(t, "config", "explode")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Unknown config action: explode") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunConfigCheckValid(t *testing.T) {
	path := writeConfigFixture(t, t.TempDir(), "info")

	code, stdout, stderr := runCLIForTest(t, "config", "check", "--config", path)
	if code != 0 {
		t.Fatalf("exit code = %d, stdout=%q stderr=%q", code, stdout, stderr)
	}
	if !strings.Contains(stdout, "Configuration valid") {
		t.Errorf("stdout = %q", stdout)
	}
	if !strings.Contains(stdout, "Functions: 1") || !strings.Contains(stdout, "thumbnail") {
		t.Errorf("trigger summary missing: %q", stdout)
	}
}

func TestRunConfigCheckInvalidJSON(t *testing.T) {
	path := writeConfigFixture(t, t.TempDir(), "loud")

	code, stdout, _ := runCLIForTest(t, "config", "check", "--config", path, "--json")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	var result configCheckResult
	if err := json.Unmarshal([]byte(stdout), &result); err != nil {
		t.Fatalf("invalid JSON %q: %v", stdout, err)
	}
	if result.Valid {
		t.Error("Valid = true for bad log level")
	}
	if len(result.Errors) == 0 || !strings.Contains(result.Errors[0], "log_level") {
		t.Errorf("Errors = %v", result.Errors)
	}
}

func TestRunConfigLockDryRunThenWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFixture(t, dir, "info")
	checksums := filepath.Join(dir, ".checksums")

	code, stdout, _ := runCLIForTest(t, "config", "lock", "--config", path, "--dry-run")
	if code != 0 {
		t.Fatalf("dry run exit code = %d", code)
	}
	if !strings.Contains(stdout, "HASH   config.yaml") || !strings.Contains(stdout, "Dry run") {
		t.Errorf("dry run output = %q", stdout)
	}
	if _, err := os.Stat(checksums); !os.IsNotExist(err) {
		t.Fatalf("dry run wrote checksums: %v", err)
	}

	code, stdout, _ = runCLIForTest(t, "config", "lock", "--config", path)
	if code != 0 {
		t.Fatalf("lock exit code = %d", code)
	}
	if !strings.Contains(stdout, "Locked") {
		t.Errorf("lock output = %q", stdout)
	}
	if _, err := os.Stat(checksums); err != nil {
		t.Fatalf("checksums not written: %v", err)
	}

	// A locked config that changes afterwards no longer loads.
	if err := os.WriteFile(path, []byte("service:\n  log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	code, _, _ = runCLIForTest(t, "config", "check", "--config", path)
	if code != 1 {
		t.Errorf("check after tamper exit code = %d, want 1", code)
	}
}

func TestSplitFlagsAndPositionals(t *testing.T) {
	flags, positionals := splitFlagsAndPositionals(
		[]string{"orders", "msg.json", "--delay", "5s", "--url=http://x", "-"},
		clientValueFlags,
	)
	if strings.Join(flags, " ") != "--delay 5s --url=http://x" {
		t.Errorf("flags = %v", flags)
	}
	if strings.Join(positionals, " ") != "orders msg.json -" {
		t.Errorf("positionals = %v", positionals)
	}
}

func TestRunPutSendsObject(t *testing.T) {
	var gotMethod, gotPath, gotAuth, gotType, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.ObjectResponse{Container: "images", Name: "a/b.png", ETag: "e1"})
	}))
	defer srv.Close()

	file := filepath.Join(t.TempDir(), "b.png")
	if err := os.WriteFile(file, []byte("pixels"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	code, stdout, stderr := runCLIForTest(t, "put", "images/a/b.png", file, "--url", srv.URL, "--token", "secret")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%q", code, stderr)
	}
	if gotMethod != http.MethodPut || gotPath != "/objects/images/a/b.png" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotType != "image/png" {
		t.Errorf("Content-Type = %q", gotType)
	}
	if gotBody != "pixels" {
		t.Errorf("body = %q", gotBody)
	}
	if !strings.Contains(stdout, `"etag": "e1"`) {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestRunPutRejectsBadPath(t *testing.T) {
	code, _, stderr := runCLIForTest(t, "put", "no-slash", "file")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "Invalid object path") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunEnqueueWithDelay(t *testing.T) {
	var gotPath, gotDelay string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDelay = r.URL.Query().Get("delay")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(api.EnqueueResponse{Queue: "orders", MessageID: "m1"})
	}))
	defer srv.Close()

	file := filepath.Join(t.TempDir(), "msg.json")
	if err := os.WriteFile(file, []byte(`{"id":1}`), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	code, stdout, stderr := runCLIForTest(t, "enqueue", "orders", file, "--delay", "30s", "--url", srv.URL)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%q", code, stderr)
	}
	if gotPath != "/queues/orders/messages" || gotDelay != "30s" {
		t.Errorf("path = %q delay = %q", gotPath, gotDelay)
	}
	if !strings.Contains(stdout, `"message_id": "m1"`) {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestRunNotifyReportsInvoked(t *testing.T) {
	var req api.NotifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&req)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(api.NotifyResponse{Path: req.Container + "/" + req.Name, Invoked: 2})
	}))
	defer srv.Close()

	code, stdout, _ := runCLIForTest(t, "notify", "images/cat.png", "--url", srv.URL)
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if req.Container != "images" || req.Name != "cat.png" {
		t.Errorf("request = %+v", req)
	}
	if !strings.Contains(stdout, "images/cat.png: 2 trigger(s) invoked") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestRunTriggersHumanOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]api.TriggerResponse{
			{Function: "thumbnail", Kind: "object", Input: "images/{name}.png", Outputs: []string{"thumbs/{name}.png"}},
			{Function: "orders", Kind: "queue", Source: "orders"},
		})
	}))
	defer srv.Close()

	code, stdout, _ := runCLIForTest(t, "triggers", "--url", srv.URL)
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stdout, "images/{name}.png -> thumbs/{name}.png") {
		t.Errorf("object trigger line missing: %q", stdout)
	}
	if !strings.Contains(stdout, "orders") || !strings.Contains(stdout, "queue") {
		t.Errorf("queue trigger line missing: %q", stdout)
	}
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "busy"})
			return
		}
		_ = json.NewEncoder(w).Encode([]api.TriggerResponse{})
	}))
	defer srv.Close()

	code, stdout, stderr := runCLIForTest(t, "triggers", "--url", srv.URL, "--retries", "3")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%q", code, stderr)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
	if !strings.Contains(stdout, "No triggers registered") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "unauthorized"})
	}))
	defer srv.Close()

	code, _, stderr := runCLIForTest(t, "invocations", "--url", srv.URL, "--retries", "5")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
	if !strings.Contains(stderr, "HTTP 401: unauthorized") || !strings.Contains(stderr, "TRIGGERHOST_TOKEN") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRunWatchRequiresToken(t *testing.T) {
	t.Setenv("TRIGGERHOST_TOKEN", "")
	code, _, stderr := runCLIForTest(t, "watch")
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, "token required") {
		t.Errorf("stderr = %q", stderr)
	}
}
