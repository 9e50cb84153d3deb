package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/triggerhost/internal/api"
	"github.com/mattjoyce/triggerhost/internal/blobpath"
	"github.com/mattjoyce/triggerhost/internal/tui/watch"
)

const defaultAPIURL = "http://127.0.0.1:8080"

// apiClient talks to a running host. Transport failures and 5xx replies are
// retried with backoff; 4xx replies are returned immediately.
type apiClient struct {
	baseURL  string
	token    string
	http     *http.Client
	attempts uint
}

type statusError struct {
	Status  int
	Message string
}

func (e *statusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, error) {
	var out []byte
	err := retry.Do(
		func() error {
			var reader io.Reader
			if body != nil {
				reader = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
			if err != nil {
				return &requestError{err}
			}
			if c.token != "" {
				req.Header.Set("Authorization", "Bearer "+c.token)
			}
			if contentType != "" {
				req.Header.Set("Content-Type", contentType)
			}

			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode >= 300 {
				var e api.ErrorResponse
				_ = json.Unmarshal(data, &e)
				return &statusError{Status: resp.StatusCode, Message: e.Error}
			}
			out = data
			return nil
		},
		retry.Attempts(c.attempts),
		retry.Delay(200*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.Context(ctx),
	)
	return out, err
}

type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var rerr *requestError
	if errors.As(err, &rerr) {
		return false
	}
	var serr *statusError
	if errors.As(err, &serr) {
		return serr.Status >= http.StatusInternalServerError
	}
	return true
}

// clientFlags registers the connection flags shared by every client command.
func clientFlags(fs *flag.FlagSet) func() *apiClient {
	defURL := os.Getenv("TRIGGERHOST_URL")
	if defURL == "" {
		defURL = defaultAPIURL
	}
	apiURL := fs.String("url", defURL, "API base URL (or TRIGGERHOST_URL)")
	token := fs.String("token", os.Getenv("TRIGGERHOST_TOKEN"), "Bearer token (or TRIGGERHOST_TOKEN)")
	retries := fs.Uint("retries", 3, "Attempts for transport failures and 5xx replies")
	return func() *apiClient {
		attempts := *retries
		if attempts == 0 {
			attempts = 1
		}
		return &apiClient{
			baseURL:  strings.TrimRight(*apiURL, "/"),
			token:    *token,
			http:     &http.Client{Timeout: 30 * time.Second},
			attempts: attempts,
		}
	}
}

// splitFlagsAndPositionals lets flags follow positionals. valueFlags names
// flags that consume the next argument.
func splitFlagsAndPositionals(args []string, valueFlags map[string]bool) (flags, positionals []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !strings.HasPrefix(a, "-") || a == "-" {
			positionals = append(positionals, a)
			continue
		}
		flags = append(flags, a)
		name := strings.TrimLeft(a, "-")
		if strings.Contains(name, "=") {
			continue
		}
		if valueFlags["--"+name] && i+1 < len(args) {
			flags = append(flags, args[i+1])
			i++
		}
	}
	return flags, positionals
}

var clientValueFlags = map[string]bool{
	"--url":          true,
	"--token":        true,
	"--retries":      true,
	"--content-type": true,
	"--delay":        true,
	"--function":     true,
	"--limit":        true,
}

// readPayload reads a file argument, or stdin when the path is empty or "-".
func readPayload(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(data []byte) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		fmt.Println(strings.TrimSpace(string(data)))
		return
	}
	fmt.Println(buf.String())
}

func clientFailed(action string, err error) int {
	var serr *statusError
	if errors.As(err, &serr) && serr.Status == http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "%s failed: %v (check --token or TRIGGERHOST_TOKEN)\n", action, err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "%s failed: %v\n", action, err)
	return 1
}

func runPut(args []string) int {
	fs := flag.NewFlagSet("put", flag.ContinueOnError)
	client := clientFlags(fs)
	contentType := fs.String("content-type", "", "Content type (default: from file extension)")
	flagArgs, positionals := splitFlagsAndPositionals(args, clientValueFlags)
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: triggerhost put <container>/<name> <file> [--content-type TYPE]")
		return 1
	}

	container, name, err := blobpath.Split(positionals[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid object path: %v\n", err)
		return 1
	}
	data, err := readPayload(positionals[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read payload: %v\n", err)
		return 1
	}
	ct := *contentType
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(name))
	}

	path := "/objects/" + url.PathEscape(container) + "/" + escapeObjectName(name)
	out, err := client().do(context.Background(), http.MethodPut, path, data, ct)
	if err != nil {
		return clientFailed("put", err)
	}
	printJSON(out)
	return 0
}

func escapeObjectName(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

func runEnqueue(args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	client := clientFlags(fs)
	delay := fs.Duration("delay", 0, "Visibility delay before the message can be dequeued")
	flagArgs, positionals := splitFlagsAndPositionals(args, clientValueFlags)
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) < 1 || len(positionals) > 2 {
		fmt.Fprintln(os.Stderr, "Usage: triggerhost enqueue <queue> [file] [--delay DURATION]")
		return 1
	}

	var file string
	if len(positionals) == 2 {
		file = positionals[1]
	}
	data, err := readPayload(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read payload: %v\n", err)
		return 1
	}

	path := "/queues/" + url.PathEscape(positionals[0]) + "/messages"
	if *delay > 0 {
		path += "?delay=" + url.QueryEscape(delay.String())
	}
	out, err := client().do(context.Background(), http.MethodPost, path, data, "application/octet-stream")
	if err != nil {
		return clientFailed("enqueue", err)
	}
	printJSON(out)
	return 0
}

func runPublish(args []string) int {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	client := clientFlags(fs)
	flagArgs, positionals := splitFlagsAndPositionals(args, clientValueFlags)
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) < 1 || len(positionals) > 2 {
		fmt.Fprintln(os.Stderr, "Usage: triggerhost publish <subject> [file]")
		return 1
	}

	var file string
	if len(positionals) == 2 {
		file = positionals[1]
	}
	data, err := readPayload(file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read payload: %v\n", err)
		return 1
	}

	path := "/bus/" + url.PathEscape(positionals[0])
	out, err := client().do(context.Background(), http.MethodPost, path, data, "application/octet-stream")
	if err != nil {
		return clientFailed("publish", err)
	}
	printJSON(out)
	return 0
}

func runNotify(args []string) int {
	fs := flag.NewFlagSet("notify", flag.ContinueOnError)
	client := clientFlags(fs)
	flagArgs, positionals := splitFlagsAndPositionals(args, clientValueFlags)
	if err := fs.Parse(flagArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if len(positionals) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: triggerhost notify <container>/<name>")
		return 1
	}
	container, name, err := blobpath.Split(positionals[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid object path: %v\n", err)
		return 1
	}

	body, _ := json.Marshal(api.NotifyRequest{Container: container, Name: name})
	out, err := client().do(context.Background(), http.MethodPost, "/notify", body, "application/json")
	if err != nil {
		return clientFailed("notify", err)
	}
	var resp api.NotifyResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Unexpected response: %v\n", err)
		return 1
	}
	fmt.Printf("%s: %d trigger(s) invoked\n", resp.Path, resp.Invoked)
	return 0
}

func runTriggers(args []string) int {
	fs := flag.NewFlagSet("triggers", flag.ContinueOnError)
	client := clientFlags(fs)
	jsonOut := fs.Bool("json", false, "Output raw JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	out, err := client().do(context.Background(), http.MethodGet, "/triggers", nil, "")
	if err != nil {
		return clientFailed("triggers", err)
	}
	if *jsonOut {
		printJSON(out)
		return 0
	}

	var triggers []api.TriggerResponse
	if err := json.Unmarshal(out, &triggers); err != nil {
		fmt.Fprintf(os.Stderr, "Unexpected response: %v\n", err)
		return 1
	}
	if len(triggers) == 0 {
		fmt.Println("No triggers registered")
		return 0
	}
	for _, t := range triggers {
		source := t.Input
		if source == "" {
			source = t.Source
		}
		fmt.Printf("%-24s %-7s %s", t.Function, t.Kind, source)
		if len(t.Outputs) > 0 {
			fmt.Printf(" -> %s", strings.Join(t.Outputs, ", "))
		}
		fmt.Println()
	}
	return 0
}

func runInvocations(args []string) int {
	fs := flag.NewFlagSet("invocations", flag.ContinueOnError)
	client := clientFlags(fs)
	function := fs.String("function", "", "Only show invocations of this function")
	limit := fs.Int("limit", 20, "Maximum number of invocations")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	q := url.Values{}
	q.Set("limit", strconv.Itoa(*limit))
	if *function != "" {
		q.Set("function", *function)
	}
	out, err := client().do(context.Background(), http.MethodGet, "/invocations?"+q.Encode(), nil, "")
	if err != nil {
		return clientFailed("invocations", err)
	}
	printJSON(out)
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	client := clientFlags(fs)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	c := client()
	if c.token == "" {
		fmt.Fprintln(os.Stderr, "Error: token required. Use --token or TRIGGERHOST_TOKEN.")
		return 1
	}

	p := tea.NewProgram(watch.New(c.baseURL, c.token))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
