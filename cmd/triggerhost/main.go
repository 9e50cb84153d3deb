package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/triggerhost/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

type command struct {
	name    string
	args    string
	group   string
	summary string
	run     func(args []string) int
}

var groupOrder = []string{"Service", "Config", "Client", "General"}

// commands is populated in init because runHelp reads it.
var commands []command

func init() {
	commands = []command{
		{name: "start", group: "Service", summary: "Run listeners, router and APIs in the foreground", run: runStartCommand},
		{name: "watch", group: "Service", summary: "Live TUI over /events and /healthz", run: runWatch},
		{name: "config", args: "check|lock", group: "Config", summary: "Validate configuration or write BLAKE3 checksums", run: runConfigNoun},
		{name: "put", args: "<container>/<name> <file>", group: "Client", summary: "Store an object", run: runPut},
		{name: "enqueue", args: "<queue> [file]", group: "Client", summary: "Add a queue message (stdin when no file)", run: runEnqueue},
		{name: "publish", args: "<subject> [file]", group: "Client", summary: "Publish a bus message", run: runPublish},
		{name: "notify", args: "<container>/<name>", group: "Client", summary: "Hint that an object changed", run: runNotify},
		{name: "triggers", group: "Client", summary: "List registered triggers", run: runTriggers},
		{name: "invocations", args: "[--function f]", group: "Client", summary: "Recent invocations", run: runInvocations},
		{name: "version", args: "[--json]", group: "General", summary: "Show version information", run: runVersion},
		{name: "help", group: "General", summary: "Show this help message", run: runHelp},
	}
}

func main() {
	os.Exit(runCLI(os.Args[1:]))
}

func runCLI(cliArgs []string) int {
	if len(cliArgs) == 0 {
		printUsage()
		return 1
	}

	name, args := cliArgs[0], cliArgs[1:]
	switch name {
	case "--version":
		name = "version"
	case "--help", "-h":
		name = "help"
	}
	for _, c := range commands {
		if c.name == name {
			return c.run(args)
		}
	}
	fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
	printUsage()
	return 1
}

func runStartCommand(args []string) int {
	if hasHelpFlag(args) {
		printStartHelp()
		return 0
	}
	return runStart(args)
}

func runHelp([]string) int {
	printUsage()
	return 0
}

func printUsage() {
	fmt.Println("triggerhost - runs functions when objects, queue messages or bus messages arrive")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  triggerhost <command> [flags]")

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, g := range groupOrder {
		fmt.Fprintf(tw, "\n%s:\n", g)
		for _, c := range commands {
			if c.group == g {
				fmt.Fprintf(tw, "  %s %s\t%s\n", c.name, c.args, c.summary)
			}
		}
	}
	_ = tw.Flush()

	fmt.Println()
	fmt.Println("Client commands read TRIGGERHOST_URL (default http://127.0.0.1:8080) and")
	fmt.Println("TRIGGERHOST_TOKEN, or --url and --token.")
}

func printStartHelp() {
	fmt.Print(`Usage: triggerhost start [--config PATH]

Loads configuration, discovers functions under functions_dir, and runs the
object, queue, hint and bus listeners until SIGINT or SIGTERM. SIGHUP
rediscovers functions and swaps the trigger table in place.
`)
}

type versionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

func runVersion(args []string) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	jsonOut := fs.Bool("json", false, "Output version metadata as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "Usage: triggerhost version [--json]")
		return 1
	}

	info := currentVersionInfo()
	if *jsonOut {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render version JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}
	fmt.Printf("triggerhost %s\ncommit: %s\nbuilt_at: %s\n", info.Version, info.Commit, info.BuildTime)
	return 0
}

// currentVersionInfo prefers linker-injected values and falls back to the
// VCS stamps the Go toolchain embeds.
func currentVersionInfo() versionInfo {
	vcs := vcsSettings()
	info := versionInfo{Version: "0.0.0-dev", Commit: "unknown", BuildTime: "unknown"}

	if v := strings.TrimSpace(version); v != "" {
		info.Version = v
	}
	if c := firstKnown(gitCommit, vcs["vcs.revision"]); c != "" {
		info.Commit = c[:min(len(c), 12)]
	}
	if raw := firstKnown(buildDate, vcs["vcs.time"]); raw != "" {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			info.BuildTime = t.UTC().Format(time.RFC3339)
		}
	}
	return info
}

func firstKnown(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" && v != "unknown" {
			return v
		}
	}
	return ""
}

func vcsSettings() map[string]string {
	out := map[string]string{}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			out[s.Key] = s.Value
		}
	}
	return out
}

// resolveConfigPath returns path, or the discovered config when path is empty.
func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	discovered, err := config.DiscoverConfigPath()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
	return discovered, nil
}

func isHelpToken(token string) bool {
	return token == "help" || token == "--help" || token == "-h"
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}
