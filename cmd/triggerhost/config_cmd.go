package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattjoyce/triggerhost/internal/auth"
	"github.com/mattjoyce/triggerhost/internal/config"
	"github.com/mattjoyce/triggerhost/internal/function"
	"github.com/mattjoyce/triggerhost/internal/router"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}
	if isHelpToken(args[0]) {
		printConfigNounHelp(os.Stdout)
		return 0
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		if hasHelpFlag(actionArgs) {
			printConfigCheckHelp()
			return 0
		}
		return runConfigCheck(actionArgs)
	case "lock":
		if hasHelpFlag(actionArgs) {
			printConfigLockHelp()
			return 0
		}
		return runConfigLock(actionArgs)
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		return 1
	}
}

type configCheckResult struct {
	Valid     bool     `json:"valid"`
	Config    string   `json:"config"`
	Functions int      `json:"functions"`
	Triggers  []string `json:"triggers"`
	Errors    []string `json:"errors,omitempty"`
}

// runConfigCheck loads the config (verifying checksums), discovers functions
// and builds a trigger table without starting anything.
func runConfigCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	result := configCheckResult{Config: path, Triggers: []string{}}
	result.Valid = checkConfig(path, &result)

	if *jsonOut {
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
	} else {
		if result.Valid {
			fmt.Printf("Configuration valid: %s\n", path)
		} else {
			fmt.Printf("Configuration invalid: %s\n", path)
		}
		fmt.Printf("  Functions: %d\n", result.Functions)
		for _, t := range result.Triggers {
			fmt.Printf("  TRIGGER %s\n", t)
		}
		for _, e := range result.Errors {
			fmt.Printf("  ERROR %s\n", e)
		}
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func checkConfig(path string, result *configCheckResult) bool {
	cfg, err := config.Load(path)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return false
	}

	if cfg.API.Enabled {
		if _, err := auth.NewKeyring(cfg.API.Auth.APIKey, tokenConfigs(cfg.API.Auth.Tokens)); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("api.auth: %v", err))
		}
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry, err := function.Discover(cfg.FunctionsDir, func(string, string, ...any) {})
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("functions: %v", err))
		return false
	}
	result.Functions = registry.Len()

	descs, errs := registry.Descriptors()
	for _, e := range errs {
		result.Errors = append(result.Errors, e.Error())
	}
	rt := router.New(nil, nil, nil, quiet)
	if err := rt.Reload(descs); err != nil {
		result.Errors = append(result.Errors, err.Error())
		return false
	}
	for _, d := range rt.Triggers() {
		result.Triggers = append(result.Triggers, d.String())
	}
	return len(result.Errors) == 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file or directory")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Show what would be written")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	isVerbose := verbose || verboseShort

	path, err := resolveConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	reports, err := config.Lock(path, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	for _, r := range reports {
		if isVerbose || dryRun {
			fmt.Printf("Processing directory: %s\n", r.Dir)
			for _, e := range r.Entries {
				if e.Missing {
					fmt.Printf("  SKIP   %s (missing)\n", e.Name)
					continue
				}
				fmt.Printf("  HASH   %s %s\n", e.Name, e.Hash)
			}
		}
		switch {
		case dryRun:
			fmt.Printf("Dry run: would write %s\n", r.ManifestPath)
		case r.Written:
			fmt.Printf("Locked %s\n", r.ManifestPath)
		}
	}
	return 0
}

func printConfigNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: triggerhost config <check|lock> [flags]")
	fmt.Fprintln(w, "Validate configuration or record its checksums.")
}

func printConfigCheckHelp() {
	fmt.Println("Usage: triggerhost config check [--config PATH] [--json]")
	fmt.Println("Load configuration, verify checksums, discover functions and build the trigger table.")
}

func printConfigLockHelp() {
	fmt.Println("Usage: triggerhost config lock [--config PATH] [-v|--verbose] [--dry-run]")
	fmt.Println("Write BLAKE3 checksums for every file in the config include tree.")
}
