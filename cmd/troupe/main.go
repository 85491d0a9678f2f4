// Troupe runs one or more character-driven chat agents in a single
// process.
//
// Each character gets its own runtime, database records and network
// clients. All agents share one front-end HTTP server, and unless the
// process runs as a daemon the terminal hosts an interactive chat with
// the first character.
//
// Usage:
//
//	troupe [start]                  Start agents, server and terminal chat
//	troupe --characters a.json,b.yaml
//	troupe init [dir]               Write a default config and sample character
//	troupe version                  Print version and build information
//	troupe -o json version          Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nugget/troupe/internal/buildinfo"
	"github.com/nugget/troupe/internal/config"
	"github.com/nugget/troupe/internal/crashguard"
)

// exitFunc ends the process when a background failure is fatal.
var exitFunc = os.Exit

// main wires the OS environment into run and owns the process exit
// code. Panics escaping run go through the crash guard.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	guard := crashguard.New(newLogger(os.Stderr, slog.LevelInfo, "text"), exitFunc)
	code := mainExit(guard, os.Stderr, func() error {
		return run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:], os.Getenv)
	})
	stop()
	guard.Exit(code)
}

// mainExit runs fn and returns the process exit code: 0 on success, 1
// when fn returns an error or panics.
func mainExit(guard *crashguard.Guard, stderr io.Writer, fn func() error) (code int) {
	code = 1
	defer guard.Recover()
	if err := fn(); err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

// run is the real entry point. Every OS dependency is a parameter so
// the whole lifecycle can be driven from tests:
//
//   - ctx ends the process; cancelling it stops the chat, the server and
//     every agent.
//   - stdin and stdout carry the terminal chat. Logs go to stderr so they
//     do not interleave with the prompt.
//   - getenv supplies SERVER_PORT, OPENAI_API_BASE, provider keys and
//     the other environment settings.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string, getenv func(string) string) error {
	fs := pflag.NewFlagSet("troupe", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printUsage(stderr, fs) }

	var (
		charactersFlag string
		characterFlag  string
		configPath     string
		outputFmt      string
	)
	fs.StringVar(&charactersFlag, "characters", "", "comma-separated character files")
	fs.StringVar(&characterFlag, "character", "", "alias for --characters")
	fs.StringVar(&configPath, "config", "", "path to config file (default: auto-discover)")
	fs.StringVarP(&outputFmt, "output", "o", "text", "output format: text or json")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	command, cmdArgs := "start", fs.Args()
	if len(cmdArgs) > 0 {
		command, cmdArgs = cmdArgs[0], cmdArgs[1:]
	}

	switch command {
	case "start":
		list := charactersFlag
		if characterFlag != "" {
			if list != "" {
				list += ","
			}
			list += characterFlag
		}
		return runStart(ctx, startOptions{
			stdin:      stdin,
			stdout:     stdout,
			stderr:     stderr,
			getenv:     getenv,
			configPath: configPath,
			characters: list,
		})
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "help":
		printUsage(stdout, fs)
		return nil
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer, fs *pflag.FlagSet) {
	fmt.Fprintln(w, "Troupe - character-driven chat agents")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: troupe [flags] [command] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  start        Start agents, the front-end server and terminal chat (default)")
	fmt.Fprintln(w, "  init [dir]   Write a default config and sample character (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, fs.FlagUsages())
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/troupe/config.yaml, /etc/troupe/config.yaml")
}

func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig reads the config file, falling back to defaults when none
// is found and none was named, then overlays the environment.
func loadConfig(explicit string, getenv func(string) string) (*config.Config, string, error) {
	var cfg *config.Config
	cfgPath, err := config.FindConfig(explicit)
	switch {
	case err == nil:
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
	case explicit == "" && errors.Is(err, config.ErrNotFound):
		cfg, cfgPath = config.Default(), ""
	default:
		return nil, "", err
	}

	if err := cfg.ApplyEnv(getenv); err != nil {
		return nil, cfgPath, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, cfgPath, nil
}
