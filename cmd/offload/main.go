package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/offload/internal/catalog"
	"github.com/mattjoyce/offload/internal/config"
	"github.com/mattjoyce/offload/internal/dispatch"
	"github.com/mattjoyce/offload/internal/events"
	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/resource"
	"github.com/mattjoyce/offload/internal/task"
	"github.com/mattjoyce/offload/internal/tui"
	"github.com/mattjoyce/offload/internal/worker"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "run":
		os.Exit(runOnce(args))
	case "worker":
		os.Exit(runWorker(args))
	case "serve":
		os.Exit(runServe(args))
	case "jobs":
		os.Exit(runJobs(args))
	case "bench":
		os.Exit(runBench(args))
	case "tasks":
		os.Exit(runTasks(args))
	case "check":
		os.Exit(runCheck(args))
	case "config":
		os.Exit(runConfigNoun(args))
	case "version":
		fmt.Printf("offload version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`offload - run work in isolated execution contexts

Usage:
  offload <command> [flags]

Commands:
  run <task> [json]     Run one job on a fresh execution context and print the result
  bench <task> [json]   Run many jobs on one dispatcher with a live monitor
  worker --task <name>  Serve a builtin task over stdin/stdout (used by subprocess mode)
  serve                 Start the HTTP API with the job journal
  jobs                  Show recent jobs from the journal
  tasks                 List builtin and discovered tasks
  check                 Validate configuration against available tasks
  config lock           Record BLAKE3 hashes of the config tree in .checksums
  version               Show version information
  help                  Show this help message

Use 'offload <command> -h' for command flags.
`)
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// jobFlags are shared by run and bench.
type jobFlags struct {
	mode       string
	resources  stringList
	workersDir string
	cacheDir   string
	grace      time.Duration
	logLevel   string
}

func (f *jobFlags) register(fs *flag.FlagSet, defaultLevel string) {
	fs.StringVar(&f.mode, "mode", config.ModeInProcess, "Execution mode: inprocess or subprocess")
	fs.Var(&f.resources, "resource", "Resource locator to load before work starts (repeatable)")
	fs.StringVar(&f.workersDir, "workers", "", "Worker directory to search for subprocess tasks")
	fs.StringVar(&f.cacheDir, "cache-dir", "", "Resource cache directory (empty disables caching)")
	fs.DurationVar(&f.grace, "grace", worker.DefaultGrace, "Termination grace period")
	fs.StringVar(&f.logLevel, "log-level", defaultLevel, "Log level: debug, info, warn, error")
}

// spawner resolves a task to an execution context. Subprocess mode prefers a
// discovered worker and falls back to re-running this binary as a worker.
func (f *jobFlags) spawner(taskName string) (dispatch.Spawner, error) {
	switch f.mode {
	case config.ModeInProcess:
		builtins := task.Builtins()
		h, ok := builtins.Get(taskName)
		if !ok {
			if guess := task.Suggest(taskName, builtins.Names()); guess != "" {
				return nil, fmt.Errorf("unknown builtin task %q (did you mean %q?)", taskName, guess)
			}
			return nil, fmt.Errorf("unknown builtin task %q", taskName)
		}
		return worker.InProcess{
			Handler: h,
			Loader:  resource.NewLoader(f.cacheDir),
			Logger:  log.WithTask(taskName),
			Grace:   f.grace,
		}, nil

	case config.ModeSubprocess:
		if f.workersDir != "" {
			cat, err := catalog.Discover([]string{f.workersDir}, nil)
			if err != nil {
				return nil, err
			}
			if w, ok := cat.Lookup(taskName); ok {
				sp := w.Spawner(taskName, f.grace)
				sp.Logger = log.WithTask(taskName)
				return sp, nil
			}
		}
		if _, ok := task.Builtins().Get(taskName); !ok {
			return nil, fmt.Errorf("no worker serves task %q", taskName)
		}
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate offload binary: %w", err)
		}
		args := []string{"worker", "--task", taskName, "--log-level", f.logLevel}
		if f.cacheDir != "" {
			args = append(args, "--cache-dir", f.cacheDir)
		}
		return worker.Subprocess{
			Path:   self,
			Args:   args,
			Grace:  f.grace,
			Logger: log.WithTask(taskName),
		}, nil
	}
	return nil, fmt.Errorf("mode must be %s or %s (got %q)", config.ModeInProcess, config.ModeSubprocess, f.mode)
}

// jobInput returns the positional JSON input, "null" when absent.
func jobInput(fs *flag.FlagSet) (string, json.RawMessage, error) {
	if fs.NArg() < 1 {
		return "", nil, fmt.Errorf("task name is required")
	}
	taskName := fs.Arg(0)
	input := json.RawMessage("null")
	if fs.NArg() > 1 {
		input = json.RawMessage(fs.Arg(1))
		if !json.Valid(input) {
			return "", nil, fmt.Errorf("input is not valid JSON: %s", fs.Arg(1))
		}
	}
	return taskName, input, nil
}

func runOnce(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	var jf jobFlags
	jf.register(fs, "warn")
	timeout := fs.Duration("timeout", 0, "Give up after this long (0 waits forever)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	log.Setup(jf.logLevel)

	taskName, input, err := jobInput(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	spawner, err := jf.spawner(taskName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	type outcome struct {
		out json.RawMessage
		err error
	}
	done := make(chan outcome, 1)
	err = dispatch.Process(context.Background(), spawner, input,
		func(out json.RawMessage) { done <- outcome{out: out} },
		dispatch.WithTask(taskName),
		dispatch.WithResources(jf.resources...),
		dispatch.WithJobErrorHandler(func(e *dispatch.JobError) { done <- outcome{err: e} }),
		dispatch.WithErrorHandler(func(e error) { done <- outcome{err: e} }),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	var expired <-chan time.Time
	if *timeout > 0 {
		expired = time.After(*timeout)
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case o := <-done:
		if o.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", o.err)
			return 1
		}
		fmt.Println(string(o.out))
		return 0
	case <-expired:
		fmt.Fprintf(os.Stderr, "Error: %s timed out after %s\n", taskName, *timeout)
		return 1
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "Interrupted by %s\n", sig)
		return 130
	}
}

func runWorker(args []string) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	taskName := fs.String("task", "", "Builtin task to serve")
	cacheDir := fs.String("cache-dir", "", "Resource cache directory")
	logLevel := fs.String("log-level", "warn", "Log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	log.Setup(*logLevel)

	h, ok := task.Builtins().Get(*taskName)
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown task %q\n", *taskName)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	err := worker.ServeStdio(ctx, h, resource.NewLoader(*cacheDir), log.WithTask(*taskName))
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "worker %s: %v\n", *taskName, err)
		return 1
	}
	return 0
}

func runBench(args []string) int {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	var jf jobFlags
	jf.register(fs, "error")
	n := fs.Int("n", 100, "Number of jobs to submit")
	plain := fs.Bool("plain", false, "Skip the monitor and print the summary only")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	log.Setup(jf.logLevel)

	taskName, input, err := jobInput(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if *n <= 0 {
		fmt.Fprintln(os.Stderr, "Error: -n must be positive")
		return 1
	}
	spawner, err := jf.spawner(taskName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	// Every event of the run must fit the subscriber buffer.
	hub := events.NewHub(*n*3 + 16)
	feed, cancel := hub.Subscribe()
	defer cancel()

	d, err := dispatch.New[json.RawMessage, json.RawMessage](context.Background(), spawner,
		dispatch.WithTask(taskName),
		dispatch.WithResources(jf.resources...),
		dispatch.WithObserver(hub),
		dispatch.WithJobErrorHandler(func(*dispatch.JobError) {}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer d.Terminate()

	monitor := tui.NewBench(taskName, *n, feed)
	for i := 0; i < *n; i++ {
		if _, err := d.Submit(input, func(json.RawMessage) {}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: submit job %d: %v\n", i+1, err)
			return 1
		}
	}

	if *plain {
		for !monitor.Complete() {
			ev, ok := <-feed
			if !ok {
				break
			}
			monitor.Apply(ev)
		}
	} else if _, err := tea.NewProgram(monitor, tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: monitor: %v\n", err)
		return 1
	}

	fmt.Println(monitor.Summary())
	if !monitor.Complete() {
		return 130
	}
	return 0
}

func runTasks(args []string) int {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	workersDir := fs.String("workers", "", "Worker directory to scan")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	log.Setup("error")

	for _, name := range task.Builtins().Names() {
		fmt.Printf("%-12s builtin\n", name)
	}
	if *workersDir == "" {
		return 0
	}
	cat, err := catalog.Discover([]string{*workersDir}, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	for _, w := range cat.Workers() {
		for _, t := range w.Tasks {
			line := fmt.Sprintf("%-12s worker %s@%s", t.Name, w.Name, w.Version)
			if t.Description != "" {
				line += "  " + t.Description
			}
			fmt.Println(line)
		}
	}
	return 0
}
