package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/offload/internal/api"
	"github.com/mattjoyce/offload/internal/catalog"
	"github.com/mattjoyce/offload/internal/config"
	"github.com/mattjoyce/offload/internal/dispatch"
	"github.com/mattjoyce/offload/internal/doctor"
	"github.com/mattjoyce/offload/internal/events"
	"github.com/mattjoyce/offload/internal/journal"
	"github.com/mattjoyce/offload/internal/lock"
	"github.com/mattjoyce/offload/internal/log"
	"github.com/mattjoyce/offload/internal/runner"
	"github.com/mattjoyce/offload/internal/storage"
	"github.com/mattjoyce/offload/internal/task"
)

// loadConfig resolves --config, falling back to the standard locations.
func loadConfig(configPath string) (*config.Config, string, error) {
	if configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, "", fmt.Errorf("failed to discover config: %w", err)
		}
		configPath = discovered
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, configPath, nil
}

// discoverWorkers scans workers.dir. A missing directory yields an empty catalog.
func discoverWorkers(cfg *config.Config) (*catalog.Catalog, error) {
	if _, err := os.Stat(cfg.Workers.Dir); errors.Is(err, os.ErrNotExist) {
		return catalog.New(), nil
	}
	return catalog.Discover([]string{cfg.Workers.Dir}, nil)
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	listen := fs.String("listen", "", "Override api.listen")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, resolved, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.API.Enabled = true
		cfg.API.Listen = *listen
	}

	if cfg.Service.LogFile != "" {
		logFile := log.RotatingFile(cfg.Service.LogFile, cfg.Service.LogMaxSizeMB, cfg.Service.LogMaxBackups)
		defer logFile.Close()
		log.SetupWriter(io.MultiWriter(os.Stderr, logFile), cfg.Service.LogLevel)
	} else {
		log.Setup(cfg.Service.LogLevel)
	}
	logger := log.WithComponent("main")
	if !cfg.API.Enabled {
		logger.Error("nothing to serve: api.enabled is false (set it or pass --listen)")
		return 1
	}
	logger.Info("offload starting", "version", version, "config", resolved)

	pidLock, err := lock.AcquirePIDLock(lock.PathFor(cfg.State.Path))
	if err != nil {
		logger.Error("failed to acquire PID lock (another instance may be running)", "error", err)
		return 1
	}
	defer pidLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()

	cat, err := discoverWorkers(cfg)
	if err != nil {
		logger.Error("worker discovery failed", "workers_dir", cfg.Workers.Dir, "error", err)
		return 1
	}
	if err := config.ValidateTasks(cfg, task.Builtins().Names(), cat.Tasks()); err != nil {
		logger.Error("task configuration invalid", "error", err)
		return 1
	}

	hub := events.NewHub(0)
	jrnl := journal.New(db)
	run := runner.New(cfg, runner.Options{
		Catalog:   cat,
		Observers: []dispatch.Observer{jrnl, hub},
	})
	defer func() {
		if err := run.Close(); err != nil {
			logger.Warn("runner shutdown", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv := api.New(api.Config{
			Listen:      cfg.API.Listen,
			APIKey:      cfg.API.APIKey,
			CORSOrigins: cfg.API.CORSOrigins,
			RunRate:     cfg.API.RunRate,
			RunBurst:    cfg.API.RunBurst,
		}, run, jrnl, hub, log.WithComponent("api"))
		if err := srv.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})

	logger.Info("offload running (press Ctrl+C to stop)", "listen", cfg.API.Listen, "tasks", len(run.Tasks()))
	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("offload stopped")
	return 0
}

func runJobs(args []string) int {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	limit := fs.Int("limit", 20, "Number of jobs to show")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	log.Setup("error")

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		return 1
	}
	defer db.Close()

	recs, err := journal.New(db).Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read journal: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(recs); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode: %v\n", err)
			return 1
		}
		return 0
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UPDATED\tDISPATCHER\tJOB\tTASK\tSTATUS\tDETAIL")
	for _, r := range recs {
		detail := string(r.Output)
		if r.LastError != "" {
			detail = r.LastError
		}
		fmt.Fprintf(w, "%s\t%.8s\t%d\t%s\t%s\t%s\n",
			r.UpdatedAt.Local().Format("2006-01-02 15:04:05"), r.DispatcherID, r.JobID, r.Task, r.Status, detail)
	}
	_ = w.Flush()
	return 0
}

func runCheck(args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, _, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	log.Setup("error")

	cat, err := discoverWorkers(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Worker discovery failed: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, task.Builtins().Names(), cat).Validate()
	if *asJSON {
		_ = json.NewEncoder(os.Stdout).Encode(result)
	} else {
		fmt.Print(doctor.Format(result))
	}
	if !result.Valid {
		return 1
	}
	return 0
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || args[0] != "lock" {
		fmt.Fprintln(os.Stderr, "Usage: offload config lock [--config PATH]")
		return 1
	}

	fs := flag.NewFlagSet("config lock", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if *configPath == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
			return 1
		}
		*configPath = discovered
	}

	files, err := config.Lock(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}
	for _, f := range files {
		fmt.Printf("HASH %s\n", f)
	}
	fmt.Printf("Locked %d file(s)\n", len(files))
	return 0
}
