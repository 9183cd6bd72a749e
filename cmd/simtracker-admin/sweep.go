package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kacperpap/air-pollution-tracker/config"
	"github.com/kacperpap/air-pollution-tracker/internal/bootstrap"
	"github.com/kacperpap/air-pollution-tracker/internal/data"
	"github.com/kacperpap/air-pollution-tracker/internal/service"
)

type sweepOptions struct {
	PendingMaxAge time.Duration
	Timeout       time.Duration
}

func runSweep(cmdCtx *commandContext, args []string) error {
	opts, err := parseSweepFlags(args)
	if err != nil {
		return err
	}
	reaperCfg := sweepConfig(cmdCtx.Config.Reaper, opts)

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	in, err := connectInfra(cmdCtx, infraOptions{})
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx, in)

	reaper, err := bootstrap.NewReaper(bootstrap.ReaperDeps{
		Repo:   data.NewJobRepo(in.DB, data.RepoConfig{Logger: cmdCtx.Logger}),
		Config: reaperCfg,
		Logger: cmdCtx.Logger,
	})
	if err != nil {
		return err
	}

	counts, runErr := reaper.RunOnce(ctx)
	if err := printSweepCounts(cmdCtx.Out, reaperCfg, counts); err != nil {
		return err
	}
	return runErr
}

// sweepConfig applies the command line override. A negative override
// disables the pending sweep for this run.
func sweepConfig(base config.ReaperConfig, opts sweepOptions) config.ReaperConfig {
	cfg := base
	switch {
	case opts.PendingMaxAge > 0:
		cfg.PendingMaxAge = opts.PendingMaxAge
	case opts.PendingMaxAge < 0:
		cfg.PendingMaxAge = 0
	}
	cfg.Sanitize()
	return cfg
}

func printSweepCounts(w io.Writer, cfg config.ReaperConfig, counts map[string]int64) error {
	steps := []struct {
		op     string
		maxAge time.Duration
	}{
		{service.ReapExpirePending, cfg.PendingMaxAge},
		{service.ReapDeleteCompleted, cfg.CompletedMaxAge},
		{service.ReapDeleteFailed, cfg.FailedMaxAge},
		{service.ReapDeleteTimeExceeded, cfg.TimeExceededMaxAge},
	}
	for _, s := range steps {
		if s.maxAge <= 0 {
			if err := writef(w, "  %-22s disabled\n", s.op); err != nil {
				return err
			}
			continue
		}
		if err := writef(w, "  %-22s %d (older than %s)\n", s.op, counts[s.op], s.maxAge); err != nil {
			return err
		}
	}
	return nil
}

func parseSweepFlags(args []string) (sweepOptions, error) {
	fs := flag.NewFlagSet("sweep", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts sweepOptions
	fs.DurationVar(&opts.PendingMaxAge, "pending-max-age", 0,
		"Move pending jobs older than this to timeExceeded (overrides REAPER_PENDING_MAX_AGE, negative disables)")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration of the pass")

	if err := fs.Parse(args); err != nil {
		return sweepOptions{}, err
	}
	if opts.Timeout <= 0 {
		return sweepOptions{}, errors.New("--timeout must be greater than zero")
	}
	if fs.NArg() > 0 {
		return sweepOptions{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}
