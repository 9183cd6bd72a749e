package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/kacperpap/air-pollution-tracker/internal/bootstrap"
	"github.com/kacperpap/air-pollution-tracker/internal/core"
	"github.com/redis/go-redis/v9"
)

type cacheClearOptions struct {
	DryRun bool
	Yes    bool
}

func (o cacheClearOptions) IsDryRun() bool { return o.DryRun }
func (o cacheClearOptions) IsYes() bool    { return o.Yes }

const cacheDeleteBatch = 100

func runClearJobCache(cmdCtx *commandContext, args []string) error {
	opts, err := parseCacheClearFlags(args)
	if err != nil {
		return err
	}
	if !cmdCtx.Config.Redis.Enabled() {
		return errors.New("redis is not configured")
	}
	if err = confirmAction(os.Stdin, cmdCtx.Out, opts, "remove every cached job summary"); err != nil {
		return err
	}

	in, err := connectInfra(cmdCtx, infraOptions{WantRedis: true})
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx, in)

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	pattern := bootstrap.CacheKeyPrefix + core.JobSummaryKeyPattern
	cmdCtx.Logger.Info("scanning redis", "pattern", pattern, "dry_run", opts.DryRun)
	matched, deleted, err := purgeKeys(ctx, in.Redis, pattern, opts.DryRun)
	if err != nil {
		return err
	}
	if opts.DryRun {
		return writef(cmdCtx.Out, "Dry run: %d cached job summaries matched.\n", matched)
	}
	return writef(cmdCtx.Out, "Removed %d cached job summaries.\n", deleted)
}

// purgeKeys deletes every key matching pattern in batches.
func purgeKeys(ctx context.Context, client redis.UniversalClient, pattern string, dryRun bool) (int, int64, error) {
	iter := client.Scan(ctx, 0, pattern, 1000).Iterator()
	var (
		matched int
		deleted int64
		batch   = make([]string, 0, cacheDeleteBatch)
	)
	flush := func() error {
		if len(batch) == 0 || dryRun {
			batch = batch[:0]
			return nil
		}
		n, err := client.Del(ctx, batch...).Result()
		if err != nil {
			return fmt.Errorf("delete redis keys: %w", err)
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	for iter.Next(ctx) {
		matched++
		batch = append(batch, iter.Val())
		if len(batch) == cacheDeleteBatch {
			if err := flush(); err != nil {
				return matched, deleted, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return matched, deleted, fmt.Errorf("scan redis: %w", err)
	}
	if err := flush(); err != nil {
		return matched, deleted, err
	}
	return matched, deleted, nil
}

func parseCacheClearFlags(args []string) (cacheClearOptions, error) {
	fs := flag.NewFlagSet("clear-job-cache", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts cacheClearOptions
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Count matching keys without deleting")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip the confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return cacheClearOptions{}, err
	}
	return opts, nil
}
