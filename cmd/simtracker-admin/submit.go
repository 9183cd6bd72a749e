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
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/bootstrap"
	"github.com/kacperpap/air-pollution-tracker/internal/service"
)

type submitOptions struct {
	OwnerID   int64
	RelatedID int64
	File      string
	Timeout   time.Duration
}

// connectWait bounds how long submit waits for the broker to come up.
const connectWait = 30 * time.Second

func runSubmit(cmdCtx *commandContext, args []string) error {
	opts, err := parseSubmitFlags(args)
	if err != nil {
		return err
	}
	params, err := readParameters(opts.File)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmdCtx.Ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	in, err := connectInfra(cmdCtx, infraOptions{WantRedis: true, WantBroker: true})
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx, in)

	if err = waitConnected(ctx, in.Broker, connectWait); err != nil {
		return err
	}

	svcs, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config:      &cmdCtx.Config,
		DB:          in.DB,
		RedisClient: in.Redis,
		Broker:      in.Broker,
		Logger:      cmdCtx.Logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svcs.Router.Close(); cerr != nil {
			cmdCtx.Logger.Warn("close reply router failed", "error", cerr)
		}
	}()

	req := service.SubmitRequest{OwnerID: opts.OwnerID, Parameters: params}
	if opts.RelatedID > 0 {
		req.RelatedEntityID = &opts.RelatedID
	}

	// The reply queue lives only as long as this process, so the command
	// always waits for the reply.
	summary, runErr := svcs.Jobs.SubmitSync(ctx, req, opts.Timeout)
	if summary == nil {
		return runErr
	}
	if err := writef(cmdCtx.Out, "Job %d finished: %s\n", summary.ID, summary.Status); err != nil {
		return err
	}
	return runErr
}

type connectionChecker interface {
	IsConnected() bool
}

func waitConnected(ctx context.Context, c connectionChecker, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !c.IsConnected() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("broker not connected: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func readParameters(path string) (json.RawMessage, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read parameters: %w", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, errors.New("parameters file must hold a JSON object")
	}
	return raw, nil
}

func parseSubmitFlags(args []string) (submitOptions, error) {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts submitOptions
	fs.Int64Var(&opts.OwnerID, "owner", 0, "Owner id")
	fs.Int64Var(&opts.RelatedID, "related", 0, "Related drone flight id (optional)")
	fs.StringVar(&opts.File, "file", "", "Path to the request JSON, or - for stdin")
	fs.DurationVar(&opts.Timeout, "timeout", 0, "Reply timeout (defaults to BROKER_SYNC_TIMEOUT)")

	if err := fs.Parse(args); err != nil {
		return submitOptions{}, err
	}
	switch {
	case opts.OwnerID <= 0:
		return submitOptions{}, errors.New("--owner is required")
	case opts.File == "":
		return submitOptions{}, errors.New("--file is required")
	case opts.RelatedID < 0:
		return submitOptions{}, errors.New("--related must be positive")
	case opts.Timeout < 0:
		return submitOptions{}, errors.New("--timeout must not be negative")
	}
	return opts, nil
}
