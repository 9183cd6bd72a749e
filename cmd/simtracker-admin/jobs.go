package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/kacperpap/air-pollution-tracker/internal/bootstrap"
	"github.com/kacperpap/air-pollution-tracker/internal/core"
	"github.com/kacperpap/air-pollution-tracker/internal/data"
	"github.com/kacperpap/air-pollution-tracker/internal/data/blob"
	"github.com/kacperpap/air-pollution-tracker/internal/domain/model"
)

type jobGetOptions struct {
	ID        int64
	Result    bool
	Snapshots bool
}

type jobListOptions struct {
	OwnerID int64
	Status  string
	Limit   int
	Offset  int
	JSON    bool
}

type jobDeleteOptions struct {
	ID      int64
	OwnerID int64
	DryRun  bool
	Yes     bool
}

// jobView is the admin rendering of a job: the summary plus whichever
// blobs were requested, decoded.
type jobView struct {
	*model.JobSummary
	Result    json.RawMessage `json:"result,omitempty"`
	Snapshots json.RawMessage `json:"snapshots,omitempty"`
}

func runJobGet(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobGetFlags(args)
	if err != nil {
		return err
	}
	in, err := connectInfra(cmdCtx, infraOptions{})
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx, in)

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	repo := data.NewJobRepo(in.DB, data.RepoConfig{Logger: cmdCtx.Logger})
	job, err := repo.GetByID(ctx, opts.ID)
	if err != nil {
		return fmt.Errorf("get job %d: %w", opts.ID, err)
	}
	view, err := buildJobView(job, opts, blob.NewGzipCodec(0))
	if err != nil {
		return err
	}
	return writeIndentedJSON(cmdCtx.Out, view)
}

func buildJobView(job *model.Job, opts jobGetOptions, codec blob.Codec) (*jobView, error) {
	view := &jobView{JobSummary: job.Summary()}
	var err error
	if opts.Result && len(job.Result) > 0 {
		if view.Result, err = codec.Decode(job.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	if opts.Snapshots && len(job.Snapshots) > 0 {
		if view.Snapshots, err = codec.Decode(job.Snapshots); err != nil {
			return nil, fmt.Errorf("decode snapshots: %w", err)
		}
	}
	return view, nil
}

func runJobList(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobListFlags(args)
	if err != nil {
		return err
	}
	listOpts, err := opts.toListOptions()
	if err != nil {
		return err
	}
	in, err := connectInfra(cmdCtx, infraOptions{})
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx, in)

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	repo := data.NewJobRepo(in.DB, data.RepoConfig{Logger: cmdCtx.Logger})
	jobs, err := repo.ListSummariesByOwner(ctx, listOpts)
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if opts.JSON {
		if jobs == nil {
			jobs = []*model.JobSummary{}
		}
		return writeIndentedJSON(cmdCtx.Out, jobs)
	}
	return renderJobTable(cmdCtx.Out, jobs)
}

func (o jobListOptions) toListOptions() (model.JobListOptions, error) {
	listOpts := model.JobListOptions{OwnerID: o.OwnerID, Limit: o.Limit, Offset: o.Offset}
	if o.Status != "" {
		var status model.JobStatus
		if err := status.UnmarshalText([]byte(o.Status)); err != nil {
			return model.JobListOptions{}, fmt.Errorf("--status: %w", err)
		}
		listOpts.Status = &status
	}
	if err := listOpts.Validate(); err != nil {
		return model.JobListOptions{}, err
	}
	return listOpts, nil
}

func renderJobTable(w io.Writer, jobs []*model.JobSummary) error {
	if len(jobs) == 0 {
		return writeln(w, "No jobs found.")
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if err := writef(tw, "ID\tSTATUS\tRELATED\tRESULT\tSNAPSHOTS\tCREATED\tUPDATED\n"); err != nil {
		return err
	}
	for _, j := range jobs {
		related := "-"
		if j.RelatedEntityID != nil {
			related = fmt.Sprint(*j.RelatedEntityID)
		}
		if err := writef(tw, "%d\t%s\t%s\t%t\t%t\t%s\t%s\n",
			j.ID, j.Status, related, j.HasResult, j.HasSnapshots,
			formatTimestamp(j.CreatedAt), formatTimestamp(j.UpdatedAt)); err != nil {
			return err
		}
	}
	return tw.Flush()
}

func runJobDelete(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobDeleteFlags("job-delete", args)
	if err != nil {
		return err
	}
	if opts.ID <= 0 {
		return errors.New("--id is required")
	}
	if err = confirmAction(os.Stdin, cmdCtx.Out, opts, fmt.Sprintf("delete job %d", opts.ID)); err != nil {
		return err
	}

	in, err := connectInfra(cmdCtx, infraOptions{WantRedis: true})
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx, in)

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	repo := data.NewJobRepo(in.DB, data.RepoConfig{Logger: cmdCtx.Logger})
	if opts.DryRun {
		summary, getErr := repo.GetSummary(ctx, opts.ID)
		if getErr != nil {
			return fmt.Errorf("get job %d: %w", opts.ID, getErr)
		}
		return writef(cmdCtx.Out, "Dry run: job %d (%s, owner %d) would be deleted.\n",
			summary.ID, summary.Status, summary.OwnerID)
	}

	if err = repo.Delete(ctx, opts.ID); err != nil {
		return fmt.Errorf("delete job %d: %w", opts.ID, err)
	}
	if cache := jobCache(in, cmdCtx); cache != nil {
		if invErr := cache.Invalidate(ctx, opts.ID); invErr != nil {
			cmdCtx.Logger.Warn("invalidate cached job failed", "job_id", opts.ID, "error", invErr)
		}
	}
	return writef(cmdCtx.Out, "Deleted job %d.\n", opts.ID)
}

func runJobDeleteOwner(cmdCtx *commandContext, args []string) error {
	opts, err := parseJobDeleteFlags("job-delete-owner", args)
	if err != nil {
		return err
	}
	if opts.OwnerID <= 0 {
		return errors.New("--owner is required")
	}
	if err = confirmAction(os.Stdin, cmdCtx.Out, opts, fmt.Sprintf("delete every job of owner %d", opts.OwnerID)); err != nil {
		return err
	}

	in, err := connectInfra(cmdCtx, infraOptions{WantRedis: true})
	if err != nil {
		return err
	}
	defer closeInfra(cmdCtx, in)

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultCommandTimeout)
	defer cancel()

	repo := data.NewJobRepo(in.DB, data.RepoConfig{Logger: cmdCtx.Logger})
	jobs, err := repo.ListSummariesByOwner(ctx, model.JobListOptions{OwnerID: opts.OwnerID})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}
	if opts.DryRun {
		return writef(cmdCtx.Out, "Dry run: %d job(s) of owner %d would be deleted.\n", len(jobs), opts.OwnerID)
	}

	n, err := repo.DeleteByOwner(ctx, opts.OwnerID)
	if err != nil {
		return fmt.Errorf("delete jobs of owner %d: %w", opts.OwnerID, err)
	}
	if cache := jobCache(in, cmdCtx); cache != nil {
		for _, j := range jobs {
			if invErr := cache.Invalidate(ctx, j.ID); invErr != nil {
				cmdCtx.Logger.Warn("invalidate cached job failed", "job_id", j.ID, "error", invErr)
			}
		}
	}
	return writef(cmdCtx.Out, "Deleted %d job(s) of owner %d.\n", n, opts.OwnerID)
}

func jobCache(in *infra, cmdCtx *commandContext) *core.JobCacheService {
	if in.Redis == nil {
		return nil
	}
	return core.NewJobCacheService(
		data.NewRedisCacheRepo(in.Redis, bootstrap.CacheKeyPrefix),
		core.JobCacheConfig{TTL: cmdCtx.Config.Cache.JobTTL},
	)
}

func parseJobGetFlags(args []string) (jobGetOptions, error) {
	fs := flag.NewFlagSet("job-get", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts jobGetOptions
	fs.Int64Var(&opts.ID, "id", 0, "Job id")
	fs.BoolVar(&opts.Result, "result", false, "Include the decoded result")
	fs.BoolVar(&opts.Snapshots, "snapshots", false, "Include the decoded per-step snapshots")

	if err := fs.Parse(args); err != nil {
		return jobGetOptions{}, err
	}
	if opts.ID <= 0 {
		return jobGetOptions{}, errors.New("--id is required")
	}
	return opts, nil
}

func parseJobListFlags(args []string) (jobListOptions, error) {
	fs := flag.NewFlagSet("job-list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts jobListOptions
	fs.Int64Var(&opts.OwnerID, "owner", 0, "Owner id")
	fs.StringVar(&opts.Status, "status", "", "Filter by status (pending, completed, failed, timeExceeded)")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum number of jobs to show (0 for all)")
	fs.IntVar(&opts.Offset, "offset", 0, "Number of jobs to skip")
	fs.BoolVar(&opts.JSON, "json", false, "Print JSON instead of a table")

	if err := fs.Parse(args); err != nil {
		return jobListOptions{}, err
	}
	opts.Status = strings.TrimSpace(opts.Status)
	if opts.OwnerID <= 0 {
		return jobListOptions{}, errors.New("--owner is required")
	}
	if opts.Limit < 0 || opts.Offset < 0 {
		return jobListOptions{}, errors.New("--limit and --offset must not be negative")
	}
	return opts, nil
}

func parseJobDeleteFlags(name string, args []string) (jobDeleteOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts jobDeleteOptions
	if name == "job-delete-owner" {
		fs.Int64Var(&opts.OwnerID, "owner", 0, "Owner id")
	} else {
		fs.Int64Var(&opts.ID, "id", 0, "Job id")
	}
	fs.BoolVar(&opts.DryRun, "dry-run", false, "Show what would be deleted without deleting")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip the confirmation prompt")

	if err := fs.Parse(args); err != nil {
		return jobDeleteOptions{}, err
	}
	return opts, nil
}

// confirmer is implemented by options that may skip the prompt.
type confirmer interface {
	IsDryRun() bool
	IsYes() bool
}

func (o jobDeleteOptions) IsDryRun() bool { return o.DryRun }
func (o jobDeleteOptions) IsYes() bool    { return o.Yes }

func confirmAction(in io.Reader, out io.Writer, opts confirmer, action string) error {
	if opts.IsDryRun() || opts.IsYes() {
		return nil
	}
	if err := writef(out, "About to %s.\nContinue? [y/N]: ", action); err != nil {
		return fmt.Errorf("print confirmation prompt: %w", err)
	}
	resp, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read confirmation: %w", err)
	}
	resp = strings.ToLower(strings.TrimSpace(resp))
	if resp == "y" || resp == "yes" {
		return nil
	}
	return errors.New("aborted by user")
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
