package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"rfgrid/pkg/model"
)

type submitFlags struct {
	file          string
	name          string
	jobType       string
	freq          string
	bandwidthHz   int64
	minNodes      int
	tier          string
	priority      int
	minDistanceKm float64
	spread        bool
	params        []string
	count         int
}

func newSubmitCmd(opts *options) *cobra.Command {
	f := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a measurement job",
		Long: `Submit a measurement job either from flags or from a YAML/JSON spec file.

The spec file uses the same field names as the API, for example:

  type: direction-finding
  priority: 5
  requirement:
    frequency: {low_hz: 433000000, high_hz: 435000000}
    min_nodes: 3
    tier: time
    spread: {min_distance_km: 10}`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := f.spec()
			if err != nil {
				return err
			}
			if f.count > 1 {
				return submitBatch(cmd, opts, spec, f.count)
			}
			id, err := opts.client().SubmitJob(cmd.Context(), spec)
			if err != nil {
				return fmt.Errorf("failed to submit job: %w", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), map[string]string{"id": id})
			}
			fprintf(cmd.OutOrStdout(), "Job submitted: %s\n", id)
			fprintf(cmd.OutOrStdout(), "Follow it with: rfgrid-cli job get %s\n", id)
			return nil
		},
	}
	cmd.Flags().IntVarP(&f.count, "count", "n", 1, "submit the same spec N times (load test)")
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "job spec file (YAML or JSON)")
	cmd.Flags().StringVar(&f.name, "name", "", "job name")
	cmd.Flags().StringVar(&f.jobType, "type", string(model.JobSpectrumScan), "spectrum-scan, direction-finding or propagation-test")
	cmd.Flags().StringVar(&f.freq, "freq", "", "frequency range in MHz, e.g. 433-435")
	cmd.Flags().Int64Var(&f.bandwidthHz, "bandwidth", 0, "required instantaneous bandwidth in Hz")
	cmd.Flags().IntVar(&f.minNodes, "min-nodes", 1, "number of nodes to allocate")
	cmd.Flags().StringVar(&f.tier, "tier", "none", "minimum sync tier: none, frequency, time, phase")
	cmd.Flags().IntVar(&f.priority, "priority", 0, "higher runs first")
	cmd.Flags().Float64Var(&f.minDistanceKm, "min-distance", 0, "minimum pairwise node distance in km")
	cmd.Flags().BoolVar(&f.spread, "spread", false, "prefer geographically spread nodes")
	cmd.Flags().StringArrayVar(&f.params, "param", nil, "measurement parameter key=value (repeatable)")
	return cmd
}

func (f *submitFlags) spec() (model.JobSpec, error) {
	if f.file != "" {
		return loadSpecFile(f.file)
	}
	var spec model.JobSpec
	if f.freq == "" {
		return spec, fmt.Errorf("--freq or --file is required")
	}
	fr, err := parseMHzRange(f.freq)
	if err != nil {
		return spec, err
	}
	tier, err := model.ParseTier(f.tier)
	if err != nil {
		return spec, err
	}
	spec = model.JobSpec{
		Name:     f.name,
		Type:     model.JobType(f.jobType),
		Priority: f.priority,
		Requirement: model.Requirement{
			Frequency:   fr,
			BandwidthHz: f.bandwidthHz,
			MinNodes:    f.minNodes,
			Tier:        tier,
		},
	}
	if f.spread || f.minDistanceKm > 0 {
		spec.Requirement.Spread = &model.SpreadConstraint{MinDistanceKm: f.minDistanceKm}
	}
	for _, p := range f.params {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return spec, fmt.Errorf("invalid --param %q, expected key=value", p)
		}
		if spec.Params == nil {
			spec.Params = make(map[string]string)
		}
		spec.Params[k] = v
	}
	return spec, nil
}

// loadSpecFile YAML 先转成 JSON 再解码，这样文件里的字段名和 API 完全一致
func loadSpecFile(path string) (model.JobSpec, error) {
	var spec model.JobSpec
	data, err := os.ReadFile(path)
	if err != nil {
		return spec, fmt.Errorf("read spec file: %w", err)
	}
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return spec, fmt.Errorf("parse spec file %s: %w", path, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return spec, fmt.Errorf("convert spec file %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &spec); err != nil {
		return spec, fmt.Errorf("decode spec file %s: %w", path, err)
	}
	return spec, nil
}

func parseMHzRange(s string) (model.FrequencyRange, error) {
	lo, hi, ok := strings.Cut(s, "-")
	if !ok {
		return model.FrequencyRange{}, fmt.Errorf("invalid frequency range %q, expected LOW-HIGH in MHz", s)
	}
	l, err := strconv.ParseFloat(strings.TrimSpace(lo), 64)
	if err != nil {
		return model.FrequencyRange{}, fmt.Errorf("invalid low frequency %q: %w", lo, err)
	}
	h, err := strconv.ParseFloat(strings.TrimSpace(hi), 64)
	if err != nil {
		return model.FrequencyRange{}, fmt.Errorf("invalid high frequency %q: %w", hi, err)
	}
	return model.MHz(l, h), nil
}

// submitBatch 并发提交 n 份相同规格，最多 50 个请求同时在途
func submitBatch(cmd *cobra.Command, opts *options, spec model.JobSpec, n int) error {
	c := opts.client()
	start := time.Now()
	var failed atomic.Int64
	ids := make([]string, n)

	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(50)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			id, err := c.SubmitJob(ctx, spec)
			if err != nil {
				failed.Add(1)
				fprintf(cmd.ErrOrStderr(), "submit #%d: %v\n", i, err)
				return nil
			}
			ids[i] = id
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	if opts.json {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"submitted": n - int(failed.Load()),
			"failed":    failed.Load(),
			"ids":       ids,
			"elapsed":   elapsed.String(),
		})
	}
	out := cmd.OutOrStdout()
	fprintf(out, "Submitted: %d/%d\n", n-int(failed.Load()), n)
	fprintf(out, "Elapsed:   %v\n", elapsed)
	fprintf(out, "Rate:      %.2f jobs/s\n", float64(n)/elapsed.Seconds())
	if failed.Load() > 0 {
		return fmt.Errorf("%d of %d submissions failed", failed.Load(), n)
	}
	return nil
}

func newJobCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Job management commands",
	}
	cmd.AddCommand(newJobGetCmd(opts), newJobListCmd(opts), newJobCancelCmd(opts), newJobLogsCmd(opts))
	return cmd
}

func newJobGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show a job with its allocation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.client().GetJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to get job: %w", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), job)
			}
			printJob(cmd, job)
			return nil
		},
	}
}

func printJob(cmd *cobra.Command, job *model.Job) {
	out := cmd.OutOrStdout()
	fprintf(out, "ID:        %s\n", job.ID)
	fprintf(out, "Type:      %s\n", job.Spec.Type)
	fprintf(out, "State:     %s\n", job.State)
	fprintf(out, "Reason:    %s\n", orDash(job.Reason))
	fprintf(out, "Priority:  %d\n", job.Spec.Priority)
	fprintf(out, "Frequency: %s\n", job.Spec.Requirement.Frequency)
	fprintf(out, "Nodes:     %d (tier >= %s)\n", job.Spec.Requirement.MinNodes, job.Spec.Requirement.Tier)
	fprintf(out, "Submitted: %s\n", formatTime(&job.SubmittedAt))
	fprintf(out, "Started:   %s\n", formatTime(job.StartedAt))
	fprintf(out, "Ended:     %s\n", formatTime(job.EndedAt))

	if len(job.Allocations) > 0 {
		fprintf(out, "\nAllocations:\n")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fprintf(w, "NODE\tDEVICE\tROLE\tSTATUS\tRELEASED\tREASON\n")
		for _, al := range job.Allocations {
			fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", al.NodeID, al.DeviceID, al.Role, al.Status,
				formatTime(al.ReleasedAt), orDash(al.ReleaseReason))
		}
		_ = w.Flush()
	}
	if len(job.History) > 0 {
		fprintf(out, "\nHistory:\n")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, h := range job.History {
			fprintf(w, "%s\t%s -> %s\t%s\n", formatTime(&h.At), orDash(string(h.From)), h.To, h.Reason)
		}
		_ = w.Flush()
	}
	if len(job.Results) > 0 {
		fprintf(out, "\nResults: %d\n", len(job.Results))
	}
}

func newJobListCmd(opts *options) *cobra.Command {
	var states string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in submission order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter []model.JobState
			if states != "" {
				for _, s := range strings.Split(states, ",") {
					filter = append(filter, model.JobState(strings.TrimSpace(s)))
				}
			}
			jobs, err := opts.client().ListJobs(cmd.Context(), filter...)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), jobs)
			}
			if len(jobs) == 0 {
				fprintf(cmd.OutOrStdout(), "No jobs found\n")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fprintf(w, "ID\tTYPE\tSTATE\tPRIORITY\tNODES\tSUBMITTED\tREASON\n")
			for _, j := range jobs {
				fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\n", j.ID, j.Spec.Type, j.State, j.Spec.Priority,
					len(j.ActiveAllocations()), j.Spec.Requirement.MinNodes, formatTime(&j.SubmittedAt), orDash(j.Reason))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&states, "state", "", "comma separated states to include")
	return cmd
}

func newJobCancelCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job and release its devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := opts.client().CancelJob(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to cancel job: %w", err)
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), job)
			}
			fprintf(cmd.OutOrStdout(), "Job %s: %s\n", job.ID, job.State)
			return nil
		},
	}
}

func newJobLogsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logs <job-id> <node-id>",
		Short: "Print the raw measurement output a node reported",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := opts.client().JobLog(cmd.Context(), args[0], args[1])
			if err != nil {
				return fmt.Errorf("failed to get logs: %w", err)
			}
			fprintf(cmd.OutOrStdout(), "%s", text)
			return nil
		},
	}
}
