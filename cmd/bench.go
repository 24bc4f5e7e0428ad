package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/inference-runtime/engine"
	"github.com/inference-sim/inference-runtime/engine/journal"
	"github.com/inference-sim/inference-runtime/engine/pipeline"
	"github.com/inference-sim/inference-runtime/engine/refmodel"
	"github.com/inference-sim/inference-runtime/engine/trace"
)

// benchConfig describes one synthetic load run.
type benchConfig struct {
	Sessions      int    // concurrent sessions
	PromptTokens  int    // prompt length of every session
	DecodeSteps   int    // greedy decode steps after the prompt
	Seed          int64  // model weights and prompt generation
	ParallelHeads bool   // fan attention heads out inside the model
	JournalPath   string // optional SQLite journal of every request
}

var bench benchConfig

// benchCmd drives synthetic sessions through the runtime with the reference model.
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run synthetic prefill and decode sessions against the reference model",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := resolveOptions(cmd)
		if err != nil {
			return err
		}
		return runBench(cmd.Context(), opts, bench, cmd.OutOrStdout())
	},
}

func init() {
	benchCmd.Flags().IntVar(&bench.Sessions, "sessions", 8, "Number of concurrent sessions")
	benchCmd.Flags().IntVar(&bench.PromptTokens, "prompt-tokens", 16, "Prompt length per session")
	benchCmd.Flags().IntVar(&bench.DecodeSteps, "decode-steps", 32, "Decode steps per session")
	benchCmd.Flags().Int64Var(&bench.Seed, "seed", 42, "Seed for model weights and prompts")
	benchCmd.Flags().BoolVar(&bench.ParallelHeads, "parallel-heads", false, "Compute attention heads concurrently")
	benchCmd.Flags().StringVar(&bench.JournalPath, "journal", "", "Record every request into this SQLite file")
}

// benchTotals aggregates per-session outcomes.
type benchTotals struct {
	requests atomic.Int64
	retries  atomic.Int64
	tokens   atomic.Int64
}

func runBench(ctx context.Context, opts engine.Options, bc benchConfig, w io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if bc.Sessions <= 0 {
		return fmt.Errorf("sessions must be > 0, got %d", bc.Sessions)
	}
	if bc.PromptTokens <= 0 || bc.PromptTokens > opts.MaxTokensPerSession {
		return fmt.Errorf("prompt-tokens must be in [1, %d], got %d", opts.MaxTokensPerSession, bc.PromptTokens)
	}
	if bc.DecodeSteps < 0 {
		return fmt.Errorf("decode-steps must be >= 0, got %d", bc.DecodeSteps)
	}

	cfg := refmodel.DefaultConfig()
	cfg.Seed = bc.Seed
	cfg.Parallel = bc.ParallelHeads && !opts.DeterministicMode
	model := refmodel.New(cfg)

	rt, err := pipeline.New(model, opts)
	if err != nil {
		return err
	}
	rt.Start(ctx)
	defer rt.Close()

	var j *journal.Journal
	if bc.JournalPath != "" {
		if j, err = journal.Open(bc.JournalPath); err != nil {
			return err
		}
		defer j.Close()
	}

	logrus.Infof("bench: %d sessions, %d prompt tokens, %d decode steps, model %v",
		bc.Sessions, bc.PromptTokens, bc.DecodeSteps, model.Shape())

	var totals benchTotals
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	if opts.DeterministicMode {
		g.SetLimit(1)
	}
	for i := 0; i < bc.Sessions; i++ {
		rng := rand.New(rand.NewSource(bc.Seed + int64(i)))
		prompt := make([]int, bc.PromptTokens)
		for k := range prompt {
			prompt[k] = rng.Intn(cfg.VocabSize)
		}
		g.Go(func() error {
			return runSession(gctx, rt, j, prompt, bc.DecodeSteps, &totals)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	wall := time.Since(start)

	logrus.Infof("bench: %d requests in %v", totals.requests.Load(), wall)
	printBenchReport(w, rt, &totals, wall)
	if j != nil {
		summary, err := j.Summary(ctx)
		if err != nil {
			return err
		}
		printJournalSummary(w, summary)
	}
	return nil
}

// runSession prefills one session and decodes greedily from its own logits.
func runSession(ctx context.Context, rt *pipeline.Runtime, j *journal.Journal, prompt []int, steps int, totals *benchTotals) error {
	id := engine.NewSessionID()
	defer rt.Release(id)

	logits, err := roundTrip(ctx, rt, j, id, engine.PhasePrefill, prompt, totals)
	if err != nil {
		return err
	}
	for s := 0; s < steps; s++ {
		next := refmodel.ArgMax(logits)
		if logits, err = roundTrip(ctx, rt, j, id, engine.PhaseDecode, []int{next}, totals); err != nil {
			return err
		}
	}
	return nil
}

// roundTrip submits one request, backing off while the runtime pushes back, and
// waits for its result.
func roundTrip(ctx context.Context, rt *pipeline.Runtime, j *journal.Journal, id engine.SessionID, phase engine.Phase, payload []int, totals *benchTotals) ([]float32, error) {
	backoff := time.Millisecond
	for {
		req, err := rt.Submit(ctx, id, phase, payload)
		if err == nil {
			res, err := rt.Await(ctx, id)
			totals.requests.Add(1)
			if jerr := j.Record(ctx, journal.FromResult(req, res, time.Now())); jerr != nil {
				logrus.Warnf("journal: %v", jerr)
			}
			if err == nil {
				totals.tokens.Add(int64(res.Metrics.TokensProcessed))
				return res.Logits, nil
			}
			if !engine.IsRetryable(err) {
				return nil, fmt.Errorf("session %s %s: %w", id, phase, err)
			}
		} else if !engine.IsRetryable(err) {
			return nil, fmt.Errorf("session %s %s: %w", id, phase, err)
		}

		totals.retries.Add(1)
		logrus.Debugf("session %s %s: %v, retrying in %v", id, phase, err, backoff)
		select {
		case <-ctx.Done():
			return nil, errors.Join(err, ctx.Err())
		case <-time.After(backoff):
		}
		backoff = min(2*backoff, 100*time.Millisecond)
	}
}

func newReportTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.SetTablePadding("    ")
	return table
}

func printBenchReport(w io.Writer, rt *pipeline.Runtime, totals *benchTotals, wall time.Duration) {
	cache := rt.GetCacheStats()
	st := rt.GetSchedulerStats()
	tel := rt.Telemetry()

	fmt.Fprintln(w, "=== Run ===")
	run := newReportTable(w, []string{"METRIC", "VALUE"})
	run.AppendBulk([][]string{
		{"Wall time", wall.String()},
		{"Requests", fmt.Sprint(totals.requests.Load())},
		{"Retries", fmt.Sprint(totals.retries.Load())},
		{"Tokens", fmt.Sprint(totals.tokens.Load())},
		{"Tokens/s", fmt.Sprintf("%.1f", float64(totals.tokens.Load())/wall.Seconds())},
	})
	run.Render()

	fmt.Fprintln(w, "=== Cache ===")
	ct := newReportTable(w, []string{"METRIC", "VALUE"})
	ct.AppendBulk([][]string{
		{"Resident sessions", fmt.Sprint(cache.Sessions)},
		{"Resident bytes", fmt.Sprint(cache.Bytes)},
		{"Hits", fmt.Sprint(cache.Hits)},
		{"Misses", fmt.Sprint(cache.Misses)},
		{"Hit rate", fmt.Sprintf("%.3f", cache.HitRate)},
		{"Evictions", fmt.Sprint(cache.Evictions)},
		{"Slides", fmt.Sprint(cache.Slides)},
		{"Pooled buffers", fmt.Sprint(cache.PooledBuffers)},
		{"Buffer allocs", fmt.Sprint(cache.BufferAllocs)},
		{"Buffer reuses", fmt.Sprint(cache.BufferReuses)},
	})
	ct.Render()

	fmt.Fprintln(w, "=== Scheduler ===")
	sch := newReportTable(w, []string{"METRIC", "VALUE"})
	sch.AppendBulk([][]string{
		{"Submitted", fmt.Sprint(st.Submitted)},
		{"Rejected", fmt.Sprint(st.Rejected)},
		{"Completed", fmt.Sprint(st.Completed)},
		{"Failed", fmt.Sprint(st.Failed)},
		{"Canceled", fmt.Sprint(st.Canceled)},
		{"Timed out", fmt.Sprint(st.TimedOut)},
		{"Batches", fmt.Sprint(st.BatchesDispatched)},
		{"Avg batch size", fmt.Sprintf("%.2f", st.AvgBatchSize)},
		{"Avg queue wait", st.AvgWaitTime.String()},
	})
	sch.Render()

	fmt.Fprintln(w, "=== Telemetry ===")
	tt := newReportTable(w, []string{"PHASE", "CALLS", "TOKENS", "TIME", "TOKENS/S"})
	tt.AppendBulk([][]string{
		{"prefill", fmt.Sprint(tel.PrefillCalls), fmt.Sprint(tel.PrefillTokens), tel.PrefillTime.String(), fmt.Sprintf("%.1f", tel.PrefillTokensPerSecond)},
		{"decode", fmt.Sprint(tel.DecodeCalls), fmt.Sprint(tel.DecodeTokens), tel.DecodeTime.String(), fmt.Sprintf("%.1f", tel.DecodeTokensPerSecond)},
	})
	tt.Render()
	fmt.Fprintf(w, "Time to first token: %v, decode p50: %v, decode p99: %v\n",
		tel.TimeToFirstToken, tel.DecodeLatencyP50, tel.DecodeLatencyP99)

	if rec := rt.Trace(); rec != nil {
		summary := trace.Summarize(rec)
		fmt.Fprintln(w, "=== Trace ===")
		tr := newReportTable(w, []string{"METRIC", "VALUE"})
		tr.AppendBulk([][]string{
			{"Batches", fmt.Sprint(summary.TotalBatches)},
			{"Full batches", fmt.Sprint(summary.FullBatches)},
			{"Partial batches", fmt.Sprint(summary.PartialBatches)},
			{"Mean batch size", fmt.Sprintf("%.2f", summary.MeanBatchSize)},
			{"Max oldest wait", summary.MaxOldestWait.String()},
			{"Evictions", fmt.Sprint(summary.TotalEvictions)},
			{"Sessions seen", fmt.Sprint(summary.UniqueSessionsSeen)},
		})
		tr.Render()
	}
}

func printJournalSummary(w io.Writer, rows []journal.PhaseSummary) {
	fmt.Fprintln(w, "=== Journal ===")
	table := newReportTable(w, []string{"PHASE", "OUTCOME", "COUNT", "TOKENS", "AVG WAIT", "AVG ELAPSED"})
	for _, r := range rows {
		table.Append([]string{r.Phase, r.Outcome, fmt.Sprint(r.Count), fmt.Sprint(r.Tokens), r.AvgQueueWait.String(), r.AvgElapsed.String()})
	}
	table.Render()
}
