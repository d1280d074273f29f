// Package loop drives the iteration cycle: recalibrate the governor,
// collect validation and training rollouts, compute advantages, pack
// tensors, run the tuning step, and maintain the checkpoint set.
package loop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/gastownhall/rolltune/internal/advantage"
	"github.com/gastownhall/rolltune/internal/backend"
	"github.com/gastownhall/rolltune/internal/earlystop"
	"github.com/gastownhall/rolltune/internal/governor"
	"github.com/gastownhall/rolltune/internal/metrics"
	"github.com/gastownhall/rolltune/internal/pack"
	"github.com/gastownhall/rolltune/internal/rollout"
	"github.com/gastownhall/rolltune/internal/runcfg"
	"github.com/gastownhall/rolltune/internal/store"
)

// CapacityFunc reports the backend's maximum concurrent token throughput.
type CapacityFunc func(ctx context.Context) (int, error)

// Options wires the loop's collaborators. Everything external is an
// interface or function so tests can run the loop hermetically.
type Options struct {
	Run       runcfg.Run
	Store     *store.Store
	Metrics   metrics.Logger
	Generator rollout.Generator
	Capacity  CapacityFunc
	Tuner     backend.TuneRunner

	// Syncer mirrors retained checkpoints off-box; nil disables syncing.
	Syncer store.Syncer

	Stdout io.Writer
	Stderr io.Writer
}

// Loop runs training iterations until the configured count is reached or
// a fatal condition stops it.
type Loop struct {
	opts Options
	cfg  runcfg.Config
	gov  *governor.Governor

	// expected is the per-choice completion length estimate, recalibrated
	// each iteration from observed averages.
	expected int

	syncWG sync.WaitGroup
}

// New validates opts and creates a Loop.
func New(opts Options) (*Loop, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("loop: store is required")
	case opts.Metrics == nil:
		return nil, fmt.Errorf("loop: metrics logger is required")
	case opts.Generator == nil:
		return nil, fmt.Errorf("loop: generator is required")
	case opts.Capacity == nil:
		return nil, fmt.Errorf("loop: capacity func is required")
	case opts.Tuner == nil:
		return nil, fmt.Errorf("loop: tuner is required")
	case opts.Stdout == nil || opts.Stderr == nil:
		return nil, fmt.Errorf("loop: stdout and stderr are required")
	}
	return &Loop{
		opts:     opts,
		cfg:      opts.Run.Config,
		expected: opts.Run.Config.ExpectedCompletionTokens,
	}, nil
}

// Run executes the configured number of iterations. It returns on the
// first fatal error, on context cancellation, or after all iterations
// complete; background sync work is always drained before returning.
func (l *Loop) Run(ctx context.Context) error {
	defer l.syncWG.Wait()

	trainTasks, valTasks, err := l.loadTasks()
	if err != nil {
		return err
	}

	for i := 0; i < l.cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.iterate(ctx, trainTasks, valTasks); err != nil {
			return err
		}
	}
	return nil
}

func (l *Loop) loadTasks() (train, val []rollout.Task, err error) {
	grader := &rollout.CommandGrader{Command: l.cfg.Tasks.Grader}
	train, err = rollout.LoadTasks(l.cfg.Tasks.TrainPath, grader)
	if err != nil {
		return nil, nil, err
	}
	if l.cfg.Tasks.ValPath != "" {
		val, err = rollout.LoadTasks(l.cfg.Tasks.ValPath, grader)
		if err != nil {
			return nil, nil, err
		}
	}
	return train, val, nil
}

// iterate runs one full cycle. Partial failures are absorbed into the
// printed summary; only zero-signal collection, tuning failure, and
// cancellation abort the run.
func (l *Loop) iterate(ctx context.Context, trainTasks, valTasks []rollout.Task) error {
	cur, err := l.opts.Store.CurrentIteration()
	if err != nil {
		return err
	}

	if err := l.recalibrate(ctx); err != nil {
		return err
	}

	collector, err := l.newCollector()
	if err != nil {
		return err
	}

	stepValues := map[string]float64{}

	if len(valTasks) > 0 {
		_, valStats, err := collector.Collect(ctx, valTasks, 1)
		if err != nil {
			return fmt.Errorf("validation collection: %w", err)
		}
		stepValues[metrics.ValReward] = valStats.MeanReward()
		stepValues["val_exceptions"] = float64(valStats.Exceptions)
		fmt.Fprintf(l.opts.Stdout, "iteration %d validation: reward %.4f over %d tasks (%d exceptions)\n",
			cur, valStats.MeanReward(), len(valTasks), valStats.Exceptions)
	}

	tasks := trainTasks
	if n := l.cfg.Tasks.PerIteration; n > 0 && n < len(tasks) {
		offset := (cur * n) % len(tasks)
		tasks = rotate(tasks, offset)[:n]
	}

	groups, stats, err := collector.Collect(ctx, tasks, l.cfg.Samples)
	summarize(l.opts.Stdout, cur, stats)
	if err != nil {
		return fmt.Errorf("training collection: %w", err)
	}

	stepValues["train_reward"] = stats.MeanReward()
	stepValues["completion_tokens"] = stats.MeanCompletionTokens()
	stepValues["exceptions"] = float64(stats.Exceptions)
	stepValues["early_stops"] = float64(stats.EarlyStops)
	for k, v := range stats.Metrics {
		stepValues[k] = v
	}
	if err := l.opts.Metrics.Log(cur, stepValues); err != nil {
		return err
	}

	// Use this iteration's observed lengths for the next budget sizing.
	if mean := stats.MeanCompletionTokens(); mean >= 1 {
		l.expected = int(mean)
	}

	res := advantage.Compute(groups)
	if len(res.Samples) == 0 {
		fmt.Fprintf(l.opts.Stderr,
			"iteration %d: no samples with learning signal (%d uniform groups, %d small); skipping tune\n",
			cur, res.UniformGroups, res.SmallGroups)
		return nil
	}

	packed, err := pack.Pack(sequences(res.Samples), l.cfg.SeqLen, l.cfg.PadTokenID)
	if err != nil {
		return err
	}
	for _, o := range packed.Oversized {
		fmt.Fprintf(l.opts.Stderr, "iteration %d: sample %s/%d is %d tokens, over seq_len %d; dropped\n",
			cur, o.TaskID, o.Choice, o.Len, l.cfg.SeqLen)
	}
	if len(packed.Buffers) == 0 {
		return fmt.Errorf("iteration %d: every sample exceeded seq_len %d", cur, l.cfg.SeqLen)
	}

	tensorsDir := filepath.Join(l.opts.Store.Root, "tensors")
	if _, err := pack.WriteDir(tensorsDir, packed, l.cfg.SeqLen, l.cfg.PadTokenID); err != nil {
		return err
	}

	checkpoint, _, err := l.opts.Store.LatestCheckpoint()
	if err != nil {
		return err
	}
	produced, err := l.opts.Tuner.Tune(ctx, backend.TuneConfig{
		Model:         l.cfg.Model,
		LearningRate:  l.cfg.Tune.LearningRate,
		BatchSize:     l.cfg.Tune.BatchSize,
		ClipEpsilon:   l.cfg.Tune.ClipEpsilon,
		EntropyCoef:   l.cfg.Tune.EntropyCoef,
		KLCoef:        l.cfg.Tune.KLCoef,
		Seed:          l.cfg.Seed,
		TensorsDir:    tensorsDir,
		CheckpointDir: checkpoint,
		OutputDir:     l.opts.Store.Root,
	})
	if err != nil {
		return err
	}

	next, nextDir, err := l.opts.Store.RecordCheckpoint(produced)
	if err != nil {
		return err
	}
	fmt.Fprintf(l.opts.Stdout, "iteration %d: checkpoint recorded at %s\n", next, nextDir)
	l.sync(ctx, nextDir)

	l.prune(ctx, next)
	return nil
}

// prune retains the best and current iterations. Pruning failures are
// logged and never stop the loop.
func (l *Loop) prune(ctx context.Context, current int) {
	keep := []int{current}
	if best, ok := l.bestIteration(); ok {
		keep = append(keep, best)
	}
	pruned, err := l.opts.Store.Retain(keep...)
	if err != nil {
		fmt.Fprintf(l.opts.Stderr, "pruning checkpoints: %v\n", err)
		return
	}
	if len(pruned) > 0 {
		fmt.Fprintf(l.opts.Stdout, "pruned iterations %v, kept %v\n", pruned, keep)
		l.sync(ctx, l.opts.Store.Root)
	}
}

// bestIteration queries the recorded metrics history for the highest
// validation reward, preferring the later iteration on ties.
func (l *Loop) bestIteration() (int, bool) {
	path, ok, err := metrics.LatestLog(l.opts.Store.Root)
	if err != nil || !ok {
		return 0, false
	}
	records, err := metrics.ReadLog(path)
	if err != nil {
		fmt.Fprintf(l.opts.Stderr, "reading metrics history: %v\n", err)
		return 0, false
	}
	return metrics.Best(records)
}

// sync mirrors dir to remote storage in the background. Failures are
// logged, never blocking; the remote converges on a later trigger.
func (l *Loop) sync(ctx context.Context, dir string) {
	if l.opts.Syncer == nil {
		return
	}
	l.syncWG.Add(1)
	go func() {
		defer l.syncWG.Done()
		if err := l.opts.Syncer.Sync(ctx, dir); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintf(l.opts.Stderr, "syncing %s: %v\n", dir, err)
		}
	}()
}

// recalibrate resizes the token budget from the backend's reported
// capacity and the current completion length estimate.
func (l *Loop) recalibrate(ctx context.Context) error {
	capacity, err := l.opts.Capacity(ctx)
	if err != nil {
		return fmt.Errorf("querying backend capacity: %w", err)
	}
	budget := governor.Budget(capacity, l.expected, l.cfg.Headroom)
	if l.gov == nil {
		l.gov, err = governor.New(budget)
		return err
	}
	l.gov.Resize(budget)
	return nil
}

func (l *Loop) newCollector() (*rollout.Collector, error) {
	opts := rollout.Options{
		Generator: l.opts.Generator,
		Governor:  l.gov,
		Sampling: rollout.Sampling{
			Model:       l.cfg.Model,
			Temperature: l.cfg.Temperature,
			MaxTokens:   l.cfg.MaxTokens,
			Seed:        l.cfg.Seed,
		},
		GradeTruncated:           l.cfg.EarlyStop.GradeTruncated,
		ExpectedCompletionTokens: l.expected,
	}
	if l.cfg.EarlyStop.Enabled {
		opts.EarlyStop = earlystop.Params{
			Alpha:     l.cfg.EarlyStop.Alpha,
			Threshold: l.cfg.EarlyStop.Threshold,
			MinTokens: l.cfg.EarlyStop.MinTokens,
		}
	}
	return rollout.NewCollector(opts)
}

// summarize always prints the iteration's collection summary, even when
// individual samples failed.
func summarize(w io.Writer, iteration int, stats rollout.Stats) {
	fmt.Fprintf(w, "iteration %d: reward %.4f over %d grades, %.1f mean completion tokens, %d exceptions, %d early stops\n",
		iteration, stats.MeanReward(), stats.Grades, stats.MeanCompletionTokens(), stats.Exceptions, stats.EarlyStops)
}

func sequences(samples []advantage.Sample) []pack.Sequence {
	seqs := make([]pack.Sequence, len(samples))
	for i, s := range samples {
		seqs[i] = pack.Sequence{
			TaskID:           s.TaskID,
			Choice:           s.Choice,
			PromptTokens:     s.PromptTokenIDs,
			CompletionTokens: s.TokenIDs,
			Logprobs:         s.Logprobs,
			Advantage:        s.Advantage,
		}
	}
	return seqs
}

func rotate(tasks []rollout.Task, offset int) []rollout.Task {
	out := make([]rollout.Task, 0, len(tasks))
	out = append(out, tasks[offset:]...)
	out = append(out, tasks[:offset]...)
	return out
}
