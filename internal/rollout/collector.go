package rollout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gastownhall/rolltune/internal/backend"
	"github.com/gastownhall/rolltune/internal/earlystop"
	"github.com/gastownhall/rolltune/internal/governor"
)

// ErrNoSignal indicates a collection round produced zero gradable samples
// or zero usable token totals. An empty result set cannot produce a
// training or validation signal, so this aborts the iteration.
var ErrNoSignal = errors.New("collection produced no usable signal")

// ChunkStream is the consumer side of one generation call.
type ChunkStream interface {
	Recv() (backend.Chunk, error)
	Close()
}

// Generator opens streaming generation requests. *backend.Client satisfies
// it through ClientGenerator; tests substitute fakes.
type Generator interface {
	Generate(ctx context.Context, req backend.GenerateRequest) (ChunkStream, error)
}

// ClientGenerator adapts *backend.Client to the Generator interface.
type ClientGenerator struct {
	Client *backend.Client
}

// Generate opens a stream via the underlying client.
func (g ClientGenerator) Generate(ctx context.Context, req backend.GenerateRequest) (ChunkStream, error) {
	return g.Client.Generate(ctx, req)
}

// Sampling holds the per-request sampling options shared by a round.
type Sampling struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Seed        int
}

// Options configures a Collector.
type Options struct {
	Generator Generator
	Governor  *governor.Governor
	Sampling  Sampling

	// EarlyStop configures the per-stream monitors. Zero value disables
	// early stopping entirely.
	EarlyStop earlystop.Params

	// GradeTruncated controls whether an early-stopped stream's partial
	// completion is handed to the grader. When false, early-stopped
	// samples are excluded with zero reward (an exclusion, not an error).
	GradeTruncated bool

	// ExpectedCompletionTokens is the per-choice token cost estimate used
	// when acquiring governor budget.
	ExpectedCompletionTokens int
}

// Collector fans out concurrent generation requests under a token budget.
type Collector struct {
	opts Options
}

// NewCollector validates opts and creates a Collector.
func NewCollector(opts Options) (*Collector, error) {
	if opts.Generator == nil {
		return nil, fmt.Errorf("collector: generator is required")
	}
	if opts.Governor == nil {
		return nil, fmt.Errorf("collector: governor is required")
	}
	if opts.ExpectedCompletionTokens < 1 {
		return nil, fmt.Errorf("collector: expected completion tokens must be positive, got %d",
			opts.ExpectedCompletionTokens)
	}
	if opts.EarlyStop != (earlystop.Params{}) {
		if err := opts.EarlyStop.Validate(); err != nil {
			return nil, fmt.Errorf("collector: %w", err)
		}
	}
	return &Collector{opts: opts}, nil
}

// Collect issues one n-choice generation request per task, grades completed
// choices as they finish, and aggregates per-task groups.
//
// Individual request and grading failures are absorbed into stats; Collect
// fails only when the whole batch yields no signal (ErrNoSignal) or the
// context is cancelled. No goroutine outlives the call.
func (c *Collector) Collect(ctx context.Context, tasks []Task, n int) ([]Group, Stats, error) {
	if n < 1 {
		return nil, Stats{}, fmt.Errorf("collect: n must be at least 1, got %d", n)
	}
	if len(tasks) == 0 {
		return nil, Stats{}, fmt.Errorf("collect: no tasks")
	}

	groups := make([]Group, len(tasks))
	var (
		mu    sync.Mutex
		stats Stats
	)

	eg, ctx := errgroup.WithContext(ctx)
	for i, task := range tasks {
		eg.Go(func() error {
			group, taskStats, err := c.collectTask(ctx, task, n)
			mu.Lock()
			groups[i] = group
			mergeStats(&stats, taskStats)
			mu.Unlock()
			// Only cancellation propagates; per-task failures are
			// already accounted in taskStats.
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, stats, err
	}

	if stats.Grades == 0 || stats.Usages == 0 {
		return nil, stats, fmt.Errorf("%w: %d grades, %d usages over %d tasks",
			ErrNoSignal, stats.Grades, stats.Usages, len(tasks))
	}
	return groups, stats, nil
}

// choiceState accumulates one choice's stream.
type choiceState struct {
	tokens   []int
	logprobs []float64
	monitor  *earlystop.Monitor
	usage    *backend.Usage
	done     bool
	stopped  bool
}

// collectTask runs one task's request, stream consumption, and grading.
// All failures are folded into the returned stats; the error return is
// reserved for context cancellation.
func (c *Collector) collectTask(ctx context.Context, task Task, n int) (Group, Stats, error) {
	var stats Stats
	group := Group{TaskID: task.ID}

	cost := n * c.opts.ExpectedCompletionTokens
	if err := c.opts.Governor.Acquire(ctx, cost); err != nil {
		return group, stats, err
	}
	defer c.opts.Governor.Release(cost)

	stream, err := c.opts.Generator.Generate(ctx, backend.GenerateRequest{
		Model:       c.opts.Sampling.Model,
		Prompt:      task.Prompt,
		N:           n,
		MaxTokens:   c.opts.Sampling.MaxTokens,
		Temperature: c.opts.Sampling.Temperature,
		Seed:        c.opts.Sampling.Seed,
		Logprobs:    true,
	})
	if err != nil {
		stats.Exceptions++
		return group, stats, nil
	}
	defer stream.Close()

	choices := make([]*choiceState, n)
	for i := range choices {
		choices[i] = &choiceState{}
		if c.opts.EarlyStop != (earlystop.Params{}) {
			choices[i].monitor = earlystop.New(c.opts.EarlyStop)
		}
	}

	streamErr := c.consume(ctx, stream, &group, choices, &stats)
	if streamErr != nil {
		if ctx.Err() != nil {
			return group, stats, ctx.Err()
		}
		// A broken stream loses the unfinished choices but the finished
		// ones are still gradable below.
		stats.Exceptions++
	}

	c.grade(ctx, task, &group, choices, &stats)
	return group, stats, nil
}

// consume pulls chunks until every choice is done or stopped, feeding each
// token to that choice's early-stop monitor. Chunks for choices already
// finished are discarded; within one choice, chunks arrive in emission order.
func (c *Collector) consume(ctx context.Context, stream ChunkStream, group *Group, choices []*choiceState, stats *Stats) error {
	finished := 0
	for finished < len(choices) {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk, err := stream.Recv()
		if err == io.EOF {
			// Server closed early; remaining choices stay unfinished.
			return nil
		}
		if err != nil {
			return err
		}
		if chunk.Choice < 0 {
			if len(chunk.PromptTokenIDs) > 0 {
				group.PromptTokenIDs = chunk.PromptTokenIDs
			}
			continue
		}
		if chunk.Choice >= len(choices) {
			return fmt.Errorf("stream chunk for unknown choice %d", chunk.Choice)
		}
		cs := choices[chunk.Choice]
		if cs.done || cs.stopped {
			continue
		}

		cs.tokens = append(cs.tokens, chunk.TokenID)
		if chunk.Logprob != nil {
			cs.logprobs = append(cs.logprobs, *chunk.Logprob)
			if cs.monitor != nil && cs.monitor.Observe(*chunk.Logprob) {
				cs.stopped = true
				stats.EarlyStops++
				finished++
				continue
			}
		}
		if chunk.Done {
			cs.done = true
			cs.usage = chunk.Usage
			if cs.usage != nil {
				stats.Usages++
				stats.CompletionTokens += cs.usage.CompletionTokens
			}
			finished++
		}
	}
	return nil
}

// grade fans out grading for every completed (or, when configured,
// early-stopped) choice and collects results as they resolve. A grading
// failure excludes that sample only.
func (c *Collector) grade(ctx context.Context, task Task, group *Group, choices []*choiceState, stats *Stats) {
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for idx, cs := range choices {
		gradable := cs.done || (cs.stopped && c.opts.GradeTruncated)
		if !gradable {
			continue
		}
		sample := Sample{
			TaskID:       task.ID,
			Choice:       idx,
			TokenIDs:     cs.tokens,
			Logprobs:     cs.logprobs,
			EarlyStopped: cs.stopped,
		}
		if cs.usage != nil {
			sample.CompletionTokens = cs.usage.CompletionTokens
		} else {
			sample.CompletionTokens = len(cs.tokens)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			score, err := task.Grader.Grade(ctx, task, sample)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Exceptions++
				return
			}
			group.Samples = append(group.Samples, GradedSample{Sample: sample, Reward: score.Reward})
			stats.addScore(score)
		}()
	}
	wg.Wait()
}

// mergeStats folds src into dst, summing named metrics by key.
func mergeStats(dst *Stats, src Stats) {
	dst.Grades += src.Grades
	dst.Usages += src.Usages
	dst.Exceptions += src.Exceptions
	dst.EarlyStops += src.EarlyStops
	dst.TotalReward += src.TotalReward
	dst.CompletionTokens += src.CompletionTokens
	if len(src.Metrics) > 0 && dst.Metrics == nil {
		dst.Metrics = make(map[string]float64)
	}
	for k, v := range src.Metrics {
		dst.Metrics[k] += v
	}
}
