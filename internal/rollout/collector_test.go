package rollout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"testing"

	"github.com/gastownhall/rolltune/internal/backend"
	"github.com/gastownhall/rolltune/internal/earlystop"
	"github.com/gastownhall/rolltune/internal/governor"
)

// fakeStream replays a fixed chunk sequence.
type fakeStream struct {
	chunks []backend.Chunk
	pos    int
	err    error // returned after chunks are exhausted, instead of EOF

	mu     sync.Mutex
	closed bool
}

func (s *fakeStream) Recv() (backend.Chunk, error) {
	if s.pos >= len(s.chunks) {
		if s.err != nil {
			return backend.Chunk{}, s.err
		}
		return backend.Chunk{}, io.EOF
	}
	ch := s.chunks[s.pos]
	s.pos++
	return ch, nil
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// fakeGenerator serves canned streams keyed by prompt.
type fakeGenerator struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	errs    map[string]error
}

func (g *fakeGenerator) Generate(_ context.Context, req backend.GenerateRequest) (ChunkStream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.errs[req.Prompt]; err != nil {
		return nil, err
	}
	s, ok := g.streams[req.Prompt]
	if !ok {
		return nil, fmt.Errorf("no canned stream for prompt %q", req.Prompt)
	}
	return s, nil
}

func lp(v float64) *float64 { return &v }

// choiceChunks builds a healthy n-token stream segment for one choice.
func choiceChunks(choice int, tokens []int, logprob float64) []backend.Chunk {
	var chunks []backend.Chunk
	for i, tok := range tokens {
		ch := backend.Chunk{Choice: choice, TokenID: tok, Logprob: lp(logprob)}
		if i == len(tokens)-1 {
			ch.Done = true
			ch.Usage = &backend.Usage{PromptTokens: 2, CompletionTokens: len(tokens)}
		}
		chunks = append(chunks, ch)
	}
	return chunks
}

func prologue(promptIDs ...int) backend.Chunk {
	return backend.Chunk{Choice: -1, PromptTokenIDs: promptIDs}
}

func constGrader(reward float64) Grader {
	return GraderFunc(func(_ context.Context, _ Task, _ Sample) (Score, error) {
		return Score{Reward: reward}, nil
	})
}

func newTestCollector(t *testing.T, gen Generator, opts func(*Options)) *Collector {
	t.Helper()
	gov, err := governor.New(1000)
	if err != nil {
		t.Fatal(err)
	}
	o := Options{
		Generator:                gen,
		Governor:                 gov,
		Sampling:                 Sampling{Model: "m", Temperature: 1},
		ExpectedCompletionTokens: 10,
	}
	if opts != nil {
		opts(&o)
	}
	c, err := NewCollector(o)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestCollect_HappyPath(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{streams: map[string]*fakeStream{
		"p1": {chunks: append(
			[]backend.Chunk{prologue(1, 2)},
			append(choiceChunks(0, []int{10, 11}, -0.5), choiceChunks(1, []int{12, 13, 14}, -0.5)...)...,
		)},
		"p2": {chunks: append(
			[]backend.Chunk{prologue(3, 4)},
			append(choiceChunks(0, []int{20}, -0.5), choiceChunks(1, []int{21}, -0.5)...)...,
		)},
	}}
	c := newTestCollector(t, gen, nil)

	tasks := []Task{
		{ID: "t1", Prompt: "p1", Grader: constGrader(1)},
		{ID: "t2", Prompt: "p2", Grader: constGrader(0.5)},
	}
	groups, stats, err := c.Collect(context.Background(), tasks, 2)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].TaskID != "t1" || len(groups[0].Samples) != 2 {
		t.Errorf("group[0] = %q with %d samples, want t1 with 2", groups[0].TaskID, len(groups[0].Samples))
	}
	if len(groups[0].PromptTokenIDs) != 2 {
		t.Errorf("prompt token ids = %v, want [1 2]", groups[0].PromptTokenIDs)
	}
	if stats.Grades != 4 {
		t.Errorf("Grades = %d, want 4", stats.Grades)
	}
	if stats.Usages != 4 {
		t.Errorf("Usages = %d, want 4", stats.Usages)
	}
	if stats.Exceptions != 0 {
		t.Errorf("Exceptions = %d, want 0", stats.Exceptions)
	}
	if stats.CompletionTokens != 7 {
		t.Errorf("CompletionTokens = %d, want 7", stats.CompletionTokens)
	}
	if math.Abs(stats.TotalReward-3.0) > 1e-9 {
		t.Errorf("TotalReward = %g, want 3.0", stats.TotalReward)
	}

	// Token accumulation preserves emission order per choice.
	for _, s := range groups[0].Samples {
		if s.Choice == 1 && len(s.TokenIDs) != 3 {
			t.Errorf("choice 1 tokens = %v, want 3 tokens", s.TokenIDs)
		}
	}
}

func TestCollect_EarlyStopExcluded(t *testing.T) {
	t.Parallel()
	// Choice 0 streams far below threshold and must be cut at the floor;
	// choice 1 is healthy.
	var bad []backend.Chunk
	for i := 0; i < 50; i++ {
		bad = append(bad, backend.Chunk{Choice: 0, TokenID: 100 + i, Logprob: lp(-8)})
	}
	chunks := append([]backend.Chunk{prologue(1)}, bad...)
	chunks = append(chunks, choiceChunks(1, []int{1, 2, 3}, -0.5)...)

	gen := &fakeGenerator{streams: map[string]*fakeStream{"p": {chunks: chunks}}}
	c := newTestCollector(t, gen, func(o *Options) {
		o.EarlyStop = earlystop.Params{Alpha: 0.9, Threshold: -3, MinTokens: 4}
	})

	groups, stats, err := c.Collect(context.Background(),
		[]Task{{ID: "t", Prompt: "p", Grader: constGrader(1)}}, 2)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}

	if stats.EarlyStops != 1 {
		t.Errorf("EarlyStops = %d, want 1", stats.EarlyStops)
	}
	if stats.Exceptions != 0 {
		t.Errorf("EarlyStops must not count as exceptions, got %d", stats.Exceptions)
	}
	if len(groups[0].Samples) != 1 {
		t.Fatalf("got %d samples, want 1 (stopped choice excluded)", len(groups[0].Samples))
	}
	if groups[0].Samples[0].Choice != 1 {
		t.Errorf("surviving sample is choice %d, want 1", groups[0].Samples[0].Choice)
	}
	// The stopped choice was cut at the monitor floor, not fully consumed.
	if got := gen.streams["p"].pos; got >= len(gen.streams["p"].chunks) {
		t.Log("stream fully drained; acceptable but early-stop should usually cut sooner")
	}
}

func TestCollect_EarlyStopGradedWhenConfigured(t *testing.T) {
	t.Parallel()
	var bad []backend.Chunk
	for i := 0; i < 20; i++ {
		bad = append(bad, backend.Chunk{Choice: 0, TokenID: i, Logprob: lp(-8)})
	}
	gen := &fakeGenerator{streams: map[string]*fakeStream{
		"p": {chunks: append([]backend.Chunk{prologue(1)}, append(bad, choiceChunks(1, []int{1}, -0.5)...)...)},
	}}

	var graded []Sample
	var mu sync.Mutex
	grader := GraderFunc(func(_ context.Context, _ Task, s Sample) (Score, error) {
		mu.Lock()
		graded = append(graded, s)
		mu.Unlock()
		return Score{Reward: 0.25}, nil
	})

	c := newTestCollector(t, gen, func(o *Options) {
		o.EarlyStop = earlystop.Params{Alpha: 0.9, Threshold: -3, MinTokens: 4}
		o.GradeTruncated = true
	})

	groups, stats, err := c.Collect(context.Background(),
		[]Task{{ID: "t", Prompt: "p", Grader: grader}}, 2)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if len(groups[0].Samples) != 2 {
		t.Fatalf("got %d samples, want 2 (truncated sample graded)", len(groups[0].Samples))
	}
	if stats.EarlyStops != 1 {
		t.Errorf("EarlyStops = %d, want 1", stats.EarlyStops)
	}
	found := false
	for _, s := range graded {
		if s.EarlyStopped {
			found = true
			if len(s.TokenIDs) != 4 {
				t.Errorf("truncated sample has %d tokens, want 4 (cut at floor)", len(s.TokenIDs))
			}
		}
	}
	if !found {
		t.Error("grader never saw the early-stopped sample")
	}
}

func TestCollect_GradingFailureIsolated(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{streams: map[string]*fakeStream{
		"p": {chunks: append([]backend.Chunk{prologue(1)},
			append(choiceChunks(0, []int{1}, -0.5), choiceChunks(1, []int{2}, -0.5)...)...)},
	}}

	grader := GraderFunc(func(_ context.Context, _ Task, s Sample) (Score, error) {
		if s.Choice == 0 {
			return Score{}, errors.New("grader blew up")
		}
		return Score{Reward: 1, Metrics: map[string]float64{"solved": 1}}, nil
	})

	c := newTestCollector(t, gen, nil)
	groups, stats, err := c.Collect(context.Background(),
		[]Task{{ID: "t", Prompt: "p", Grader: grader}}, 2)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if stats.Exceptions != 1 {
		t.Errorf("Exceptions = %d, want 1", stats.Exceptions)
	}
	if stats.Grades != 1 {
		t.Errorf("Grades = %d, want 1", stats.Grades)
	}
	if len(groups[0].Samples) != 1 {
		t.Errorf("got %d samples, want 1", len(groups[0].Samples))
	}
	if stats.Metrics["solved"] != 1 {
		t.Errorf("Metrics[solved] = %g, want 1", stats.Metrics["solved"])
	}
}

func TestCollect_RequestFailureIsolated(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{
		streams: map[string]*fakeStream{
			"good": {chunks: append([]backend.Chunk{prologue(1)}, choiceChunks(0, []int{1}, -0.5)...)},
		},
		errs: map[string]error{"bad": errors.New("connection refused")},
	}
	c := newTestCollector(t, gen, nil)

	groups, stats, err := c.Collect(context.Background(), []Task{
		{ID: "good", Prompt: "good", Grader: constGrader(1)},
		{ID: "bad", Prompt: "bad", Grader: constGrader(1)},
	}, 1)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if stats.Exceptions != 1 {
		t.Errorf("Exceptions = %d, want 1", stats.Exceptions)
	}
	if len(groups[1].Samples) != 0 {
		t.Errorf("failed task produced %d samples, want 0", len(groups[1].Samples))
	}
	if len(groups[0].Samples) != 1 {
		t.Errorf("sibling task produced %d samples, want 1", len(groups[0].Samples))
	}
}

func TestCollect_NoSignalIsFatal(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{errs: map[string]error{"p": errors.New("down")}}
	c := newTestCollector(t, gen, nil)

	_, stats, err := c.Collect(context.Background(),
		[]Task{{ID: "t", Prompt: "p", Grader: constGrader(1)}}, 2)
	if !errors.Is(err, ErrNoSignal) {
		t.Fatalf("Collect() error = %v, want ErrNoSignal", err)
	}
	if stats.Exceptions != 1 {
		t.Errorf("Exceptions = %d, want 1", stats.Exceptions)
	}
}

func TestCollect_MetricsSummedAcrossTasks(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{streams: map[string]*fakeStream{
		"p1": {chunks: append([]backend.Chunk{prologue(1)}, choiceChunks(0, []int{1}, -0.5)...)},
		"p2": {chunks: append([]backend.Chunk{prologue(1)}, choiceChunks(0, []int{2}, -0.5)...)},
	}}
	grader := GraderFunc(func(_ context.Context, task Task, _ Sample) (Score, error) {
		m := map[string]float64{"steps": 2}
		if task.ID == "t2" {
			m["extra"] = 1
		}
		return Score{Reward: 1, Metrics: m}, nil
	})
	c := newTestCollector(t, gen, nil)

	_, stats, err := c.Collect(context.Background(), []Task{
		{ID: "t1", Prompt: "p1", Grader: grader},
		{ID: "t2", Prompt: "p2", Grader: grader},
	}, 1)
	if err != nil {
		t.Fatalf("Collect() error: %v", err)
	}
	if stats.Metrics["steps"] != 4 {
		t.Errorf("Metrics[steps] = %g, want 4", stats.Metrics["steps"])
	}
	if stats.Metrics["extra"] != 1 {
		t.Errorf("Metrics[extra] = %g, want 1", stats.Metrics["extra"])
	}
}

func TestCollect_ContextCancelled(t *testing.T) {
	t.Parallel()
	gen := &fakeGenerator{streams: map[string]*fakeStream{
		"p": {chunks: append([]backend.Chunk{prologue(1)}, choiceChunks(0, []int{1}, -0.5)...)},
	}}
	c := newTestCollector(t, gen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.Collect(ctx, []Task{{ID: "t", Prompt: "p", Grader: constGrader(1)}}, 1)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Collect() error = %v, want context.Canceled", err)
	}
}
