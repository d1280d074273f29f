// Package pack bin-packs advantage-weighted token sequences into
// fixed-length training buffers and persists them for the tuning step.
package pack

import (
	"fmt"
	"math"
)

// Sequence is one training sample ready for packing: full prompt and
// completion token ids, per-completion-token logprobs where available,
// and the advantage weight to broadcast over the completion positions.
type Sequence struct {
	TaskID           string
	Choice           int
	PromptTokens     []int
	CompletionTokens []int
	Logprobs         []float64
	Advantage        float64
}

// Len is the total packed footprint of the sequence.
func (s Sequence) Len() int {
	return len(s.PromptTokens) + len(s.CompletionTokens)
}

// Segment records which sample occupies which token range of a buffer.
type Segment struct {
	TaskID    string `json:"task_id"`
	Choice    int    `json:"choice"`
	Start     int    `json:"start"`
	End       int    `json:"end"`
	PromptLen int    `json:"prompt_len"`
}

// Buffer is one fixed-capacity training row. Tokens, Weights, and
// Logprobs are all exactly seq_len long: Weights carries the advantage
// over completion positions and zero over prompt and padding; Logprobs
// is NaN wherever no logprob was observed.
type Buffer struct {
	Tokens   []int
	Weights  []float64
	Logprobs []float64
	Segments []Segment
}

// Used is the number of non-padding positions in the buffer.
func (b *Buffer) Used() int {
	if n := len(b.Segments); n > 0 {
		return b.Segments[n-1].End
	}
	return 0
}

// Oversize describes a sequence that could not be packed because it
// exceeds seq_len on its own. It indicates a mismatch between the
// sampling max-token limit and the packing capacity.
type Oversize struct {
	TaskID string
	Choice int
	Len    int
}

// Packed is the result of one packing pass. Oversized sequences are
// reported, never silently truncated; the remaining sequences pack
// normally.
type Packed struct {
	Buffers   []Buffer
	Oversized []Oversize
}

// Pack places each sequence, in arrival order, into the first open buffer
// with enough remaining capacity, opening a new buffer when none fits. A
// sequence never spans two buffers: splitting a completion across rows
// would corrupt its loss signal, so outliers cost padding instead.
func Pack(seqs []Sequence, seqLen, padTokenID int) (Packed, error) {
	if seqLen < 1 {
		return Packed{}, fmt.Errorf("pack: seq_len must be positive, got %d", seqLen)
	}

	var p Packed
	for _, seq := range seqs {
		l := seq.Len()
		if l > seqLen {
			p.Oversized = append(p.Oversized, Oversize{TaskID: seq.TaskID, Choice: seq.Choice, Len: l})
			continue
		}

		target := -1
		for i := range p.Buffers {
			if seqLen-p.Buffers[i].Used() >= l {
				target = i
				break
			}
		}
		if target == -1 {
			p.Buffers = append(p.Buffers, newBuffer(seqLen, padTokenID))
			target = len(p.Buffers) - 1
		}
		place(&p.Buffers[target], seq)
	}
	return p, nil
}

func newBuffer(seqLen, padTokenID int) Buffer {
	b := Buffer{
		Tokens:   make([]int, seqLen),
		Weights:  make([]float64, seqLen),
		Logprobs: make([]float64, seqLen),
	}
	for i := range b.Tokens {
		b.Tokens[i] = padTokenID
		b.Logprobs[i] = math.NaN()
	}
	return b
}

// place appends seq at the buffer's write position. The caller has
// already checked capacity.
func place(b *Buffer, seq Sequence) {
	start := b.Used()
	pos := start
	for _, tok := range seq.PromptTokens {
		b.Tokens[pos] = tok
		pos++
	}
	for i, tok := range seq.CompletionTokens {
		b.Tokens[pos] = tok
		b.Weights[pos] = seq.Advantage
		if i < len(seq.Logprobs) {
			b.Logprobs[pos] = seq.Logprobs[i]
		}
		pos++
	}
	b.Segments = append(b.Segments, Segment{
		TaskID:    seq.TaskID,
		Choice:    seq.Choice,
		Start:     start,
		End:       pos,
		PromptLen: len(seq.PromptTokens),
	})
}
