package pack

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Manifest describes a persisted tensor directory. The tuning step reads
// the raw files by shape, so NumSequences and SequenceLength must match
// the binary payloads exactly.
type Manifest struct {
	NumSequences   int         `json:"num_sequences"`
	SequenceLength int         `json:"sequence_length"`
	PadTokenID     int         `json:"pad_token_id"`
	Segments       [][]Segment `json:"segments"`
}

// WriteDir persists the packed buffers as flat little-endian tensor files
// the tuning step can mmap directly: tokens.pt as int64, weights.pt and
// logprobs.pt as float32, each num_sequences x sequence_length, plus a
// manifest.json with the shape and segment map.
func WriteDir(dir string, p Packed, seqLen, padTokenID int) (Manifest, error) {
	m := Manifest{
		NumSequences:   len(p.Buffers),
		SequenceLength: seqLen,
		PadTokenID:     padTokenID,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return m, fmt.Errorf("pack: creating tensor dir: %w", err)
	}

	if err := writeTensor(filepath.Join(dir, "tokens.pt"), p.Buffers, func(w *bufio.Writer, b *Buffer) error {
		for _, tok := range b.Tokens {
			if err := binary.Write(w, binary.LittleEndian, int64(tok)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return m, err
	}

	if err := writeTensor(filepath.Join(dir, "weights.pt"), p.Buffers, func(w *bufio.Writer, b *Buffer) error {
		return writeFloat32s(w, b.Weights)
	}); err != nil {
		return m, err
	}

	if err := writeTensor(filepath.Join(dir, "logprobs.pt"), p.Buffers, func(w *bufio.Writer, b *Buffer) error {
		return writeFloat32s(w, b.Logprobs)
	}); err != nil {
		return m, err
	}

	m.Segments = make([][]Segment, len(p.Buffers))
	for i := range p.Buffers {
		m.Segments[i] = p.Buffers[i].Segments
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return m, fmt.Errorf("pack: marshaling manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return m, fmt.Errorf("pack: writing manifest: %w", err)
	}
	return m, nil
}

func writeTensor(path string, buffers []Buffer, emit func(*bufio.Writer, *Buffer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("pack: creating %s: %w", filepath.Base(path), err)
	}
	w := bufio.NewWriter(f)
	for i := range buffers {
		if err := emit(w, &buffers[i]); err != nil {
			f.Close()
			return fmt.Errorf("pack: writing %s: %w", filepath.Base(path), err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("pack: flushing %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("pack: closing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeFloat32s(w *bufio.Writer, vals []float64) error {
	for _, v := range vals {
		bits := math.Float32bits(float32(v))
		if err := binary.Write(w, binary.LittleEndian, bits); err != nil {
			return err
		}
	}
	return nil
}
