// Package backend talks to the external collaborators of the training loop:
// the model-serving process that samples completions and the fine-tuning
// command that consumes packed tensors.
//
// The serving protocol is ollama-style NDJSON streaming: one generate call
// requests n choices and the server interleaves per-choice token chunks on
// a single response body. Closing the body is the caller's cancellation
// signal; there is no server-side preemption.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// BaseURL is the base URL of the serving backend. Override in tests.
var BaseURL = "http://localhost:11434"

// GenerateRequest describes one streaming generation call for n choices.
type GenerateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	N           int     `json:"n"`
	MaxTokens   int     `json:"max_tokens,omitempty"` // 0 = model default
	Temperature float64 `json:"temperature"`
	Seed        int     `json:"seed,omitempty"`
	Logprobs    bool    `json:"logprobs"`
	Stream      bool    `json:"stream"`
}

// Usage reports token totals for one choice, delivered on its final chunk.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Chunk is one NDJSON line of a generation stream.
//
// The first line of a stream carries the shared prompt token ids and no
// choice data (Choice == -1). Subsequent lines deliver one sampled token
// for one choice; the final line of each choice has Done set and, when the
// server accounts for it, a Usage block.
type Chunk struct {
	Choice         int      `json:"choice"`
	TokenID        int      `json:"token_id"`
	Logprob        *float64 `json:"logprob,omitempty"`
	Done           bool     `json:"done"`
	Usage          *Usage   `json:"usage,omitempty"`
	PromptTokenIDs []int    `json:"prompt_token_ids,omitempty"`
}

// Client issues generation requests against the serving backend.
type Client struct {
	httpClient *http.Client
}

// NewClient creates a backend client. Streaming responses are bounded by
// per-request contexts rather than a client-wide timeout.
func NewClient() *Client {
	return &Client{httpClient: &http.Client{}}
}

// Stream is one in-flight generation call. Recv returns chunks in emission
// order until io.EOF. Close aborts the underlying request; it is safe to
// call concurrently with Recv and more than once.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	cancel  context.CancelFunc
}

// Generate opens a streaming generation request. The returned stream must
// be closed by the caller.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (*Stream, error) {
	if req.N < 1 {
		return nil, fmt.Errorf("generate: n must be at least 1, got %d", req.N)
	}
	req.Stream = true

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling generate request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("building generate request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("calling backend: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("backend returned status %d: %s", resp.StatusCode, string(respBody))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Stream{body: resp.Body, scanner: scanner, cancel: cancel}, nil
}

// Recv returns the next chunk, or io.EOF when the stream ends.
func (s *Stream) Recv() (Chunk, error) {
	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ch Chunk
		if err := json.Unmarshal(line, &ch); err != nil {
			return Chunk{}, fmt.Errorf("decoding stream chunk: %w", err)
		}
		return ch, nil
	}
	if err := s.scanner.Err(); err != nil {
		return Chunk{}, err
	}
	return Chunk{}, io.EOF
}

// Close aborts the request and releases the connection.
func (s *Stream) Close() {
	s.cancel()
	_ = s.body.Close()
}

// capacityResponse is the response from the /api/capacity endpoint.
type capacityResponse struct {
	MaxConcurrentTokens int `json:"max_concurrent_tokens"`
}

// Capacity reports the backend's maximum concurrent token throughput,
// used to size the rate governor.
func (c *Client) Capacity(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, BaseURL+"/api/capacity", nil)
	if err != nil {
		return 0, fmt.Errorf("building capacity request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("checking backend capacity: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("backend /api/capacity returned status %d", resp.StatusCode)
	}

	var cr capacityResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return 0, fmt.Errorf("decoding capacity response: %w", err)
	}
	if cr.MaxConcurrentTokens < 1 {
		return 0, fmt.Errorf("backend reported non-positive capacity %d", cr.MaxConcurrentTokens)
	}
	return cr.MaxConcurrentTokens, nil
}
