// Package llm relays chat turns to the upstream completion provider and
// streams the reply back one delta at a time.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
)

// Turn is one entry of the transcript sent upstream.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UpstreamError reports a non-success response from the provider before any
// streaming began. No partial content exists when this is returned.
type UpstreamError struct {
	StatusCode int
	Message    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("completion provider error: %d - %s", e.StatusCode, e.Message)
}

// Options configures the relay once, at startup. Whether the provider is
// usable at all is decided here and never mutated afterwards.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

type Relay struct {
	opts      Options
	available bool
	httpc     *http.Client
	titler    llms.LLM
	counter   tokenCounter
	logger    *zap.Logger
}

func NewRelay(opts Options, logger *zap.Logger) (*Relay, error) {
	r := &Relay{
		opts:      opts,
		available: opts.APIKey != "",
		httpc: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: 25 * time.Second},
		},
		counter: newTokenCounter(logger),
		logger:  logger,
	}

	if r.available {
		titler, err := openai.New(
			openai.WithToken(opts.APIKey),
			openai.WithBaseURL(opts.BaseURL),
			openai.WithModel(opts.Model),
		)
		if err != nil {
			return nil, err
		}
		r.titler = titler
	}

	return r, nil
}

type chatRequest struct {
	Model       string  `json:"model"`
	Messages    []Turn  `json:"messages"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
	Stream      bool    `json:"stream"`
}

type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

type providerError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat opens one streaming completion request for the given turns. The
// returned Stream produces content deltas in arrival order and accumulates
// the full text for persistence. A non-success status before streaming
// begins is returned as *UpstreamError.
func (r *Relay) Chat(ctx context.Context, turns []Turn) (*Stream, error) {
	if !r.available {
		return nil, &UpstreamError{
			StatusCode: http.StatusServiceUnavailable,
			Message:    "completion provider is not configured",
		}
	}

	body, err := json.Marshal(chatRequest{
		Model:       r.opts.Model,
		Messages:    turns,
		MaxTokens:   r.opts.MaxTokens,
		Temperature: r.opts.Temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(r.opts.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpc.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		cancel()
		msg := strings.TrimSpace(string(raw))
		var perr providerError
		if json.Unmarshal(raw, &perr) == nil && perr.Error.Message != "" {
			msg = perr.Error.Message
		}
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: msg}
	}

	s := &Stream{
		deltas:   make(chan string, 1),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
		cancel:   cancel,
	}
	go s.run(resp.Body)
	return s, nil
}

// Stream is a lazy, finite, non-restartable sequence of content deltas. One
// producer goroutine decodes upstream frames and forwards each delta through
// a capacity-one channel, so nothing is buffered beyond frame detection.
type Stream struct {
	deltas   chan string
	stop     chan struct{}
	finished chan struct{}
	cancel   context.CancelFunc
	stopOnce sync.Once
	text     strings.Builder
}

// Deltas yields content fragments in arrival order. The channel closes on
// end of stream.
func (s *Stream) Deltas() <-chan string { return s.deltas }

// Close abandons the upstream connection. Text accumulated so far is kept
// and still treated as complete.
func (s *Stream) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.cancel()
	})
}

// Text blocks until the producer exits and returns the accumulated reply.
func (s *Stream) Text() string {
	<-s.finished
	return s.text.String()
}

func (s *Stream) run(body io.ReadCloser) {
	defer close(s.finished)
	defer close(s.deltas)
	defer body.Close()
	defer s.cancel()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if strings.TrimSpace(data) == "[DONE]" {
			return
		}

		var frame streamFrame
		if err := json.Unmarshal([]byte(data), &frame); err != nil {
			// Malformed frames are skipped, not fatal.
			continue
		}
		if len(frame.Choices) == 0 {
			continue
		}
		delta := frame.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		s.text.WriteString(delta)
		select {
		case s.deltas <- delta:
		case <-s.stop:
			return
		}
	}
	// A transport close without the end-of-stream sentinel is normal
	// completion: whatever accumulated is the final reply.
}
