package llm

import (
	"unicode/utf8"

	"github.com/glowlabs/glow/internal/models"
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// tokenCounter estimates the input-token cost of one turn.
type tokenCounter interface {
	Count(text string) int
}

// Per-turn overhead for role framing and separators.
const turnOverhead = 4

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (c *tiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil)) + turnOverhead
}

// heuristicCounter approximates tokens as runes/4. Deterministic and always
// available, used when the tiktoken encoding cannot be loaded.
type heuristicCounter struct{}

func (heuristicCounter) Count(text string) int {
	return utf8.RuneCountInString(text)/4 + turnOverhead
}

func newTokenCounter(logger *zap.Logger) tokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, using heuristic token counter", zap.Error(err))
		return heuristicCounter{}
	}
	return &tiktokenCounter{enc: enc}
}

// Window converts history into upstream turns, trimming oldest-first so the
// result fits the token budget. The leading system message always survives,
// as does the newest turn even when it alone exceeds the budget. budget <= 0
// disables trimming.
func (r *Relay) Window(msgs []models.Message, budget int) []Turn {
	if len(msgs) == 0 {
		return nil
	}

	var system *models.Message
	rest := msgs
	if msgs[0].Role == models.RoleSystem {
		system = &msgs[0]
		rest = msgs[1:]
	}

	trim := budget > 0
	if trim && system != nil {
		budget -= r.counter.Count(system.Content)
	}

	// Walk newest to oldest, keeping what fits.
	start := 0
	if trim {
		total := 0
		start = len(rest)
		for i := len(rest) - 1; i >= 0; i-- {
			cost := r.counter.Count(rest[i].Content)
			if total+cost > budget && start < len(rest) {
				break
			}
			total += cost
			start = i
		}
	}

	turns := make([]Turn, 0, len(rest)-start+1)
	if system != nil {
		turns = append(turns, Turn{Role: system.Role, Content: system.Content})
	}
	for _, msg := range rest[start:] {
		turns = append(turns, Turn{Role: msg.Role, Content: msg.Content})
	}
	return turns
}
