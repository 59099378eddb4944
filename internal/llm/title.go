package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glowlabs/glow/internal/models"
	"github.com/tmc/langchaingo/llms"
)

const titleInstruction = "Generate a short, descriptive title for this conversation. " +
	"Keep it under 5 words and make it descriptive of the main topic. " +
	"Respond with the title only."

// GenerateTitle asks the provider for a short conversation title based on the
// opening turns. Callers treat any error as "keep the placeholder"; this is a
// best-effort call and must never fail a turn.
func (r *Relay) GenerateTitle(ctx context.Context, msgs []models.Message) (string, error) {
	if r.titler == nil {
		return "", errors.New("completion provider is not configured")
	}
	if len(msgs) < 2 {
		return "", errors.New("not enough messages to title")
	}

	var b strings.Builder
	b.WriteString(titleInstruction)
	b.WriteString("\n\nConversation:\n")
	seen := 0
	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			continue
		}
		content := msg.Content
		if len(content) > 100 {
			content = content[:100] + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, content)
		if seen++; seen == 3 {
			break
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	completion, err := llms.GenerateFromSinglePrompt(ctx, r.titler, b.String(),
		llms.WithMaxTokens(20),
		llms.WithTemperature(0.3),
	)
	if err != nil {
		return "", fmt.Errorf("failed to generate title: %w", err)
	}

	title := strings.Trim(strings.TrimSpace(completion), `"'`)
	if title == "" {
		return "", errors.New("provider returned an empty title")
	}
	return title, nil
}
