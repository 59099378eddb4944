// Package chat drives one conversational turn end to end: transcript reads
// and writes, the upstream streaming call, dual-phase persistence of the
// result, and the edit/regenerate control flow.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/glowlabs/glow/internal/db"
	"github.com/glowlabs/glow/internal/llm"
	"github.com/glowlabs/glow/internal/memory"
	"github.com/glowlabs/glow/internal/models"
	"github.com/glowlabs/glow/internal/ws"
	"go.uber.org/zap"
)

// ErrEmptyContent rejects blank user input before anything is persisted.
var ErrEmptyContent = errors.New("content is required")

const systemPrompt = `You are Glow, a knowledgeable assistant who provides thorough, detailed responses. Be conversational and natural, like talking to a friend who happens to know a lot. Jump straight into the answer, use contractions and casual language where appropriate, and acknowledge uncertainty honestly. Avoid corporate-speak, avoid repeating the user's question back to them, and avoid generic phrases like "great question!".

MEMORY COLLECTION:
When the user shares something meaningful about themselves, capture it. Look for concrete facts (name, school, major, projects, occupation, interests), activities and trips, recurring topics they ask about, the people in their life and the roles those people play, emotional reflections or shifts in how they see themselves, and their language and tone preferences.

Should you capture information like the above, add a memory note at the very end of your response in this exact format: [MEMORY: brief fact about the user]
Only include ONE memory per response, and only when the user actually shares relevant information about themselves.`

// TurnRequest carries one inbound request to start or continue a turn.
// UserID is the client-facing identity (a username in this system).
type TurnRequest struct {
	ConversationID string
	UserID         string
	Message        string
	RegenerateFrom string
}

// Event is one server-pushed frame of the turn response: zero or more chunks
// followed by exactly one complete or error.
type Event struct {
	Type              string `json:"type"`
	Content           string `json:"content,omitempty"`
	ConversationID    string `json:"conversation_id,omitempty"`
	ConversationTitle string `json:"conversation_title,omitempty"`
	Error             string `json:"error,omitempty"`
}

// EmitFunc delivers one event to the client. A non-nil error means the client
// is gone; the turn keeps going without it.
type EmitFunc func(Event) error

type Pipeline struct {
	db     *db.Database
	relay  *llm.Relay
	hub    *ws.Hub
	budget int
	logger *zap.Logger
}

func NewPipeline(database *db.Database, relay *llm.Relay, hub *ws.Hub, historyBudget int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		db:     database,
		relay:  relay,
		hub:    hub,
		budget: historyBudget,
		logger: logger,
	}
}

// ActiveTurn is a turn whose upstream stream is open but whose deltas have
// not yet been consumed.
type ActiveTurn struct {
	conv     *models.Conversation
	username string
	stream   *llm.Stream
}

// Prepare resolves the conversation, applies regenerate truncation, appends
// the user turn, and opens the upstream stream. Every failure here happens
// before anything is sent to the client, so callers can still answer with a
// plain status code.
//
// Conversations are not locked: two concurrent turns or edits on the same
// conversation interleave unpredictably, matching the original system.
func (p *Pipeline) Prepare(ctx context.Context, req TurnRequest) (*ActiveTurn, error) {
	var conv *models.Conversation
	var err error

	if req.ConversationID != "" {
		conv, err = p.db.GetConversation(req.ConversationID)
		if err != nil {
			return nil, err
		}

		if req.RegenerateFrom != "" {
			edited, err := p.db.GetMessage(req.RegenerateFrom)
			if err != nil {
				return nil, err
			}
			if edited.ConversationID != conv.ID {
				return nil, fmt.Errorf("message %q: %w", req.RegenerateFrom, db.ErrNotFound)
			}
			if edited.Role != models.RoleUser {
				return nil, db.ErrInvalidRole
			}
			// Destructive and irreversible: everything after the edited
			// message is gone, including any later user turns.
			if err := p.db.TruncateAfter(conv.ID, edited.CreatedAt); err != nil {
				return nil, err
			}
		}
	} else {
		user, err := p.db.GetOrCreateUser(req.UserID)
		if err != nil {
			return nil, err
		}
		conv, err = p.db.CreateConversation(user.ID, models.PlaceholderTitle)
		if err != nil {
			return nil, err
		}
		if _, err := p.db.AppendMessage(conv.ID, models.RoleSystem, systemPrompt); err != nil {
			return nil, err
		}
	}

	// The edited message already is the latest user turn when regenerating.
	if req.RegenerateFrom == "" {
		if _, err := p.db.AppendMessage(conv.ID, models.RoleUser, req.Message); err != nil {
			return nil, err
		}
	}

	history, err := p.db.History(conv.ID)
	if err != nil {
		return nil, err
	}
	turns := p.relay.Window(history, p.budget)

	// Detached from the request context: a client disconnect must not cancel
	// accumulation, persistence still runs on whatever arrived.
	stream, err := p.relay.Chat(context.WithoutCancel(ctx), turns)
	if err != nil {
		return nil, err
	}

	return &ActiveTurn{conv: conv, username: req.UserID, stream: stream}, nil
}

// Stream forwards deltas to the client in arrival order, then runs the two
// persistence phases. Phase 1 (assistant message + title) is durable and
// fatal on failure. Phase 2 (memory extraction and save) is best-effort and
// can never undo phase 1; fan-out happens strictly after its commit.
func (p *Pipeline) Stream(ctx context.Context, turn *ActiveTurn, emit EmitFunc) {
	clientGone := false
	for delta := range turn.stream.Deltas() {
		if err := emit(Event{Type: "chunk", Content: delta}); err != nil {
			p.logger.Warn("client disconnected mid-stream, finishing persistence without it",
				zap.String("conversation_id", turn.conv.ID),
				zap.Error(err))
			clientGone = true
			turn.stream.Close()
			break
		}
	}
	full := turn.stream.Text()

	// Phase 1: assistant message, plus a generated title for conversations
	// still carrying the placeholder. Title failures keep the placeholder;
	// they never fail the phase.
	title := turn.conv.Title
	var titleUpdate *string
	if title == models.PlaceholderTitle {
		if generated, err := p.generateTitle(ctx, turn.conv.ID, full); err != nil {
			p.logger.Warn("title generation failed, keeping placeholder",
				zap.String("conversation_id", turn.conv.ID),
				zap.Error(err))
		} else {
			title = generated
			titleUpdate = &generated
		}
	}

	if _, err := p.db.SaveAssistantTurn(turn.conv.ID, full, titleUpdate); err != nil {
		p.logger.Error("failed to persist assistant turn",
			zap.String("conversation_id", turn.conv.ID),
			zap.Error(err))
		if !clientGone {
			emit(Event{Type: "error", Error: FriendlyError(err)})
		}
		return
	}

	// Phase 2.
	p.saveMemory(turn, full)

	if !clientGone {
		emit(Event{
			Type:              "complete",
			ConversationID:    turn.conv.ID,
			ConversationTitle: title,
		})
	}
}

func (p *Pipeline) generateTitle(ctx context.Context, convID, reply string) (string, error) {
	history, err := p.db.History(convID)
	if err != nil {
		return "", err
	}
	history = append(history, models.Message{Role: models.RoleAssistant, Content: reply})
	return p.relay.GenerateTitle(ctx, history)
}

// saveMemory is the isolated second phase. Any failure is logged and
// swallowed; the committed assistant message is out of reach by design of
// the separate connection pool in db.SaveMemory.
func (p *Pipeline) saveMemory(turn *ActiveTurn, text string) {
	fact, ok := memory.Extract(text)
	if !ok {
		return
	}

	mem, err := p.db.SaveMemory(turn.conv.UserID, turn.username, fact, turn.conv.ID)
	if err != nil {
		p.logger.Error("memory save failed, assistant message is unaffected",
			zap.String("conversation_id", turn.conv.ID),
			zap.String("user", turn.username),
			zap.Error(err))
		return
	}

	p.logger.Info("memory saved",
		zap.String("memory_id", mem.ID),
		zap.String("user", turn.username))
	p.hub.Publish(turn.username, *mem)
}

// Edit updates a user message in place and marks it edited. The caller
// decides whether to follow up with a regenerate turn.
func (p *Pipeline) Edit(messageID, newContent string) (*models.Message, error) {
	trimmed := strings.TrimSpace(newContent)
	if trimmed == "" {
		return nil, ErrEmptyContent
	}
	return p.db.EditMessage(messageID, trimmed)
}

// FriendlyError turns an internal failure into the human-readable message of
// a terminal error event. Timeouts and connection failures get distinct
// wording; the event shape is the same for all of them.
func FriendlyError(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return "The completion provider is experiencing delays. Please try again in a moment."
	case strings.Contains(strings.ToLower(err.Error()), "connection"):
		return "Connection to the completion provider failed. Please check your network and try again."
	default:
		return fmt.Sprintf("An error occurred: %v", err)
	}
}
