package db

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/glowlabs/glow/internal/models"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(filepath.Join(t.TempDir(), "glow-test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func seedConversation(t *testing.T, d *Database, username string) *models.Conversation {
	t.Helper()
	user, err := d.GetOrCreateUser(username)
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	conv, err := d.CreateConversation(user.ID, models.PlaceholderTitle)
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	return conv
}

func TestGetOrCreateUser(t *testing.T) {
	d := newTestDB(t)

	first, err := d.GetOrCreateUser("maria")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if first.Email != "maria@glow.app" {
		t.Errorf("email = %q, want maria@glow.app", first.Email)
	}
	if first.Name != "Maria" {
		t.Errorf("name = %q, want Maria", first.Name)
	}

	second, err := d.GetOrCreateUser("maria")
	if err != nil {
		t.Fatalf("GetOrCreateUser again: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second lookup created a new user: %q vs %q", second.ID, first.ID)
	}
}

func TestAppendMessageStrictOrdering(t *testing.T) {
	d := newTestDB(t)
	conv := seedConversation(t, d, "maria")

	// Rapid appends land within the clock's resolution; ordering must still
	// be strict.
	for i := 0; i < 20; i++ {
		if _, err := d.AppendMessage(conv.ID, models.RoleUser, "msg"); err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
	}

	history, err := d.History(conv.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 20 {
		t.Fatalf("len(history) = %d, want 20", len(history))
	}
	for i := 1; i < len(history); i++ {
		if !history[i].CreatedAt.After(history[i-1].CreatedAt) {
			t.Fatalf("message %d not strictly after %d: %v vs %v",
				i, i-1, history[i].CreatedAt, history[i-1].CreatedAt)
		}
	}
}

func TestHistoryUnknownConversation(t *testing.T) {
	d := newTestDB(t)
	if _, err := d.History("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("History error = %v, want ErrNotFound", err)
	}
}

func TestEditMessage(t *testing.T) {
	d := newTestDB(t)
	conv := seedConversation(t, d, "maria")

	userMsg, err := d.AppendMessage(conv.ID, models.RoleUser, "original")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	assistantMsg, err := d.AppendMessage(conv.ID, models.RoleAssistant, "reply")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	edited, err := d.EditMessage(userMsg.ID, "revised")
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if edited.Content != "revised" {
		t.Errorf("content = %q, want revised", edited.Content)
	}
	if !edited.Edited {
		t.Error("edited flag not set")
	}
	if !edited.CreatedAt.Equal(userMsg.CreatedAt) {
		t.Errorf("edit changed the timestamp: %v vs %v", edited.CreatedAt, userMsg.CreatedAt)
	}

	if _, err := d.EditMessage(assistantMsg.ID, "nope"); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("editing assistant message: err = %v, want ErrInvalidRole", err)
	}
	if _, err := d.EditMessage("missing", "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("editing missing message: err = %v, want ErrNotFound", err)
	}
}

func TestTruncateAfterRegenerate(t *testing.T) {
	d := newTestDB(t)
	conv := seedConversation(t, d, "maria")

	contents := []string{"sys", "u1", "a1", "u2", "a2"}
	roles := []string{models.RoleSystem, models.RoleUser, models.RoleAssistant, models.RoleUser, models.RoleAssistant}
	var msgs []*models.Message
	for i := range contents {
		msg, err := d.AppendMessage(conv.ID, roles[i], contents[i])
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		msgs = append(msgs, msg)
	}

	// Cut at u1: everything strictly after goes, u1 itself stays.
	if err := d.TruncateAfter(conv.ID, msgs[1].CreatedAt); err != nil {
		t.Fatalf("TruncateAfter: %v", err)
	}

	history, err := d.History(conv.ID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].Content != "sys" || history[1].Content != "u1" {
		t.Errorf("surviving messages = %q, %q; want sys, u1", history[0].Content, history[1].Content)
	}
}

func TestSaveAssistantTurn(t *testing.T) {
	d := newTestDB(t)
	conv := seedConversation(t, d, "maria")
	if _, err := d.AppendMessage(conv.ID, models.RoleUser, "hi"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	title := "Greetings"
	msg, err := d.SaveAssistantTurn(conv.ID, "hello there", &title)
	if err != nil {
		t.Fatalf("SaveAssistantTurn: %v", err)
	}
	if msg.Role != models.RoleAssistant || msg.Content != "hello there" {
		t.Errorf("saved message = %+v", msg)
	}

	got, err := d.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "Greetings" {
		t.Errorf("title = %q, want Greetings", got.Title)
	}
	if !got.UpdatedAt.After(conv.UpdatedAt) {
		t.Error("updated_at did not advance")
	}

	// Without a title update the existing title is untouched.
	if _, err := d.SaveAssistantTurn(conv.ID, "again", nil); err != nil {
		t.Fatalf("SaveAssistantTurn: %v", err)
	}
	got, err = d.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "Greetings" {
		t.Errorf("title after nil update = %q, want Greetings", got.Title)
	}
}

func TestSaveMemoryUserFallback(t *testing.T) {
	d := newTestDB(t)

	user, err := d.GetOrCreateUser("maria")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}

	// Known owner ID.
	mem, err := d.SaveMemory(user.ID, "maria", "likes tea", "")
	if err != nil {
		t.Fatalf("SaveMemory: %v", err)
	}
	if mem.UserID != user.ID {
		t.Errorf("memory owner = %q, want %q", mem.UserID, user.ID)
	}
	if mem.SourceConversationID != nil {
		t.Errorf("source = %v, want nil", *mem.SourceConversationID)
	}

	// Stale owner ID falls back to the username.
	mem, err = d.SaveMemory("stale-id", "maria", "studies CS", "")
	if err != nil {
		t.Fatalf("SaveMemory with stale owner: %v", err)
	}
	if mem.UserID != user.ID {
		t.Errorf("fallback owner = %q, want %q", mem.UserID, user.ID)
	}

	// Unknown username gets created on the fly.
	mem, err = d.SaveMemory("stale-id", "newcomer", "plays chess", "")
	if err != nil {
		t.Fatalf("SaveMemory with unknown user: %v", err)
	}
	created, err := d.GetOrCreateUser("newcomer")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	if mem.UserID != created.ID {
		t.Errorf("created owner = %q, want %q", mem.UserID, created.ID)
	}
}

func TestDeleteConversationDetachesMemories(t *testing.T) {
	d := newTestDB(t)
	conv := seedConversation(t, d, "maria")
	if _, err := d.AppendMessage(conv.ID, models.RoleUser, "hi"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	mem, err := d.SaveMemory(conv.UserID, "maria", "likes tea", conv.ID)
	if err != nil {
		t.Fatalf("SaveMemory: %v", err)
	}

	if err := d.DeleteConversation(conv.ID); err != nil {
		t.Fatalf("DeleteConversation: %v", err)
	}
	if _, err := d.GetConversation(conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("conversation still present: %v", err)
	}
	if _, err := d.History(conv.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("messages still reachable: %v", err)
	}

	memories, err := d.ListMemories(conv.UserID)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(memories) != 1 || memories[0].ID != mem.ID {
		t.Fatalf("memory did not survive the delete: %+v", memories)
	}
	if memories[0].SourceConversationID != nil {
		t.Errorf("source = %v, want detached", *memories[0].SourceConversationID)
	}

	if err := d.DeleteConversation(conv.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestHideMemory(t *testing.T) {
	d := newTestDB(t)
	user, err := d.GetOrCreateUser("maria")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	other, err := d.GetOrCreateUser("intruder")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}

	mem, err := d.SaveMemory(user.ID, "maria", "likes tea", "")
	if err != nil {
		t.Fatalf("SaveMemory: %v", err)
	}

	// Scoped to the owner.
	if err := d.HideMemory(mem.ID, other.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("hide by non-owner: err = %v, want ErrNotFound", err)
	}

	if err := d.HideMemory(mem.ID, user.ID); err != nil {
		t.Fatalf("HideMemory: %v", err)
	}
	memories, err := d.ListMemories(user.ID)
	if err != nil {
		t.Fatalf("ListMemories: %v", err)
	}
	if len(memories) != 0 {
		t.Fatalf("hidden memory still listed: %+v", memories)
	}
}

func TestDeleteMemory(t *testing.T) {
	d := newTestDB(t)
	user, err := d.GetOrCreateUser("maria")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}
	mem, err := d.SaveMemory(user.ID, "maria", "likes tea", "")
	if err != nil {
		t.Fatalf("SaveMemory: %v", err)
	}

	if err := d.DeleteMemory(mem.ID); err != nil {
		t.Fatalf("DeleteMemory: %v", err)
	}
	if err := d.DeleteMemory(mem.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: err = %v, want ErrNotFound", err)
	}
}

func TestRenameConversation(t *testing.T) {
	d := newTestDB(t)
	conv := seedConversation(t, d, "maria")

	if err := d.RenameConversation(conv.ID, "Trip planning"); err != nil {
		t.Fatalf("RenameConversation: %v", err)
	}
	got, err := d.GetConversation(conv.ID)
	if err != nil {
		t.Fatalf("GetConversation: %v", err)
	}
	if got.Title != "Trip planning" {
		t.Errorf("title = %q, want Trip planning", got.Title)
	}

	if err := d.RenameConversation("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rename missing: err = %v, want ErrNotFound", err)
	}
}

func TestListConversationsNewestFirst(t *testing.T) {
	d := newTestDB(t)
	user, err := d.GetOrCreateUser("maria")
	if err != nil {
		t.Fatalf("GetOrCreateUser: %v", err)
	}

	older, err := d.CreateConversation(user.ID, "first")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}
	newer, err := d.CreateConversation(user.ID, "second")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	// Activity on the older conversation moves it back to the front.
	if _, err := d.AppendMessage(older.ID, models.RoleUser, "hi"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	conversations, err := d.ListConversations(user.ID)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(conversations) != 2 {
		t.Fatalf("len = %d, want 2", len(conversations))
	}
	if conversations[0].ID != older.ID || conversations[1].ID != newer.ID {
		t.Errorf("order = %q, %q; want %q, %q",
			conversations[0].ID, conversations[1].ID, older.ID, newer.ID)
	}
}
