package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nebulachat/nebula/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUserRoundTrip(t *testing.T) {
	s := openTestStore(t)

	u := core.User{
		ID:           "u1",
		FirstName:    "Ada",
		LastName:     "Lovelace",
		Email:        "ada@example.com",
		PasswordHash: "hash",
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.CreateUser(u); err != nil {
		t.Fatalf("create user: %v", err)
	}

	got, err := s.User("u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Email != u.Email || got.PasswordHash != u.PasswordHash {
		t.Errorf("user round trip mismatch: %+v", got)
	}

	byEmail, err := s.UserByEmail("ada@example.com")
	if err != nil {
		t.Fatalf("get user by email: %v", err)
	}
	if byEmail.ID != "u1" {
		t.Errorf("email index resolved to %q, want u1", byEmail.ID)
	}

	if err := s.CreateUser(core.User{ID: "u2", Email: "ada@example.com"}); err == nil {
		t.Fatal("expected duplicate email to be rejected")
	}
}

func TestCreateUserConcurrentSameEmail(t *testing.T) {
	s := openTestStore(t)

	const workers = 8
	var created int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := core.User{ID: fmt.Sprintf("u%d", i), Email: "race@example.com"}
			if err := s.CreateUser(u); err == nil {
				atomic.AddInt64(&created, 1)
			}
		}(i)
	}
	wg.Wait()

	if created != 1 {
		t.Fatalf("%d registrations succeeded for one email, want exactly 1", created)
	}

	// The email index must still resolve to the single winner.
	u, err := s.UserByEmail("race@example.com")
	if err != nil {
		t.Fatalf("lookup after race: %v", err)
	}
	if _, err := s.User(u.ID); err != nil {
		t.Fatalf("winner record missing: %v", err)
	}
}

func TestUserNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.User("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.UserByEmail("missing@example.com"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestChatScoping(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateChat(core.Chat{ID: "c1", UserID: "alice", Title: "first"}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if err := s.CreateChat(core.Chat{ID: "c2", UserID: "bob", Title: "other"}); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	// Another user's chat must look missing, not forbidden.
	if _, err := s.Chat("alice", "c2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-user chat lookup: got %v, want ErrNotFound", err)
	}

	chats, err := s.Chats("alice")
	if err != nil {
		t.Fatalf("list chats: %v", err)
	}
	if len(chats) != 1 || chats[0].ID != "c1" {
		t.Fatalf("alice's chats = %+v, want only c1", chats)
	}
}

func TestTouchChat(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateChat(core.Chat{ID: "c1", UserID: "u1"}); err != nil {
		t.Fatalf("create chat: %v", err)
	}

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if err := s.TouchChat("u1", "c1", at); err != nil {
		t.Fatalf("touch chat: %v", err)
	}

	c, err := s.Chat("u1", "c1")
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if !c.LastActivity.Equal(at) {
		t.Errorf("last activity = %v, want %v", c.LastActivity, at)
	}

	if err := s.TouchChat("u1", "missing", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("touching a missing chat: got %v, want ErrNotFound", err)
	}
}

func TestMessagesOrdered(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		m := core.Message{
			ID:        fmt.Sprintf("m%d", i),
			ChatID:    "c1",
			Content:   fmt.Sprintf("message %d", i),
			Role:      core.RoleUser,
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.AppendMessage(m); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}
	// A message in another chat must never bleed in.
	if err := s.AppendMessage(core.Message{ID: "other", ChatID: "c2", CreatedAt: base}); err != nil {
		t.Fatalf("append other chat message: %v", err)
	}

	msgs, err := s.Messages("c1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("got %d messages, want 5", len(msgs))
	}
	for i, m := range msgs {
		if m.ID != fmt.Sprintf("m%d", i) {
			t.Fatalf("messages out of creation order: %d has ID %s", i, m.ID)
		}
	}
}

func TestMessagesSameTimestamp(t *testing.T) {
	s := openTestStore(t)

	// Identical timestamps fall back on the sequence for ordering.
	at := time.Now().UTC()
	for i := 0; i < 3; i++ {
		m := core.Message{ID: fmt.Sprintf("m%d", i), ChatID: "c1", CreatedAt: at}
		if err := s.AppendMessage(m); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}

	msgs, err := s.Messages("c1")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	for i, m := range msgs {
		if m.ID != fmt.Sprintf("m%d", i) {
			t.Fatalf("messages out of insertion order: %d has ID %s", i, m.ID)
		}
	}
}

func TestRecent(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC()
	for i := 0; i < 25; i++ {
		m := core.Message{
			ID:        fmt.Sprintf("m%d", i),
			ChatID:    "c1",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := s.AppendMessage(m); err != nil {
			t.Fatalf("append message %d: %v", i, err)
		}
	}

	msgs, err := s.Recent("c1", 20)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 20 {
		t.Fatalf("got %d messages, want 20", len(msgs))
	}
	// Newest 20 in ascending order: m5 through m24.
	if msgs[0].ID != "m5" || msgs[19].ID != "m24" {
		t.Fatalf("window = [%s .. %s], want [m5 .. m24]", msgs[0].ID, msgs[19].ID)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatal("recent window not ascending")
		}
	}
}

func TestRecentFewerThanLimit(t *testing.T) {
	s := openTestStore(t)

	if err := s.AppendMessage(core.Message{ID: "only", ChatID: "c1", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := s.Recent("c1", 20)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != "only" {
		t.Fatalf("got %+v, want the single message", msgs)
	}

	empty, err := s.Recent("nochat", 20)
	if err != nil {
		t.Fatalf("recent on empty chat: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("empty chat returned %d messages", len(empty))
	}
}
