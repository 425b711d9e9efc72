// Package store persists users, chats and messages in a pebble database.
//
// Every write is an insert of a new uniquely-keyed record; nothing in the
// conversation data model is updated in place except a chat's last-activity
// timestamp. Message keys embed a sortable nanosecond timestamp plus a
// process-local sequence so iteration order is creation order even when two
// messages land in the same nanosecond.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/nebulachat/nebula/core"
	"github.com/nebulachat/nebula/logger"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is a pebble-backed conversation store.
type Store struct {
	db  *pebble.DB
	seq uint64

	// userMu serializes user creation so the email-uniqueness check and the
	// two writes behind it act as one operation.
	userMu sync.Mutex
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	logger.Log.Info("store_opened", zap.String("path", path))
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key layout:
//
//	user:<userID>                      -> core.User
//	useremail:<email>                  -> userID
//	chat:<userID>:<chatID>             -> core.Chat
//	msg:<chatID>:<ts_nano_20>-<seq_6>  -> core.Message

func userKey(id string) []byte        { return []byte("user:" + id) }
func userEmailKey(email string) []byte { return []byte("useremail:" + email) }
func chatKey(userID, chatID string) []byte {
	return []byte(fmt.Sprintf("chat:%s:%s", userID, chatID))
}

func (s *Store) messageKey(chatID string, ts time.Time) []byte {
	n := atomic.AddUint64(&s.seq, 1)
	return []byte(fmt.Sprintf("msg:%s:%020d-%06d", chatID, ts.UTC().UnixNano(), n))
}

// CreateUser stores a new user and indexes it by email.
// Returns an error if the email is already registered.
func (s *Store) CreateUser(u core.User) error {
	s.userMu.Lock()
	defer s.userMu.Unlock()

	if _, err := s.UserByEmail(u.Email); err == nil {
		return fmt.Errorf("store: email %s already registered", u.Email)
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	if err := s.db.Set(userKey(u.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	if err := s.db.Set(userEmailKey(u.Email), []byte(u.ID), pebble.Sync); err != nil {
		return fmt.Errorf("index user email: %w", err)
	}
	logger.Log.Info("user_created", zap.String("user", u.ID))
	return nil
}

// User returns the user with the given ID.
func (s *Store) User(id string) (core.User, error) {
	var u core.User
	if err := s.getJSON(userKey(id), &u); err != nil {
		return core.User{}, err
	}
	return u, nil
}

// UserByEmail resolves an email to its user record.
func (s *Store) UserByEmail(email string) (core.User, error) {
	val, closer, err := s.db.Get(userEmailKey(email))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return core.User{}, ErrNotFound
		}
		return core.User{}, fmt.Errorf("get user email index: %w", err)
	}
	id := string(val)
	closer.Close()
	return s.User(id)
}

// CreateChat stores a new chat under its owner.
func (s *Store) CreateChat(c core.Chat) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}
	if err := s.db.Set(chatKey(c.UserID, c.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("save chat: %w", err)
	}
	logger.Log.Info("chat_created", zap.String("chat", c.ID), zap.String("user", c.UserID))
	return nil
}

// Chat returns the chat with the given ID, scoped to its owner. A chat
// belonging to another user is indistinguishable from a missing one.
func (s *Store) Chat(userID, chatID string) (core.Chat, error) {
	var c core.Chat
	if err := s.getJSON(chatKey(userID, chatID), &c); err != nil {
		return core.Chat{}, err
	}
	return c, nil
}

// Chats lists every chat owned by the user.
func (s *Store) Chats(userID string) ([]core.Chat, error) {
	prefix := []byte("chat:" + userID + ":")
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, fmt.Errorf("chat iterator: %w", err)
	}
	defer iter.Close()

	var out []core.Chat
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var c core.Chat
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			return nil, fmt.Errorf("unmarshal chat: %w", err)
		}
		out = append(out, c)
	}
	return out, iter.Error()
}

// TouchChat bumps a chat's last-activity timestamp.
func (s *Store) TouchChat(userID, chatID string, at time.Time) error {
	c, err := s.Chat(userID, chatID)
	if err != nil {
		return err
	}
	c.LastActivity = at
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal chat: %w", err)
	}
	return s.db.Set(chatKey(userID, chatID), data, pebble.Sync)
}

// AppendMessage persists a message under its chat. The message's CreatedAt
// drives key ordering; callers set it to the creation time.
func (s *Store) AppendMessage(m core.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	key := s.messageKey(m.ChatID, m.CreatedAt)
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		logger.Log.Error("message_save_failed", zap.String("chat", m.ChatID), zap.Error(err))
		return fmt.Errorf("save message: %w", err)
	}
	logger.Log.Info("message_saved",
		zap.String("chat", m.ChatID),
		zap.String("msg", m.ID),
		zap.String("role", string(m.Role)))
	return nil
}

// Messages returns all messages of a chat in creation order.
func (s *Store) Messages(chatID string) ([]core.Message, error) {
	lower, upper := messageBounds(chatID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("message iterator: %w", err)
	}
	defer iter.Close()

	var out []core.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var m core.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

// Recent returns the newest limit messages of a chat in ascending creation
// order: the store walks backwards from the newest key, then reverses.
func (s *Store) Recent(chatID string, limit int) ([]core.Message, error) {
	lower, upper := messageBounds(chatID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("message iterator: %w", err)
	}
	defer iter.Close()

	var newestFirst []core.Message
	for iter.Last(); iter.Valid() && len(newestFirst) < limit; iter.Prev() {
		var m core.Message
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		newestFirst = append(newestFirst, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}

	out := make([]core.Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(out)-1-i] = m
	}
	return out, nil
}

func messageBounds(chatID string) (lower, upper []byte) {
	prefix := "msg:" + chatID + ":"
	return []byte(prefix), []byte(prefix + "\xff")
}

func (s *Store) getJSON(key []byte, dst interface{}) error {
	val, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(val, dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}
