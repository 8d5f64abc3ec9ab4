// Package chatstore owns per-actor chat history: ordered messages,
// title locking, and the active-chat pointer. All mutation goes through
// one serializing writer so message order is append-only by call
// sequence, never reconstructed from timestamps.
package chatstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"aluda-backend/internal/database"
	"aluda-backend/pkg/models"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var ErrChatNotFound = errors.New("chat not found")
var ErrMessageNotFound = errors.New("message not found")

type Store struct {
	db *gorm.DB
	// SQLite only supports one writer at a time, and the submit protocol
	// relies on appends being serialized, so every write takes this lock.
	mu sync.Mutex
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// NewMessage is the caller-supplied part of an append. A zero ID gets a
// fresh uuid; streaming callers pass a stable id up front so the message
// can be grown in place afterwards.
type NewMessage struct {
	ID        uuid.UUID
	Role      string
	Content   string
	ImageURL  string
	ImageURLs []string
}

// Partial is a merge of changes into an existing message, keyed by the
// message id. Nil fields are left untouched.
type Partial struct {
	Content   *string
	ImageURL  *string
	ImageURLs []string
}

func (s *Store) CreateChat(ctx context.Context, actor models.Actor) (*database.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat := &database.ChatSession{
		ID:         uuid.New(),
		ActorScope: actor.ScopeKey(),
		Title:      database.DefaultChatTitle,
		CreatedAt:  time.Now().UTC(),
	}

	return chat, s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(chat).Error; err != nil {
			return fmt.Errorf("error creating chat: %w", err)
		}
		return s.setActive(ctx, txn, actor, chat.ID)
	})
}

// SelectChat makes chatID the actor's active chat. An id that is not
// present locally (stale link after storage eviction) synthesizes a
// placeholder chat rather than erroring, so navigation never dead-ends.
func (s *Store) SelectChat(ctx context.Context, actor models.Actor, chatID uuid.UUID) (*database.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chat database.ChatSession
	err := s.db.WithContext(ctx).
		Where("id = ? AND actor_scope = ?", chatID, actor.ScopeKey()).
		First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// The id may belong to another actor's chat. Mint a fresh id
		// for the placeholder instead of colliding on the primary key.
		var taken int64
		err = s.db.WithContext(ctx).
			Model(&database.ChatSession{}).
			Where("id = ?", chatID).
			Count(&taken).Error
		if err != nil {
			return nil, fmt.Errorf("error selecting chat: %w", err)
		}
		if taken > 0 {
			chatID = uuid.New()
		}
		chat = database.ChatSession{
			ID:         chatID,
			ActorScope: actor.ScopeKey(),
			Title:      database.DefaultChatTitle,
			CreatedAt:  time.Now().UTC(),
		}
		err = s.db.WithContext(ctx).Create(&chat).Error
	}
	if err != nil {
		return nil, fmt.Errorf("error selecting chat: %w", err)
	}

	if err := s.setActive(ctx, s.db, actor, chat.ID); err != nil {
		return nil, err
	}
	return &chat, nil
}

func (s *Store) GetChat(ctx context.Context, actor models.Actor, chatID uuid.UUID) (*database.ChatSession, error) {
	var chat database.ChatSession
	err := s.db.WithContext(ctx).
		Where("id = ? AND actor_scope = ?", chatID, actor.ScopeKey()).
		First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("error getting chat: %w", err)
	}
	return &chat, nil
}

// ListChats returns the actor's chats, newest first.
func (s *Store) ListChats(ctx context.Context, actor models.Actor) ([]database.ChatSession, error) {
	var chats []database.ChatSession
	err := s.db.WithContext(ctx).
		Where("actor_scope = ?", actor.ScopeKey()).
		Order("created_at DESC").
		Find(&chats).Error
	if err != nil {
		return nil, fmt.Errorf("error listing chats: %w", err)
	}
	return chats, nil
}

// ActiveChatID returns the actor's active chat, if any.
func (s *Store) ActiveChatID(ctx context.Context, actor models.Actor) (uuid.UUID, bool, error) {
	var active database.ActiveChat
	err := s.db.WithContext(ctx).
		Where("actor_scope = ?", actor.ScopeKey()).
		First(&active).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("error loading active chat: %w", err)
	}
	return active.ChatID, true, nil
}

// DeleteChat removes the chat and its messages. Chats outside the
// actor's scope return ErrChatNotFound untouched. If it was the active
// chat, the actor is left with no active chat; the caller decides
// whether to re-select or create a new one.
func (s *Store) DeleteChat(ctx context.Context, actor models.Actor, chatID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		var chat database.ChatSession
		err := txn.Where("id = ? AND actor_scope = ?", chatID, actor.ScopeKey()).First(&chat).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrChatNotFound
		}
		if err != nil {
			return fmt.Errorf("error loading chat: %w", err)
		}
		if err := txn.Delete(&database.ChatMessage{}, "chat_id = ?", chat.ID).Error; err != nil {
			return fmt.Errorf("error deleting chat messages: %w", err)
		}
		if err := txn.Delete(&database.ChatSession{}, "id = ?", chat.ID).Error; err != nil {
			return fmt.Errorf("error deleting chat: %w", err)
		}
		return txn.Delete(&database.ActiveChat{}, "actor_scope = ? AND chat_id = ?", actor.ScopeKey(), chat.ID).Error
	})
}

// RenameChat sets the title and locks it. With manual=false it is a
// no-op on a locked title; a manual rename always wins and locks the
// title permanently against further automatic changes.
func (s *Store) RenameChat(ctx context.Context, actor models.Actor, chatID uuid.UUID, title string, manual bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renameLocked(ctx, actor, chatID, title, manual)
}

func (s *Store) renameLocked(ctx context.Context, actor models.Actor, chatID uuid.UUID, title string, manual bool) error {
	chat, err := s.GetChat(ctx, actor, chatID)
	if err != nil {
		return err
	}
	if chat.TitleLocked && !manual {
		return nil
	}

	err = s.db.WithContext(ctx).
		Model(&database.ChatSession{}).
		Where("id = ? AND actor_scope = ?", chatID, actor.ScopeKey()).
		Updates(map[string]any{"title": title, "title_locked": true}).Error
	if err != nil {
		return fmt.Errorf("error renaming chat: %w", err)
	}
	return nil
}

// AddMessage appends to the chat with the next sequence number. The
// first user message with non-greeting text also derives and locks the
// chat title, unless already locked.
func (s *Store) AddMessage(ctx context.Context, actor models.Actor, chatID uuid.UUID, msg NewMessage) (*database.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, err := s.GetChat(ctx, actor, chatID)
	if err != nil {
		return nil, err
	}

	id := msg.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var urls datatypes.JSON
	if len(msg.ImageURLs) > 0 {
		b, err := json.Marshal(msg.ImageURLs)
		if err != nil {
			return nil, fmt.Errorf("error marshalling image urls: %w", err)
		}
		urls = datatypes.JSON(b)
	}

	row := &database.ChatMessage{
		ID:        id,
		ChatID:    chatID,
		Role:      msg.Role,
		Content:   msg.Content,
		Seq:       chat.NextSeq,
		Timestamp: time.Now().UTC(),
		ImageURL:  msg.ImageURL,
		ImageURLs: urls,
	}

	err = s.db.WithContext(ctx).Transaction(func(txn *gorm.DB) error {
		if err := txn.Create(row).Error; err != nil {
			return fmt.Errorf("error saving message: %w", err)
		}
		return txn.Model(&database.ChatSession{}).
			Where("id = ?", chatID).
			Update("next_seq", gorm.Expr("next_seq + 1")).Error
	})
	if err != nil {
		return nil, err
	}

	// Greetings derive no title, so the first substantive user message
	// wins; the rename locks the title against later messages.
	if msg.Role == database.UserRole && !chat.TitleLocked {
		if title, ok := DeriveTitle(msg.Content); ok {
			if err := s.renameLocked(ctx, actor, chatID, title, false); err != nil {
				return nil, err
			}
		}
	}

	return row, nil
}

// UpdateMessage merges partial changes into the message with the given
// id. Used to grow assistant content during streaming; it touches only
// the matched row and never disturbs ordering.
func (s *Store) UpdateMessage(ctx context.Context, actor models.Actor, chatID, messageID uuid.UUID, partial Partial) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	updates := map[string]any{}
	if partial.Content != nil {
		updates["content"] = *partial.Content
	}
	if partial.ImageURL != nil {
		updates["image_url"] = *partial.ImageURL
	}
	if len(partial.ImageURLs) > 0 {
		b, err := json.Marshal(partial.ImageURLs)
		if err != nil {
			return fmt.Errorf("error marshalling image urls: %w", err)
		}
		updates["image_urls"] = datatypes.JSON(b)
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.db.WithContext(ctx).
		Model(&database.ChatMessage{}).
		Where("id = ? AND chat_id = ?", messageID, chatID).
		Where("chat_id IN (?)", s.db.Model(&database.ChatSession{}).Select("id").Where("actor_scope = ?", actor.ScopeKey())).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("error updating message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// History returns the chat's messages in append order.
func (s *Store) History(ctx context.Context, actor models.Actor, chatID uuid.UUID, limit, offset int) ([]database.ChatMessage, error) {
	if _, err := s.GetChat(ctx, actor, chatID); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var history []database.ChatMessage
	if err := q.Find(&history).Error; err != nil {
		return nil, fmt.Errorf("error loading history: %w", err)
	}
	return history, nil
}

func (s *Store) setActive(ctx context.Context, txn *gorm.DB, actor models.Actor, chatID uuid.UUID) error {
	active := database.ActiveChat{ActorScope: actor.ScopeKey(), ChatID: chatID}
	err := txn.WithContext(ctx).Save(&active).Error
	if err != nil {
		return fmt.Errorf("error setting active chat: %w", err)
	}
	return nil
}
