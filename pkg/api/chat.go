package api

import (
	"time"

	"github.com/google/uuid"
)

type ChatTurnRequest struct {
	Message string        `json:"message"`
	ChatID  string        `json:"chatId"`
	Model   string        `json:"model"`
	History []HistoryItem `json:"history,omitempty"`
}

type HistoryItem struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatTurnResponse struct {
	Text    string `json:"text"`
	ChatID  string `json:"chatId"`
	AiTitle string `json:"aiTitle,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StreamEvent is one SSE data line of a streaming chat reply.
type StreamEvent struct {
	Event string `json:"event"`
	Data  string `json:"data,omitempty"`
}

type CreateSessionRequest struct {
	Title string `json:"title,omitempty"`
}

type SessionMetadata struct {
	ID          uuid.UUID `json:"id"`
	Title       string    `json:"title"`
	TitleLocked bool      `json:"titleLocked"`
	CreatedAt   time.Time `json:"createdAt"`
	Active      bool      `json:"active,omitempty"`
}

type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
}

type RenameSessionRequest struct {
	Title string `json:"title"`
}

type HistoryQuery struct {
	Limit  int `schema:"limit"`
	Offset int `schema:"offset"`
}

type ChatHistoryItem struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	ImageURL  string    `json:"imageUrl,omitempty"`
	ImageURLs []string  `json:"imageUrls,omitempty"`
}

type TitleRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"sessionId"`
}

type TitleResponse struct {
	Title string `json:"title"`
}
