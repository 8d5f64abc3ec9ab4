package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"aluda-backend/internal/chatstore"
	"aluda-backend/internal/composer"
	"aluda-backend/internal/database"
	"aluda-backend/internal/flowise"
	"aluda-backend/pkg/api"
	"aluda-backend/pkg/models"
)

// maxAttachmentMemory bounds in-memory multipart parsing; larger files
// spill to disk.
const maxAttachmentMemory = 8 << 20

type ChatService struct {
	store    *chatstore.Store
	composer *composer.Composer
	upstream *flowise.Client
}

func NewChatService(store *chatstore.Store, comp *composer.Composer, upstream *flowise.Client) *ChatService {
	return &ChatService{
		store:    store,
		composer: comp,
		upstream: upstream,
	}
}

func (s *ChatService) AddRoutes(r chi.Router) {
	r.Route("/chat", func(r chi.Router) {
		r.Post("/", s.SendMessage)
		r.Post("/title", RestHandler(s.SuggestTitle))
		r.Get("/sessions", RestHandler(s.GetSessions))
		r.Post("/sessions", RestHandler(s.StartSession))
		r.Post("/sessions/{session_id}/select", RestHandler(s.SelectSession))
		r.Post("/sessions/{session_id}/rename", RestHandler(s.RenameSession))
		r.Delete("/sessions/{session_id}", RestHandler(s.DeleteSession))
		r.Get("/sessions/{session_id}/history", RestHandler(s.GetHistory))
	})
}

// SendMessage runs one chat turn. The response is an SSE stream when
// the client asks for one, otherwise a single JSON body. A quota
// rejection is a 402 with the current counters and a redirect target.
func (s *ChatService) SendMessage(w http.ResponseWriter, r *http.Request) {
	actor := ActorFromRequest(r)

	req, err := parseTurnRequest(r)
	if err != nil {
		writeRestError(w, err)
		return
	}

	if wantsStream(r) {
		s.streamTurn(w, r, actor, req)
		return
	}

	result, err := s.composer.Submit(r.Context(), actor, req)
	if err != nil {
		writeRestError(w, err)
		return
	}
	if result.Denied != nil {
		writeQuotaExceeded(w, result.Denied)
		return
	}
	WriteJsonResponse(w, api.ChatTurnResponse{
		Text:    result.Text,
		ChatID:  result.ChatID.String(),
		AiTitle: result.Title,
	})
}

func (s *ChatService) streamTurn(w http.ResponseWriter, r *http.Request, actor models.Actor, req composer.SubmitRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeRestError(w, CodedErrorf(http.StatusInternalServerError, "streaming unsupported by connection"))
		return
	}

	// Admission happens inside Submit before any event is emitted; the
	// headers are only committed once the first delta (or the terminal
	// event) is ready, so the 402 path stays a plain JSON response.
	headersSent := false
	sendEvent := func(event api.StreamEvent) error {
		if !headersSent {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.WriteHeader(http.StatusOK)
			headersSent = true
		}
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	req.OnDelta = func(delta string) error {
		return sendEvent(api.StreamEvent{Event: "token", Data: delta})
	}

	result, err := s.composer.Submit(r.Context(), actor, req)
	if err != nil {
		if headersSent {
			if sendErr := sendEvent(api.StreamEvent{Event: "error", Data: err.Error()}); sendErr != nil {
				slog.Error("error emitting stream error event", "error", sendErr)
			}
			return
		}
		writeRestError(w, err)
		return
	}
	if result.Denied != nil {
		writeQuotaExceeded(w, result.Denied)
		return
	}

	meta, err := json.Marshal(api.ChatTurnResponse{
		Text:    result.Text,
		ChatID:  result.ChatID.String(),
		AiTitle: result.Title,
	})
	if err != nil {
		slog.Error("error encoding stream end event", "error", err)
		return
	}
	if err := sendEvent(api.StreamEvent{Event: "end", Data: string(meta)}); err != nil {
		slog.Error("error emitting stream end event", "error", err)
	}
}

func (s *ChatService) SuggestTitle(r *http.Request) (any, error) {
	req, err := ParseRequest[api.TitleRequest](r)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "question must not be empty")
	}

	title, err := s.upstream.SuggestTitle(r.Context(), req.Question, req.SessionID)
	if err != nil || strings.TrimSpace(title) == "" {
		if err != nil {
			slog.Error("title suggestion failed, using local fallback", "error", err)
		}
		fallback, ok := chatstore.FallbackTitle(req.Question)
		if !ok {
			fallback = database.DefaultChatTitle
		}
		title = fallback
	}

	return api.TitleResponse{Title: title}, nil
}

func (s *ChatService) GetSessions(r *http.Request) (any, error) {
	actor := ActorFromRequest(r)

	sessions, err := s.store.ListChats(r.Context(), actor)
	if err != nil {
		return nil, err
	}
	activeID, hasActive, err := s.store.ActiveChatID(r.Context(), actor)
	if err != nil {
		return nil, err
	}

	out := make([]api.SessionMetadata, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, api.SessionMetadata{
			ID:          session.ID,
			Title:       session.Title,
			TitleLocked: session.TitleLocked,
			CreatedAt:   session.CreatedAt,
			Active:      hasActive && session.ID == activeID,
		})
	}
	return out, nil
}

func (s *ChatService) StartSession(r *http.Request) (any, error) {
	actor := ActorFromRequest(r)

	req, err := ParseRequest[api.CreateSessionRequest](r)
	if err != nil {
		return nil, err
	}

	chat, err := s.store.CreateChat(r.Context(), actor)
	if err != nil {
		return nil, err
	}
	if title := strings.TrimSpace(req.Title); title != "" {
		if err := s.store.RenameChat(r.Context(), actor, chat.ID, title, true); err != nil {
			return nil, err
		}
	}

	return api.CreateSessionResponse{SessionID: chat.ID.String()}, nil
}

// SelectSession makes the chat the actor's active one. Any stream still
// running against the previously active chat is cancelled first.
func (s *ChatService) SelectSession(r *http.Request) (any, error) {
	actor := ActorFromRequest(r)

	sessionID, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}

	if prevID, ok, err := s.store.ActiveChatID(r.Context(), actor); err == nil && ok && prevID != sessionID {
		s.composer.CancelTurn(prevID)
	}

	chat, err := s.store.SelectChat(r.Context(), actor, sessionID)
	if err != nil {
		return nil, err
	}

	return api.SessionMetadata{
		ID:          chat.ID,
		Title:       chat.Title,
		TitleLocked: chat.TitleLocked,
		CreatedAt:   chat.CreatedAt,
		Active:      true,
	}, nil
}

func (s *ChatService) RenameSession(r *http.Request) (any, error) {
	actor := ActorFromRequest(r)

	sessionID, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}
	req, err := ParseRequest[api.RenameSessionRequest](r)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, CodedErrorf(http.StatusUnprocessableEntity, "title must not be empty")
	}

	if err := s.store.RenameChat(r.Context(), actor, sessionID, req.Title, true); err != nil {
		return nil, err
	}

	return nil, nil
}

func (s *ChatService) DeleteSession(r *http.Request) (any, error) {
	actor := ActorFromRequest(r)

	sessionID, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}

	// Ownership check before touching the turn registry, so a foreign
	// actor can neither cancel nor delete someone else's chat.
	if _, err := s.store.GetChat(r.Context(), actor, sessionID); err != nil {
		if errors.Is(err, chatstore.ErrChatNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "chat not found")
		}
		return nil, err
	}

	s.composer.CancelTurn(sessionID)
	if err := s.store.DeleteChat(r.Context(), actor, sessionID); err != nil {
		if errors.Is(err, chatstore.ErrChatNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "chat not found")
		}
		return nil, err
	}

	return nil, nil
}

func (s *ChatService) GetHistory(r *http.Request) (any, error) {
	actor := ActorFromRequest(r)

	sessionID, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}
	params, err := ParseRequestQueryParams[api.HistoryQuery](r)
	if err != nil {
		return nil, err
	}

	rows, err := s.store.History(r.Context(), actor, sessionID, params.Limit, params.Offset)
	if err != nil {
		return nil, err
	}

	out := make([]api.ChatHistoryItem, 0, len(rows))
	for _, row := range rows {
		item := api.ChatHistoryItem{
			ID:        row.ID,
			Role:      row.Role,
			Content:   row.Content,
			Timestamp: row.Timestamp,
			ImageURL:  row.ImageURL,
		}
		if len(row.ImageURLs) > 0 {
			if err := json.Unmarshal(row.ImageURLs, &item.ImageURLs); err != nil {
				slog.Error("error decoding message image urls", "message_id", row.ID, "error", err)
			}
		}
		out = append(out, item)
	}
	return out, nil
}

func parseTurnRequest(r *http.Request) (composer.SubmitRequest, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.HasPrefix(contentType, "multipart/form-data") {
		return parseMultipartTurn(r)
	}

	body, err := ParseRequest[api.ChatTurnRequest](r)
	if err != nil {
		return composer.SubmitRequest{}, err
	}
	model, err := models.ParseChatModel(body.Model)
	if err != nil {
		return composer.SubmitRequest{}, CodedError(http.StatusUnprocessableEntity, err)
	}
	return composer.SubmitRequest{
		Text:   body.Message,
		ChatID: body.ChatID,
		Model:  model,
	}, nil
}

func parseMultipartTurn(r *http.Request) (composer.SubmitRequest, error) {
	if err := r.ParseMultipartForm(maxAttachmentMemory); err != nil {
		return composer.SubmitRequest{}, CodedErrorf(http.StatusBadRequest, "error parsing multipart request: %v", err)
	}

	model, err := models.ParseChatModel(r.FormValue("model"))
	if err != nil {
		return composer.SubmitRequest{}, CodedError(http.StatusUnprocessableEntity, err)
	}

	req := composer.SubmitRequest{
		Text:   r.FormValue("message"),
		ChatID: r.FormValue("chatId"),
		Model:  model,
	}

	for _, headers := range r.MultipartForm.File {
		for _, header := range headers {
			file, err := header.Open()
			if err != nil {
				return composer.SubmitRequest{}, CodedErrorf(http.StatusBadRequest, "error opening attachment %s: %v", header.Filename, err)
			}
			data, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				return composer.SubmitRequest{}, CodedErrorf(http.StatusBadRequest, "error reading attachment %s: %v", header.Filename, err)
			}
			req.Attachments = append(req.Attachments, composer.Attachment{
				Name:        header.Filename,
				ContentType: header.Header.Get("Content-Type"),
				Data:        data,
			})
		}
	}

	return req, nil
}

func wantsStream(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("x-streaming"), "true") {
		return true
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}
