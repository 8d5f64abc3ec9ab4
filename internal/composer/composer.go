// Package composer wires user input, admission control, chat mutation,
// and the upstream streaming handler into the submit protocol. The step
// order is a contract: validation, admission, chat resolution,
// attachment snapshot, optimistic append, concurrent title task,
// streaming, background usage flush.
package composer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"aluda-backend/internal/chatstore"
	"aluda-backend/internal/database"
	"aluda-backend/internal/flowise"
	"aluda-backend/internal/messaging"
	"aluda-backend/internal/objstore"
	"aluda-backend/internal/usage"
	"aluda-backend/pkg/api"
	"aluda-backend/pkg/models"

	"github.com/google/uuid"
)

// ErrorMarker prefixes every chat-visible error message.
const ErrorMarker = "⚠️ შეცდომა: "

// historyWindow is how many prior messages accompany a turn upstream.
const historyWindow = 20

var ErrEmptySubmit = errors.New("nothing to send")
var ErrVisionRequired = errors.New("image attachments require the premium model")

// Upstream is the streaming chat proxy.
type Upstream interface {
	Send(ctx context.Context, req flowise.TurnRequest, onDelta func(delta string) error) (*flowise.TurnResult, error)
}

// AttachmentStore persists uploaded files and returns their URLs.
type AttachmentStore interface {
	PutAttachment(ctx context.Context, actorScope, filename, contentType string, data []byte) (string, error)
}

type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

type SubmitRequest struct {
	Text        string
	ChatID      string
	Model       models.ChatModel
	Attachments []Attachment
	// OnDelta receives each sanitized chunk for live forwarding to the
	// client. Forwarding failures are logged, never fatal.
	OnDelta func(delta string) error
}

type SubmitResult struct {
	ChatID             uuid.UUID
	UserMessageID      uuid.UUID
	AssistantMessageID uuid.UUID
	Text               string
	Title              string
	// Denied is set when admission control rejected the turn; nothing
	// was appended and nothing was dispatched.
	Denied *usage.Decision
}

type Composer struct {
	store       *chatstore.Store
	ledger      *usage.Ledger
	upstream    Upstream
	queue       messaging.Publisher
	attachments AttachmentStore
	compressor  objstore.Compressor

	// turns tracks the in-flight streaming turn per chat so a new turn
	// or a chat delete can cancel a stale stream before it mutates the
	// wrong state.
	turnsMu sync.Mutex
	turns   map[uuid.UUID]*turnHandle
}

type turnHandle struct {
	cancel context.CancelFunc
}

func New(store *chatstore.Store, ledger *usage.Ledger, upstream Upstream, queue messaging.Publisher, attachments AttachmentStore) *Composer {
	return &Composer{
		store:       store,
		ledger:      ledger,
		upstream:    upstream,
		queue:       queue,
		attachments: attachments,
		compressor:  objstore.NewCompressor(),
		turns:       make(map[uuid.UUID]*turnHandle),
	}
}

// Submit runs one turn of the chat protocol.
func (c *Composer) Submit(ctx context.Context, actor models.Actor, req SubmitRequest) (*SubmitResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" && len(req.Attachments) == 0 {
		return nil, ErrEmptySubmit
	}
	if len(req.Attachments) > 0 && !req.Model.SupportsVision() {
		return nil, ErrVisionRequired
	}

	// Admission control runs before anything is appended or dispatched.
	inputTokens, err := c.ledger.EstimateTokens(actor, req.Model, text)
	if errors.Is(err, usage.ErrPremiumModelForbidden) {
		decision := &usage.Decision{Allowed: false, Limits: usage.LimitsFor(actor), Redirect: usage.SigninRedirect}
		return &SubmitResult{Denied: decision}, nil
	}
	if err != nil {
		return nil, err
	}
	decision, err := c.ledger.CanConsume(ctx, actor, inputTokens)
	if err != nil {
		// Ledger unreachable: fail closed.
		slog.Error("usage ledger check failed, denying request", "error", err)
		return &SubmitResult{Denied: &decision}, nil
	}
	if !decision.Allowed {
		return &SubmitResult{Denied: &decision}, nil
	}

	chat, err := c.resolveChat(ctx, actor, req.ChatID)
	if err != nil {
		return nil, err
	}

	// Snapshot the attachments and turn them into URLs up front; the
	// pending-attachment state is consumed here regardless of how the
	// rest of the turn goes.
	uploads, upstreamFiles, err := c.uploadAttachments(ctx, actor, req.Attachments)
	if err != nil {
		return c.failTurn(ctx, actor, chat.ID, uuid.Nil, "", err)
	}

	// The request shape (JSON or multipart) is resolved exactly once.
	history, err := c.recentHistory(ctx, actor, chat.ID)
	if err != nil {
		return nil, err
	}
	turnReq := flowise.TurnRequest{
		Message:     text,
		ChatID:      chat.ID.String(),
		Model:       req.Model,
		History:     history,
		Attachments: upstreamFiles,
	}

	titleWasLocked := chat.TitleLocked

	// Optimistic append: the user message is visible before the network
	// round-trip starts.
	userMsg := chatstore.NewMessage{Role: database.UserRole, Content: text}
	if len(uploads) == 1 {
		userMsg.ImageURL = uploads[0]
	}
	if len(uploads) > 1 {
		userMsg.ImageURLs = uploads
	}
	userRow, err := c.store.AddMessage(ctx, actor, chat.ID, userMsg)
	if err != nil {
		return nil, err
	}

	// Title suggestion runs concurrently and never blocks the turn.
	if !titleWasLocked && text != "" && !chatstore.IsGreeting(text) {
		task := models.TitleTaskPayload{Actor: actor, ChatID: chat.ID.String(), Question: text}
		if err := c.queue.PublishTitleTask(ctx, task); err != nil {
			slog.Error("error queueing title task", "error", err)
		}
	}

	result, err := c.streamTurn(ctx, actor, chat.ID, turnReq, req.OnDelta)

	// Usage counters refresh in the background regardless of outcome.
	defer c.flushUsage(ctx, actor, req.Model, inputTokens, result)

	if err != nil {
		res, failErr := c.failTurn(ctx, actor, chat.ID, result.assistantID, result.partial, err)
		if res != nil {
			res.UserMessageID = userRow.ID
		}
		return res, failErr
	}

	finalChat, err := c.store.GetChat(ctx, actor, chat.ID)
	if err != nil {
		return nil, err
	}

	return &SubmitResult{
		ChatID:             chat.ID,
		UserMessageID:      userRow.ID,
		AssistantMessageID: result.assistantID,
		Text:               result.text,
		Title:              finalChat.Title,
	}, nil
}

// CancelTurn aborts the chat's in-flight streaming turn, if any. Called
// on chat switch and delete so a late token cannot land in stale state.
func (c *Composer) CancelTurn(chatID uuid.UUID) {
	c.turnsMu.Lock()
	defer c.turnsMu.Unlock()
	if handle, ok := c.turns[chatID]; ok {
		handle.cancel()
		delete(c.turns, chatID)
	}
}

type turnOutcome struct {
	assistantID uuid.UUID
	text        string
	partial     string
}

func (c *Composer) streamTurn(ctx context.Context, actor models.Actor, chatID uuid.UUID, turnReq flowise.TurnRequest, forward func(string) error) (turnOutcome, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	handle := &turnHandle{cancel: cancel}
	c.turnsMu.Lock()
	if prev, ok := c.turns[chatID]; ok {
		prev.cancel()
	}
	c.turns[chatID] = handle
	c.turnsMu.Unlock()
	defer func() {
		cancel()
		c.turnsMu.Lock()
		if c.turns[chatID] == handle {
			delete(c.turns, chatID)
		}
		c.turnsMu.Unlock()
	}()

	// The assistant message gets a stable id up front and grows in
	// place as tokens arrive.
	assistantRow, err := c.store.AddMessage(ctx, actor, chatID, chatstore.NewMessage{Role: database.AssistantRole})
	if err != nil {
		return turnOutcome{}, err
	}

	var acc strings.Builder
	onDelta := func(delta string) error {
		// Liveness check: a cancelled turn must not mutate the chat.
		if turnCtx.Err() != nil {
			return turnCtx.Err()
		}
		acc.WriteString(delta)
		content := acc.String()
		if err := c.store.UpdateMessage(ctx, actor, chatID, assistantRow.ID, chatstore.Partial{Content: &content}); err != nil {
			return err
		}
		if forward != nil {
			if err := forward(delta); err != nil {
				// Forwarding is the scroll side effect's analogue: best
				// effort, never aborts the turn.
				slog.Error("error forwarding stream chunk", "error", err)
			}
		}
		return nil
	}

	result, err := c.upstream.Send(turnCtx, turnReq, onDelta)
	outcome := turnOutcome{assistantID: assistantRow.ID, partial: acc.String()}
	if err != nil {
		return outcome, err
	}

	// The cleaned final text can differ from the accumulated chunks
	// (tail cleanup); reconcile the stored message by its id.
	outcome.text = result.Text
	if result.Text != acc.String() {
		if err := c.store.UpdateMessage(ctx, actor, chatID, assistantRow.ID, chatstore.Partial{Content: &result.Text}); err != nil {
			return outcome, err
		}
	}
	return outcome, nil
}

// failTurn surfaces an error as a visible assistant message. Partial
// streamed content is preserved; the error lands after it.
func (c *Composer) failTurn(ctx context.Context, actor models.Actor, chatID, assistantID uuid.UUID, partial string, cause error) (*SubmitResult, error) {
	var quotaErr *flowise.QuotaError
	if errors.As(cause, &quotaErr) {
		decision, err := c.ledger.CanConsume(ctx, actor, 0)
		if err != nil {
			slog.Error("error refreshing usage after upstream 402", "error", err)
		}
		decision.Allowed = false
		if decision.Redirect == "" {
			decision.Redirect = usage.BuyRedirect
		}
		return &SubmitResult{ChatID: chatID, Denied: &decision}, nil
	}

	message := ErrorMarker + "პასუხის მიღება ვერ მოხერხდა. სცადეთ თავიდან."
	slog.Error("chat turn failed", "chat_id", chatID, "error", cause)

	if assistantID != uuid.Nil && partial == "" {
		if err := c.store.UpdateMessage(ctx, actor, chatID, assistantID, chatstore.Partial{Content: &message}); err != nil {
			slog.Error("error writing error message", "error", err)
		}
		return &SubmitResult{ChatID: chatID, AssistantMessageID: assistantID, Text: message}, nil
	}

	row, err := c.store.AddMessage(ctx, actor, chatID, chatstore.NewMessage{Role: database.AssistantRole, Content: message})
	if err != nil {
		return nil, fmt.Errorf("error appending error message: %w", err)
	}
	return &SubmitResult{ChatID: chatID, AssistantMessageID: row.ID, Text: message}, nil
}

func (c *Composer) resolveChat(ctx context.Context, actor models.Actor, chatID string) (*database.ChatSession, error) {
	if chatID != "" {
		id, err := uuid.Parse(chatID)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q: %w", chatID, err)
		}
		return c.store.SelectChat(ctx, actor, id)
	}

	if activeID, ok, err := c.store.ActiveChatID(ctx, actor); err == nil && ok {
		if chat, err := c.store.GetChat(ctx, actor, activeID); err == nil {
			return chat, nil
		}
	}

	return c.store.CreateChat(ctx, actor)
}

func (c *Composer) uploadAttachments(ctx context.Context, actor models.Actor, attachments []Attachment) ([]string, []flowise.Attachment, error) {
	if len(attachments) == 0 {
		return nil, nil, nil
	}
	if c.attachments == nil {
		// No object store configured; files still go upstream inline.
		files := make([]flowise.Attachment, 0, len(attachments))
		for _, att := range attachments {
			data, contentType := c.compressor.Compress(att.Data, att.ContentType)
			files = append(files, flowise.Attachment{Name: att.Name, ContentType: contentType, Data: data})
		}
		return nil, files, nil
	}

	urls := make([]string, 0, len(attachments))
	files := make([]flowise.Attachment, 0, len(attachments))
	for _, att := range attachments {
		data, contentType := c.compressor.Compress(att.Data, att.ContentType)
		url, err := c.attachments.PutAttachment(ctx, actor.ScopeKey(), att.Name, contentType, data)
		if err != nil {
			return nil, nil, fmt.Errorf("error storing attachment %s: %w", att.Name, err)
		}
		urls = append(urls, url)
		files = append(files, flowise.Attachment{Name: att.Name, ContentType: contentType, Data: data})
	}
	return urls, files, nil
}

func (c *Composer) recentHistory(ctx context.Context, actor models.Actor, chatID uuid.UUID) ([]api.HistoryItem, error) {
	rows, err := c.store.History(ctx, actor, chatID, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(rows) > historyWindow {
		rows = rows[len(rows)-historyWindow:]
	}
	history := make([]api.HistoryItem, 0, len(rows))
	for _, row := range rows {
		history = append(history, api.HistoryItem{Role: row.Role, Content: row.Content})
	}
	return history, nil
}

func (c *Composer) flushUsage(ctx context.Context, actor models.Actor, model models.ChatModel, inputTokens int64, result turnOutcome) {
	outputTokens := int64(0)
	if result.text != "" {
		if est, err := c.ledger.EstimateTokens(actor, model, result.text); err == nil {
			outputTokens = est
		}
	}
	task := models.UsageFlushTaskPayload{Actor: actor, Tokens: inputTokens + outputTokens}
	if err := c.queue.PublishUsageFlushTask(ctx, task); err != nil {
		slog.Error("error queueing usage flush", "error", err)
	}
}
