package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"aluda-backend/internal/chatstore"
	"aluda-backend/internal/usage"
	"aluda-backend/pkg/models"

	"github.com/google/uuid"
)

// TitleSuggester is the upstream title endpoint, time-boxed by the
// implementation.
type TitleSuggester interface {
	SuggestTitle(ctx context.Context, question, sessionID string) (string, error)
}

// Worker drains the background task queue. Title failures fall back to
// the local heuristic and are never surfaced; usage flush failures are
// logged and dropped (the next turn's flush carries fresh totals).
type Worker struct {
	Receiver  Receiver
	Store     *chatstore.Store
	Ledger    *usage.Ledger
	Suggester TitleSuggester
	WaitGroup *sync.WaitGroup
}

func (w *Worker) Start(ctx context.Context) {
	if w.WaitGroup != nil {
		w.WaitGroup.Add(1)
	}
	go func() {
		if w.WaitGroup != nil {
			defer w.WaitGroup.Done()
		}
		for {
			select {
			case <-ctx.Done():
				return
			case task, ok := <-w.Receiver.Tasks():
				if !ok {
					return
				}
				w.handle(ctx, task)
			}
		}
	}()
}

func (w *Worker) handle(ctx context.Context, task Task) {
	var err error
	switch task.Type() {
	case TitleQueue:
		err = w.handleTitleTask(ctx, task.Payload())
	case UsageQueue:
		err = w.handleUsageTask(ctx, task.Payload())
	default:
		slog.Error("unknown task type", "type", task.Type())
		if rejectErr := task.Reject(); rejectErr != nil {
			slog.Error("error rejecting task", "error", rejectErr)
		}
		return
	}

	if err != nil {
		slog.Error("background task failed", "type", task.Type(), "error", err)
		if nackErr := task.Nack(); nackErr != nil {
			slog.Error("error nacking task", "error", nackErr)
		}
		return
	}
	if ackErr := task.Ack(); ackErr != nil {
		slog.Error("error acking task", "error", ackErr)
	}
}

func (w *Worker) handleTitleTask(ctx context.Context, payload []byte) error {
	var task models.TitleTaskPayload
	if err := json.Unmarshal(payload, &task); err != nil {
		return err
	}

	chatID, err := uuid.Parse(task.ChatID)
	if err != nil {
		return err
	}

	chat, err := w.Store.GetChat(ctx, task.Actor, chatID)
	if err != nil {
		return err
	}
	if chat.TitleLocked {
		return nil
	}

	title, err := w.Suggester.SuggestTitle(ctx, task.Question, task.ChatID)
	if err != nil || title == "" {
		// Silent fallback; suggestion failures never reach the user.
		fallback, ok := chatstore.FallbackTitle(task.Question)
		if !ok {
			return nil
		}
		title = fallback
	}

	return w.Store.RenameChat(ctx, task.Actor, chatID, title, false)
}

func (w *Worker) handleUsageTask(ctx context.Context, payload []byte) error {
	var task models.UsageFlushTaskPayload
	if err := json.Unmarshal(payload, &task); err != nil {
		return err
	}
	return w.Ledger.AddUsage(ctx, task.Actor, task.Tokens)
}
