package composer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"aluda-backend/internal/chatstore"
	"aluda-backend/internal/database"
	"aluda-backend/internal/flowise"
	"aluda-backend/internal/usage"
	"aluda-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testWait = 2 * time.Second
	testTick = 5 * time.Millisecond
)

type fakeUpstream struct {
	mu     sync.Mutex
	chunks []string
	err    error
	calls  int
	// block holds the stream open until released, for cancellation tests.
	block chan struct{}
}

func (f *fakeUpstream) Send(ctx context.Context, req flowise.TurnRequest, onDelta func(string) error) (*flowise.TurnResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return &flowise.TurnResult{State: flowise.Failed}, ctx.Err()
		}
	}
	if f.err != nil {
		return &flowise.TurnResult{State: flowise.Failed}, f.err
	}

	var acc strings.Builder
	for _, chunk := range f.chunks {
		if ctx.Err() != nil {
			return &flowise.TurnResult{State: flowise.Failed, Text: acc.String()}, ctx.Err()
		}
		acc.WriteString(chunk)
		if onDelta != nil {
			if err := onDelta(chunk); err != nil {
				return &flowise.TurnResult{State: flowise.Failed, Text: acc.String()}, err
			}
		}
	}
	return &flowise.TurnResult{State: flowise.Completed, Text: acc.String(), TokenEvents: len(f.chunks), Streamed: true}, nil
}

func (f *fakeUpstream) sendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingQueue struct {
	mu         sync.Mutex
	titleTasks []models.TitleTaskPayload
	usageTasks []models.UsageFlushTaskPayload
}

func (q *recordingQueue) PublishTitleTask(ctx context.Context, payload models.TitleTaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.titleTasks = append(q.titleTasks, payload)
	return nil
}

func (q *recordingQueue) PublishUsageFlushTask(ctx context.Context, payload models.UsageFlushTaskPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.usageTasks = append(q.usageTasks, payload)
	return nil
}

func (q *recordingQueue) Close() {}

func newTestComposer(t *testing.T, upstream Upstream) (*Composer, *chatstore.Store, *recordingQueue) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	store := chatstore.NewStore(db)
	ledger := usage.NewLedger(db, usage.DefaultPolicy())
	queue := &recordingQueue{}
	return New(store, ledger, upstream, queue, nil), store, queue
}

func freeUser() models.Actor {
	return models.Actor{Type: models.UserActor, ID: "u1", Plan: models.FreePlan}
}

func TestSubmitHappyPath(t *testing.T) {
	upstream := &fakeUpstream{chunks: []string{"ეს ", "არის ", "პასუხი"}}
	comp, store, queue := newTestComposer(t, upstream)
	ctx := context.Background()
	actor := freeUser()

	var deltas []string
	result, err := comp.Submit(ctx, actor, SubmitRequest{
		Text:  "მომიყევი ქართული ღვინის ისტორია",
		Model: models.ModelFree,
		OnDelta: func(d string) error {
			deltas = append(deltas, d)
			return nil
		},
	})
	require.NoError(t, err)
	require.Nil(t, result.Denied)
	assert.Equal(t, "ეს არის პასუხი", result.Text)
	assert.Equal(t, []string{"ეს ", "არის ", "პასუხი"}, deltas)

	history, err := store.History(ctx, actor, result.ChatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, database.UserRole, history[0].Role)
	assert.Equal(t, "მომიყევი ქართული ღვინის ისტორია", history[0].Content)
	assert.Equal(t, database.AssistantRole, history[1].Role)
	assert.Equal(t, "ეს არის პასუხი", history[1].Content)

	// One title task and one usage flush were queued.
	assert.Len(t, queue.titleTasks, 1)
	assert.Len(t, queue.usageTasks, 1)
	assert.Positive(t, queue.usageTasks[0].Tokens)
}

func TestSubmitEmptyInput(t *testing.T) {
	comp, _, _ := newTestComposer(t, &fakeUpstream{})

	_, err := comp.Submit(context.Background(), freeUser(), SubmitRequest{Text: "   ", Model: models.ModelFree})
	assert.ErrorIs(t, err, ErrEmptySubmit)
}

func TestSubmitQuotaDeniedBeforeDispatch(t *testing.T) {
	upstream := &fakeUpstream{chunks: []string{"never"}}
	comp, store, queue := newTestComposer(t, upstream)
	ctx := context.Background()
	actor := models.Actor{Type: models.GuestActor, ID: "g1"}

	// 3000-token daily limit for guests; ~16k chars blows through it.
	result, err := comp.Submit(ctx, actor, SubmitRequest{
		Text:  strings.Repeat("ა", 16_000),
		Model: models.ModelFree,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Denied)
	assert.False(t, result.Denied.Allowed)
	assert.Equal(t, usage.SigninRedirect, result.Denied.Redirect)

	// Nothing was dispatched and nothing was appended.
	assert.Zero(t, upstream.sendCalls())
	chats, err := store.ListChats(ctx, actor)
	require.NoError(t, err)
	assert.Empty(t, chats)
	assert.Empty(t, queue.titleTasks)
	assert.Empty(t, queue.usageTasks)
}

func TestSubmitGuestPremiumModelDenied(t *testing.T) {
	upstream := &fakeUpstream{chunks: []string{"never"}}
	comp, _, _ := newTestComposer(t, upstream)

	result, err := comp.Submit(context.Background(), models.Actor{Type: models.GuestActor, ID: "g1"}, SubmitRequest{
		Text:  "პრემიუმ კითხვა",
		Model: models.ModelPlus,
	})
	require.NoError(t, err)
	require.NotNil(t, result.Denied)
	assert.Equal(t, usage.SigninRedirect, result.Denied.Redirect)
	assert.Zero(t, upstream.sendCalls())
}

func TestSubmitUpstreamFailureWritesErrorMessage(t *testing.T) {
	upstream := &fakeUpstream{err: errors.New("connection refused")}
	comp, store, _ := newTestComposer(t, upstream)
	ctx := context.Background()
	actor := freeUser()

	result, err := comp.Submit(ctx, actor, SubmitRequest{Text: "კითხვა რაღაცაზე", Model: models.ModelFree})
	require.NoError(t, err)
	require.Nil(t, result.Denied)
	assert.True(t, strings.HasPrefix(result.Text, ErrorMarker), "got %q", result.Text)

	history, err := store.History(ctx, actor, result.ChatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, database.AssistantRole, history[1].Role)
	assert.True(t, strings.HasPrefix(history[1].Content, ErrorMarker))
}

func TestSubmitGreetingSkipsTitleTask(t *testing.T) {
	upstream := &fakeUpstream{chunks: []string{"გაგიმარჯოს!"}}
	comp, _, queue := newTestComposer(t, upstream)

	_, err := comp.Submit(context.Background(), freeUser(), SubmitRequest{Text: "გამარჯობა", Model: models.ModelFree})
	require.NoError(t, err)
	assert.Empty(t, queue.titleTasks)
}

func TestSubmitReusesActiveChat(t *testing.T) {
	upstream := &fakeUpstream{chunks: []string{"ok"}}
	comp, store, _ := newTestComposer(t, upstream)
	ctx := context.Background()
	actor := freeUser()

	first, err := comp.Submit(ctx, actor, SubmitRequest{Text: "პირველი შეკითხვა", Model: models.ModelFree})
	require.NoError(t, err)

	second, err := comp.Submit(ctx, actor, SubmitRequest{Text: "მეორე შეკითხვა", Model: models.ModelFree})
	require.NoError(t, err)
	assert.Equal(t, first.ChatID, second.ChatID)

	history, err := store.History(ctx, actor, first.ChatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 4)
	for i, msg := range history {
		assert.Equal(t, int64(i), msg.Seq, "message %d", i)
	}
}

func TestSubmitExplicitChatID(t *testing.T) {
	upstream := &fakeUpstream{chunks: []string{"ok"}}
	comp, store, _ := newTestComposer(t, upstream)
	ctx := context.Background()
	actor := freeUser()

	chatA, err := store.CreateChat(ctx, actor)
	require.NoError(t, err)
	chatB, err := store.CreateChat(ctx, actor)
	require.NoError(t, err)

	result, err := comp.Submit(ctx, actor, SubmitRequest{
		Text:   "კითხვა A ჩატში",
		ChatID: chatA.ID.String(),
		Model:  models.ModelFree,
	})
	require.NoError(t, err)
	assert.Equal(t, chatA.ID, result.ChatID)

	// The targeted chat became active.
	activeID, ok, err := store.ActiveChatID(ctx, actor)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, chatA.ID, activeID)

	historyB, err := store.History(ctx, actor, chatB.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, historyB)
}

func TestCancelTurnAbortsStream(t *testing.T) {
	upstream := &fakeUpstream{block: make(chan struct{})}
	comp, store, _ := newTestComposer(t, upstream)
	ctx := context.Background()
	actor := freeUser()

	chat, err := store.CreateChat(ctx, actor)
	require.NoError(t, err)

	done := make(chan *SubmitResult, 1)
	go func() {
		result, err := comp.Submit(ctx, actor, SubmitRequest{
			Text:   "გრძელი შეკითხვა",
			ChatID: chat.ID.String(),
			Model:  models.ModelFree,
		})
		if err != nil {
			done <- nil
			return
		}
		done <- result
	}()

	// Wait until the stream is actually in flight before cancelling.
	require.Eventually(t, func() bool { return upstream.sendCalls() == 1 }, testWait, testTick)

	comp.CancelTurn(chat.ID)

	result := <-done
	require.NotNil(t, result)
	assert.True(t, strings.HasPrefix(result.Text, ErrorMarker), "got %q", result.Text)
	close(upstream.block)
}

func TestSubmitAttachmentRequiresVisionModel(t *testing.T) {
	comp, _, _ := newTestComposer(t, &fakeUpstream{})

	_, err := comp.Submit(context.Background(), freeUser(), SubmitRequest{
		Text:        "ნახე ეს სურათი",
		Model:       models.ModelFree,
		Attachments: []Attachment{{Name: "a.png", ContentType: "image/png", Data: []byte{1}}},
	})
	assert.ErrorIs(t, err, ErrVisionRequired)
}

type fakeAttachmentStore struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeAttachmentStore) PutAttachment(ctx context.Context, actorScope, filename, contentType string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, filename)
	return fmt.Sprintf("https://files.example/%s/%s", actorScope, filename), nil
}

func TestSubmitStoresAttachmentURLs(t *testing.T) {
	upstream := &fakeUpstream{chunks: []string{"აღწერა"}}
	comp, store, _ := newTestComposer(t, upstream)
	comp.attachments = &fakeAttachmentStore{}
	ctx := context.Background()
	actor := freeUser()

	result, err := comp.Submit(ctx, actor, SubmitRequest{
		Text:        "რა არის ამ სურათზე?",
		Model:       models.ModelPlus,
		Attachments: []Attachment{{Name: "photo.jpg", ContentType: "image/jpeg", Data: []byte("not a real jpeg")}},
	})
	require.NoError(t, err)
	require.Nil(t, result.Denied)

	history, err := store.History(ctx, actor, result.ChatID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Contains(t, history[0].ImageURL, "photo.jpg")
}
