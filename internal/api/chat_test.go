package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"aluda-backend/internal/chatstore"
	"aluda-backend/internal/composer"
	"aluda-backend/internal/database"
	"aluda-backend/internal/flowise"
	"aluda-backend/internal/messaging"
	"aluda-backend/internal/usage"
	pkgapi "aluda-backend/pkg/api"
	"aluda-backend/pkg/models"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRouter(t *testing.T, upstreamURL string) chi.Router {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())

	store := chatstore.NewStore(db)
	ledger := usage.NewLedger(db, usage.DefaultPolicy())
	upstream := flowise.NewClient(flowise.Config{BaseURL: upstreamURL})
	queue := messaging.NewInMemoryQueue()
	t.Cleanup(queue.Close)

	comp := composer.New(store, ledger, upstream, queue, nil)
	service := NewChatService(store, comp, upstream)

	router := chi.NewRouter()
	router.Use(ActorMiddleware)
	service.AddRoutes(router)
	NewUsageService(ledger).AddRoutes(router)
	return router
}

func fakeFlowise(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			payload, _ := json.Marshal(map[string]string{"event": "token", "data": chunk})
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		fmt.Fprint(w, "data: {\"event\":\"end\"}\n\n")
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func asUser(req *http.Request) *http.Request {
	req.Header.Set("X-Actor-Id", "u1")
	req.Header.Set("X-Actor-Type", "user")
	req.Header.Set("X-Actor-Plan", "USER")
	return req
}

func TestChatTurnJSON(t *testing.T) {
	upstream := fakeFlowise(t, []string{"ქართული ", "პასუხი"})
	router := newTestRouter(t, upstream.URL)

	body, _ := json.Marshal(pkgapi.ChatTurnRequest{Message: "მომიყევი რამე საინტერესო"})
	req := asUser(httptest.NewRequest(http.MethodPost, "/chat/", bytes.NewReader(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pkgapi.ChatTurnResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ქართული პასუხი", resp.Text)
	assert.NotEmpty(t, resp.ChatID)

	// The turn landed in the history.
	req = asUser(httptest.NewRequest(http.MethodGet, "/chat/sessions/"+resp.ChatID+"/history", nil))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var history []pkgapi.ChatHistoryItem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&history))
	require.Len(t, history, 2)
	assert.Equal(t, database.UserRole, history[0].Role)
	assert.Equal(t, "მომიყევი რამე საინტერესო", history[0].Content)
	assert.Equal(t, database.AssistantRole, history[1].Role)
	assert.Equal(t, "ქართული პასუხი", history[1].Content)
}

func TestChatTurnSSE(t *testing.T) {
	upstream := fakeFlowise(t, []string{"ნაკადური ", "პასუხი"})
	router := newTestRouter(t, upstream.URL)

	body, _ := json.Marshal(pkgapi.ChatTurnRequest{Message: "სტრიმინგის ტესტი"})
	req := asUser(httptest.NewRequest(http.MethodPost, "/chat/", bytes.NewReader(body)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-streaming", "true")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	var events []pkgapi.StreamEvent
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event pkgapi.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		events = append(events, event)
	}

	require.Len(t, events, 3)
	assert.Equal(t, "token", events[0].Event)
	assert.Equal(t, "ნაკადური ", events[0].Data)
	assert.Equal(t, "token", events[1].Event)
	assert.Equal(t, "end", events[2].Event)

	var final pkgapi.ChatTurnResponse
	require.NoError(t, json.Unmarshal([]byte(events[2].Data), &final))
	assert.Equal(t, "ნაკადური პასუხი", final.Text)
	assert.NotEmpty(t, final.ChatID)
}

func TestGuestPremiumModelRejected(t *testing.T) {
	upstream := fakeFlowise(t, []string{"never"})
	router := newTestRouter(t, upstream.URL)

	body, _ := json.Marshal(pkgapi.ChatTurnRequest{Message: "კითხვა", Model: string(models.ModelPlus)})
	req := httptest.NewRequest(http.MethodPost, "/chat/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "g1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp pkgapi.QuotaExceededResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, usage.SigninRedirect, resp.Redirect)
}

func TestQuotaExceededReturns402(t *testing.T) {
	upstream := fakeFlowise(t, []string{"never"})
	router := newTestRouter(t, upstream.URL)

	// Guests get 3000 daily tokens; one oversized message exceeds that.
	body, _ := json.Marshal(pkgapi.ChatTurnRequest{Message: strings.Repeat("ა", 16_000)})
	req := httptest.NewRequest(http.MethodPost, "/chat/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "g1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	var resp pkgapi.QuotaExceededResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, usage.SigninRedirect, resp.Redirect)
	assert.Equal(t, int64(3_000), resp.Limits.Daily)
}

func TestSessionLifecycle(t *testing.T) {
	upstream := fakeFlowise(t, []string{"ok"})
	router := newTestRouter(t, upstream.URL)

	// Create a session.
	startBody, _ := json.Marshal(pkgapi.CreateSessionRequest{})
	req := asUser(httptest.NewRequest(http.MethodPost, "/chat/sessions", bytes.NewReader(startBody)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var created pkgapi.CreateSessionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))
	require.NotEmpty(t, created.SessionID)

	// It shows up in the listing with the default title, active.
	req = asUser(httptest.NewRequest(http.MethodGet, "/chat/sessions", nil))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []pkgapi.SessionMetadata
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, database.DefaultChatTitle, sessions[0].Title)
	assert.True(t, sessions[0].Active)

	// Rename locks the title.
	renameBody, _ := json.Marshal(pkgapi.RenameSessionRequest{Title: "ჩემი სათაური"})
	req = asUser(httptest.NewRequest(http.MethodPost, "/chat/sessions/"+created.SessionID+"/rename", bytes.NewReader(renameBody)))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = asUser(httptest.NewRequest(http.MethodGet, "/chat/sessions", nil))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "ჩემი სათაური", sessions[0].Title)
	assert.True(t, sessions[0].TitleLocked)

	// Delete removes it.
	req = asUser(httptest.NewRequest(http.MethodDelete, "/chat/sessions/"+created.SessionID, nil))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = asUser(httptest.NewRequest(http.MethodGet, "/chat/sessions", nil))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sessions))
	assert.Empty(t, sessions)
}

func TestActorScopesAreIsolated(t *testing.T) {
	upstream := fakeFlowise(t, []string{"ok"})
	router := newTestRouter(t, upstream.URL)

	body, _ := json.Marshal(pkgapi.ChatTurnRequest{Message: "პირადი შეკითხვა"})
	req := asUser(httptest.NewRequest(http.MethodPost, "/chat/", bytes.NewReader(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// A guest with the same raw id sees no sessions.
	req = httptest.NewRequest(http.MethodGet, "/chat/sessions", nil)
	req.Header.Set("X-Actor-Id", "u1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var sessions []pkgapi.SessionMetadata
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&sessions))
	assert.Empty(t, sessions)
}

func TestDeleteSessionScopeChecked(t *testing.T) {
	upstream := fakeFlowise(t, []string{"პასუხი"})
	router := newTestRouter(t, upstream.URL)

	body, _ := json.Marshal(pkgapi.ChatTurnRequest{Message: "მომიყევი რამე საინტერესო"})
	req := asUser(httptest.NewRequest(http.MethodPost, "/chat/", bytes.NewReader(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pkgapi.ChatTurnResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))

	// Another user deleting this chat gets 404 and removes nothing.
	req = httptest.NewRequest(http.MethodDelete, "/chat/sessions/"+resp.ChatID, nil)
	req.Header.Set("X-Actor-Id", "u2")
	req.Header.Set("X-Actor-Type", "user")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = asUser(httptest.NewRequest(http.MethodGet, "/chat/sessions/"+resp.ChatID+"/history", nil))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var history []pkgapi.ChatHistoryItem
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&history))
	assert.Len(t, history, 2)
}

func TestGetUsage(t *testing.T) {
	upstream := fakeFlowise(t, []string{"ok"})
	router := newTestRouter(t, upstream.URL)

	req := asUser(httptest.NewRequest(http.MethodGet, "/usage", nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pkgapi.UsageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, int64(15_000), resp.Limits.Daily)
	assert.Equal(t, int64(0), resp.Usage.Daily)
}

func TestSuggestTitleFallsBackLocally(t *testing.T) {
	// No title endpoint upstream: the local heuristic answers.
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	router := newTestRouter(t, server.URL)

	body, _ := json.Marshal(pkgapi.TitleRequest{Question: "როგორ მოვამზადო ხაჭაპური სახლში საუკეთესოდ?"})
	req := asUser(httptest.NewRequest(http.MethodPost, "/chat/title", bytes.NewReader(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pkgapi.TitleResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "როგორ მოვამზადო ხაჭაპური სახლში საუკეთესოდ", resp.Title)
}
