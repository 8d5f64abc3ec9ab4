// Package flowise is the client for the upstream AI proxy. It owns one
// request/response turn: the streaming state machine, token sanitation,
// and the non-streaming fallback used when the stream fails or delivers
// nothing.
package flowise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"aluda-backend/pkg/api"
	"aluda-backend/pkg/models"

	"github.com/go-resty/resty/v2"
)

// TurnState is the per-turn state machine:
// Idle -> Sent -> Streaming -> Completed, with failure edges into
// FallbackRequested and Failed.
type TurnState int

const (
	Idle TurnState = iota
	Sent
	Streaming
	FallbackRequested
	Completed
	Failed
)

func (s TurnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sent:
		return "sent"
	case Streaming:
		return "streaming"
	case FallbackRequested:
		return "fallback_requested"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// QuotaError signals an upstream 402. It is terminal for the turn; no
// fallback is attempted.
type QuotaError struct {
	Body []byte
}

func (e *QuotaError) Error() string { return "upstream rejected request: quota exhausted" }

type Config struct {
	BaseURL      string
	StreamPath   string
	FallbackPath string
	TitlePath    string
	TitleTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.StreamPath == "" {
		c.StreamPath = "/chat"
	}
	if c.FallbackPath == "" {
		c.FallbackPath = "/chat/completion"
	}
	if c.TitlePath == "" {
		c.TitlePath = "/chat/title"
	}
	if c.TitleTimeout <= 0 {
		c.TitleTimeout = 2200 * time.Millisecond
	}
}

type Client struct {
	cfg  Config
	rest *resty.Client
	// Streaming reads bypass resty because it buffers response bodies;
	// the SSE loop needs the raw connection.
	httpClient *http.Client
}

func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:        cfg,
		rest:       resty.New().SetBaseURL(cfg.BaseURL),
		httpClient: &http.Client{},
	}
}

// Attachment is one uploaded file going to a vision-capable model.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// TurnRequest describes one chat turn. A request with attachments is
// encoded as multipart form data, otherwise as JSON; the shape is
// resolved once per submit, not re-branched downstream.
type TurnRequest struct {
	Message     string
	ChatID      string
	Model       models.ChatModel
	History     []api.HistoryItem
	Attachments []Attachment
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	State        TurnState
	Text         string
	TokenEvents  int
	Streamed     bool
	UsedFallback bool
	AiTitle      string
}

// turnBody is the tagged request-shape union: jsonTurnBody or
// multipartTurnBody.
type turnBody interface {
	encode() (io.Reader, string, error)
}

type jsonTurnBody struct {
	Message string            `json:"message"`
	ChatID  string            `json:"chatId"`
	Model   string            `json:"model"`
	History []api.HistoryItem `json:"history,omitempty"`
}

func (b jsonTurnBody) encode() (io.Reader, string, error) {
	buf, err := json.Marshal(b)
	if err != nil {
		return nil, "", fmt.Errorf("error encoding chat request: %w", err)
	}
	return bytes.NewReader(buf), "application/json", nil
}

type multipartTurnBody struct {
	jsonTurnBody
	attachments []Attachment
}

// fileFieldAliases are the form field names each attachment is
// duplicated under, for maximal compatibility with the downstream
// proxy's upload handling.
var fileFieldAliases = []string{"files", "file", "files[]", "image", "images"}

func (b multipartTurnBody) encode() (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := map[string]string{
		"message": b.Message,
		"chatId":  b.ChatID,
		"model":   b.Model,
	}
	if len(b.History) > 0 {
		history, err := json.Marshal(b.History)
		if err != nil {
			return nil, "", fmt.Errorf("error encoding history: %w", err)
		}
		fields["history"] = string(history)
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, "", fmt.Errorf("error writing form field %s: %w", name, err)
		}
	}

	for _, att := range b.attachments {
		for _, alias := range fileFieldAliases {
			part, err := w.CreateFormFile(alias, att.Name)
			if err != nil {
				return nil, "", fmt.Errorf("error creating form file: %w", err)
			}
			if _, err := part.Write(att.Data); err != nil {
				return nil, "", fmt.Errorf("error writing attachment: %w", err)
			}
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("error finalizing multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}

func resolveBody(req TurnRequest) turnBody {
	jsonBody := jsonTurnBody{
		Message: req.Message,
		ChatID:  req.ChatID,
		Model:   string(req.Model),
		History: req.History,
	}
	if len(req.Attachments) > 0 {
		return multipartTurnBody{jsonTurnBody: jsonBody, attachments: req.Attachments}
	}
	return jsonBody
}

// Send runs one turn. Each sanitized token chunk is passed to onDelta
// as it arrives; the final text is in the result. On stream failure
// before any byte, or a stream that completes with zero tokens, one
// fallback request to the non-streaming endpoint supplies the content.
func (c *Client) Send(ctx context.Context, req TurnRequest, onDelta func(delta string) error) (*TurnResult, error) {
	allowForeign := AllowsForeignScript(req.Message)

	body := resolveBody(req)
	reader, contentType, err := body.encode()
	if err != nil {
		return &TurnResult{State: Failed}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+c.cfg.StreamPath, reader)
	if err != nil {
		return &TurnResult{State: Failed}, fmt.Errorf("error building chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("x-streaming", "true")

	res, err := c.httpClient.Do(httpReq)
	if err != nil {
		// Failed before any byte was received; try the simpler endpoint.
		slog.Error("upstream chat request failed, attempting fallback", "error", err)
		return c.fallback(ctx, req, allowForeign, onDelta)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusPaymentRequired {
		payload, _ := io.ReadAll(res.Body)
		return &TurnResult{State: Failed}, &QuotaError{Body: payload}
	}
	if res.StatusCode >= 400 {
		slog.Error("upstream chat request rejected, attempting fallback", "status", res.StatusCode)
		return c.fallback(ctx, req, allowForeign, onDelta)
	}

	if !strings.Contains(res.Header.Get("Content-Type"), "text/event-stream") {
		// The proxy does not stream for this model; the whole reply is a
		// single payload.
		payload, err := io.ReadAll(res.Body)
		if err != nil {
			return c.fallback(ctx, req, allowForeign, onDelta)
		}
		text := Sanitize(parseCompletePayload(payload), allowForeign)
		if onDelta != nil && text != "" {
			if err := onDelta(text); err != nil {
				return &TurnResult{State: Failed, Text: text}, err
			}
		}
		return &TurnResult{State: Completed, Text: CleanTail(text)}, nil
	}

	text, tokens, err := consumeStream(ctx, res.Body, allowForeign, onDelta)
	if err != nil {
		if ctx.Err() != nil {
			return &TurnResult{State: Failed, Text: text, TokenEvents: tokens, Streamed: true}, ctx.Err()
		}
		// Partial content stays as-is; the stream is not rolled back.
		slog.Error("stream interrupted", "tokens", tokens, "error", err)
		return &TurnResult{State: Failed, Text: CleanTail(text), TokenEvents: tokens, Streamed: true}, err
	}

	if tokens == 0 && strings.TrimSpace(text) == "" {
		// A stream that completed without delivering anything must not
		// leave the message permanently empty.
		return c.fallback(ctx, req, allowForeign, onDelta)
	}

	return &TurnResult{State: Completed, Text: CleanTail(text), TokenEvents: tokens, Streamed: true}, nil
}

// fallback performs the one-shot non-streaming retry path.
func (c *Client) fallback(ctx context.Context, req TurnRequest, allowForeign bool, onDelta func(delta string) error) (*TurnResult, error) {
	res, err := c.rest.R().
		SetContext(ctx).
		SetBody(jsonTurnBody{
			Message: req.Message,
			ChatID:  req.ChatID,
			Model:   string(req.Model),
			History: req.History,
		}).
		Post(c.cfg.FallbackPath)
	if err != nil {
		return &TurnResult{State: Failed, UsedFallback: true}, fmt.Errorf("fallback request failed: %w", err)
	}
	if res.StatusCode() == http.StatusPaymentRequired {
		return &TurnResult{State: Failed, UsedFallback: true}, &QuotaError{Body: res.Body()}
	}
	if !res.IsSuccess() {
		return &TurnResult{State: Failed, UsedFallback: true},
			fmt.Errorf("fallback request rejected with status %d", res.StatusCode())
	}

	text := Sanitize(parseCompletePayload(res.Body()), allowForeign)
	text = CleanTail(text)
	if text == "" {
		return &TurnResult{State: Failed, UsedFallback: true}, fmt.Errorf("fallback returned empty content")
	}
	if onDelta != nil {
		if err := onDelta(text); err != nil {
			return &TurnResult{State: Failed, Text: text, UsedFallback: true}, err
		}
	}
	return &TurnResult{State: Completed, Text: text, UsedFallback: true}, nil
}

// parseCompletePayload extracts reply text from a non-streaming
// response: JSON {text|answer|message|data} or raw plain text/HTML.
func parseCompletePayload(payload []byte) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return ""
	}
	if trimmed[0] == '{' {
		var generic map[string]any
		if err := json.Unmarshal(trimmed, &generic); err == nil {
			for _, key := range []string{"text", "answer", "message", "data"} {
				if s, ok := generic[key].(string); ok && s != "" {
					return s
				}
			}
			return ""
		}
	}
	return string(trimmed)
}

// SuggestTitle asks the upstream for a short conversation title. The
// call is time-boxed; callers fall back to a local heuristic on any
// error or empty reply.
func (c *Client) SuggestTitle(ctx context.Context, question, sessionID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TitleTimeout)
	defer cancel()

	res, err := c.rest.R().
		SetContext(ctx).
		SetBody(api.TitleRequest{Question: question, SessionID: sessionID}).
		SetResult(&api.TitleResponse{}).
		Post(c.cfg.TitlePath)
	if err != nil {
		return "", fmt.Errorf("title suggestion request failed: %w", err)
	}
	if !res.IsSuccess() {
		return "", fmt.Errorf("title suggestion rejected with status %d", res.StatusCode())
	}

	title, ok := res.Result().(*api.TitleResponse)
	if !ok || strings.TrimSpace(title.Title) == "" {
		return "", fmt.Errorf("title suggestion returned empty title")
	}
	return strings.TrimSpace(title.Title), nil
}
