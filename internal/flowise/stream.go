package flowise

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// endSentinel is the literal end-of-stream marker some upstream
// deployments emit instead of an end event.
const endSentinel = "[DONE]"

// streamEvent is the JSON shape of a data line. Unknown shapes fall
// back to scanning common field names for a string payload.
type streamEvent struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

// consumeStream reads an event-stream body line by line, decodes each
// data line, sanitizes recognized token text, and hands every appended
// chunk to onDelta. Malformed lines are skipped; the stream makes
// best-effort forward progress. Returns the accumulated text and the
// number of token chunks appended.
func consumeStream(ctx context.Context, body io.Reader, allowForeign bool, onDelta func(delta string) error) (string, int, error) {
	reader := bufio.NewReader(body)

	var acc strings.Builder
	tokens := 0

	appendChunk := func(raw string) error {
		clean := Sanitize(raw, allowForeign)
		if clean == "" {
			return nil
		}
		acc.WriteString(clean)
		tokens++
		if onDelta != nil {
			if err := onDelta(clean); err != nil {
				return err
			}
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return acc.String(), tokens, ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return acc.String(), tokens, err
		}
		done := err == io.EOF

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			// blank event separator

		case strings.HasPrefix(line, "event:"):
			if strings.TrimSpace(strings.TrimPrefix(line, "event:")) == "end" {
				return acc.String(), tokens, nil
			}

		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == endSentinel {
				return acc.String(), tokens, nil
			}

			text, stop, ok := decodeEventPayload(payload)
			if stop {
				return acc.String(), tokens, nil
			}
			if ok && text != "" {
				if err := appendChunk(text); err != nil {
					return acc.String(), tokens, err
				}
			}

		default:
			// Raw token text outside the data: framing, unless it is the
			// end sentinel itself.
			if line == endSentinel {
				return acc.String(), tokens, nil
			}
			if err := appendChunk(line); err != nil {
				return acc.String(), tokens, err
			}
		}

		if done {
			return acc.String(), tokens, nil
		}
	}
}

// decodeEventPayload interprets one data payload. Returns the token
// text to append (if any), whether the stream is finished, and whether
// the payload was usable at all.
func decodeEventPayload(payload string) (text string, stop bool, ok bool) {
	if !strings.HasPrefix(payload, "{") {
		return payload, false, true
	}

	var event streamEvent
	if err := json.Unmarshal([]byte(payload), &event); err == nil && event.Event != "" {
		switch event.Event {
		case "start", "metadata":
			return "", false, true
		case "token":
			return event.Data, false, true
		case "end":
			return "", true, true
		default:
			// unrecognized event types carry no display text
			return "", false, true
		}
	}

	// Unrecognized JSON shape: scan common field names for a string.
	var generic map[string]any
	if err := json.Unmarshal([]byte(payload), &generic); err != nil {
		// Not valid JSON after all; treat the raw line as token text.
		return payload, false, true
	}
	for _, key := range []string{"data", "text", "message", "answer"} {
		if s, found := generic[key].(string); found && s != "" {
			return s, false, true
		}
	}
	return "", false, false
}
