// Package messaging carries the fire-and-forget background tasks of the
// submit flow: title suggestion and usage-counter flushes. Neither may
// block or delay message sending or streaming.
package messaging

import (
	"context"

	"aluda-backend/pkg/models"
)

const (
	TitleQueue = "title_queue"
	UsageQueue = "usage_queue"
)

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type Publisher interface {
	PublishTitleTask(ctx context.Context, payload models.TitleTaskPayload) error

	PublishUsageFlushTask(ctx context.Context, payload models.UsageFlushTaskPayload) error

	Close()
}

type Receiver interface {
	Tasks() <-chan Task

	Close()
}
