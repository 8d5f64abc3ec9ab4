// Package imagegen generates images on demand and keeps a short-lived
// per-actor history: entries older than 24 hours are filtered out and
// pruned whenever the history is read.
package imagegen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"aluda-backend/internal/database"
	"aluda-backend/internal/usage"
	"aluda-backend/pkg/api"
	"aluda-backend/pkg/models"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"gorm.io/gorm"
)

// HistoryTTL is how long a generated image stays in the history.
const HistoryTTL = 24 * time.Hour

// ErrImageQuotaExceeded reports a denied generation together with the
// redirect decision for the client.
type ErrImageQuotaExceeded struct {
	Decision usage.Decision
}

func (e *ErrImageQuotaExceeded) Error() string { return "image generation quota exceeded" }

type generator interface {
	generate(ctx context.Context, prompt, size string) (string, error)
}

type Service struct {
	db     *gorm.DB
	ledger *usage.Ledger
	gen    generator
	now    func() time.Time
}

func NewService(db *gorm.DB, ledger *usage.Ledger) *Service {
	return &Service{
		db:     db,
		ledger: ledger,
		gen:    &openAIGenerator{client: openai.NewClient()},
		now:    time.Now,
	}
}

type openAIGenerator struct {
	client openai.Client
}

func (g *openAIGenerator) generate(ctx context.Context, prompt, size string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	params := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModelDallE3,
		N:      openai.Int(1),
	}
	if size != "" {
		params.Size = openai.ImageGenerateParamsSize(size)
	}

	res, err := g.client.Images.Generate(ctx, params)
	if err != nil {
		slog.Error("openai error: image generation failed", "error", err)
		return "", fmt.Errorf("image generation failed: %w", err)
	}
	if len(res.Data) == 0 || res.Data[0].URL == "" {
		return "", errors.New("image generation returned no image")
	}
	return res.Data[0].URL, nil
}

// Generate produces one image for the actor. Generation is admission
// checked against the image allowance and recorded in the history.
func (s *Service) Generate(ctx context.Context, actor models.Actor, prompt, size string) (api.GeneratedImageItem, error) {
	decision, err := s.ledger.CanGenerateImage(ctx, actor)
	if err != nil {
		// Fail closed, same as chat admission.
		return api.GeneratedImageItem{}, &ErrImageQuotaExceeded{Decision: decision}
	}
	if !decision.Allowed {
		return api.GeneratedImageItem{}, &ErrImageQuotaExceeded{Decision: decision}
	}

	url, err := s.gen.generate(ctx, prompt, size)
	if err != nil {
		return api.GeneratedImageItem{}, err
	}

	row := database.GeneratedImage{
		ID:         uuid.New(),
		ActorScope: actor.ScopeKey(),
		Prompt:     prompt,
		URL:        url,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return api.GeneratedImageItem{}, fmt.Errorf("error recording generated image: %w", err)
	}

	if err := s.ledger.AddImageUsage(ctx, actor); err != nil {
		slog.Error("error recording image usage", "error", err)
	}

	return api.GeneratedImageItem{URL: url, Prompt: prompt, CreatedAt: row.CreatedAt}, nil
}

// History returns the actor's generations from the last 24 hours,
// newest first, pruning anything older.
func (s *Service) History(ctx context.Context, actor models.Actor) ([]api.GeneratedImageItem, error) {
	cutoff := s.now().UTC().Add(-HistoryTTL)

	if err := s.db.WithContext(ctx).
		Delete(&database.GeneratedImage{}, "actor_scope = ? AND created_at < ?", actor.ScopeKey(), cutoff).Error; err != nil {
		slog.Error("error pruning image history", "error", err)
	}

	var rows []database.GeneratedImage
	err := s.db.WithContext(ctx).
		Where("actor_scope = ? AND created_at >= ?", actor.ScopeKey(), cutoff).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("error loading image history: %w", err)
	}

	items := make([]api.GeneratedImageItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, api.GeneratedImageItem{URL: row.URL, Prompt: row.Prompt, CreatedAt: row.CreatedAt})
	}
	return items, nil
}
