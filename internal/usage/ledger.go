// Package usage implements token-usage admission control: the canConsume
// gate checked before every expensive request and the addUsage recording
// that follows a completed turn.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"aluda-backend/internal/database"
	"aluda-backend/pkg/api"
	"aluda-backend/pkg/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	SigninRedirect = "/auth/signin"
	BuyRedirect    = "/buy"
)

// ErrPremiumModelForbidden is returned when a guest selects the premium
// model. Guests are categorically denied it regardless of quota state.
var ErrPremiumModelForbidden = errors.New("premium model requires an account")

// Policy holds the token-estimation constants. These are product
// policy, not a tokenizer: characters divided by CharsPerToken, times a
// per-model multiplier.
type Policy struct {
	CharsPerToken     int
	PremiumMultiplier int64
}

func DefaultPolicy() Policy {
	return Policy{CharsPerToken: 4, PremiumMultiplier: 5}
}

// Limits returns the quota for an actor. Plan upgrades take effect on
// the next check; guests get the smallest allowance and no images.
func LimitsFor(actor models.Actor) api.UsageLimits {
	switch {
	case actor.IsGuest():
		return api.UsageLimits{Daily: 3_000, Monthly: 30_000, Images: 0}
	case actor.IsPremium():
		return api.UsageLimits{Daily: 200_000, Monthly: 2_000_000, Images: 50}
	default:
		return api.UsageLimits{Daily: 15_000, Monthly: 150_000, Images: 5}
	}
}

// Decision is the admission-control answer. When Allowed is false the
// caller must abort before any network dispatch and surface Redirect.
type Decision struct {
	Allowed  bool
	Usage    api.UsageSnapshot
	Limits   api.UsageLimits
	Redirect string
}

type Ledger struct {
	db     *gorm.DB
	policy Policy
	mu     sync.Mutex
	now    func() time.Time
}

func NewLedger(db *gorm.DB, policy Policy) *Ledger {
	return &Ledger{db: db, policy: policy, now: time.Now}
}

// EstimateTokens estimates the token cost of a piece of text for the
// given actor and model. The premium model costs 5x for authenticated
// free users; guests may not select it at all.
func (l *Ledger) EstimateTokens(actor models.Actor, model models.ChatModel, text string) (int64, error) {
	if model.IsPremium() && actor.IsGuest() {
		return 0, ErrPremiumModelForbidden
	}

	chars := int64(utf8.RuneCountInString(text))
	tokens := (chars + int64(l.policy.CharsPerToken) - 1) / int64(l.policy.CharsPerToken)
	if tokens < 1 {
		tokens = 1
	}

	if model.IsPremium() && !actor.IsPremium() {
		tokens *= l.policy.PremiumMultiplier
	}
	return tokens, nil
}

// CanConsume answers whether the actor may spend estimatedTokens. It
// fails closed: a ledger backend error denies admission rather than
// allowing unmetered consumption.
func (l *Ledger) CanConsume(ctx context.Context, actor models.Actor, estimatedTokens int64) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limits := LimitsFor(actor)

	record, err := l.loadCurrent(ctx, actor)
	if err != nil {
		return Decision{Allowed: false, Limits: limits, Redirect: l.redirectFor(actor)}, err
	}

	snapshot := snapshotOf(record)
	if record.DailyTokens+estimatedTokens > limits.Daily || record.MonthlyTokens+estimatedTokens > limits.Monthly {
		return Decision{Allowed: false, Usage: snapshot, Limits: limits, Redirect: l.redirectFor(actor)}, nil
	}

	return Decision{Allowed: true, Usage: snapshot, Limits: limits}, nil
}

// AddUsage records tokens consumed by one completed turn. Callers make
// exactly one call per turn; there is no dedup key.
func (l *Ledger) AddUsage(ctx context.Context, actor models.Actor, tokens int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, err := l.loadCurrent(ctx, actor)
	if err != nil {
		return err
	}

	record.DailyTokens += tokens
	record.MonthlyTokens += tokens
	return l.save(ctx, record)
}

// AddImageUsage counts one generated image against the monthly image
// allowance.
func (l *Ledger) AddImageUsage(ctx context.Context, actor models.Actor) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, err := l.loadCurrent(ctx, actor)
	if err != nil {
		return err
	}

	record.Images++
	return l.save(ctx, record)
}

// CanGenerateImage gates image generation the same way CanConsume gates
// chat turns, against the monthly image allowance.
func (l *Ledger) CanGenerateImage(ctx context.Context, actor models.Actor) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limits := LimitsFor(actor)

	record, err := l.loadCurrent(ctx, actor)
	if err != nil {
		return Decision{Allowed: false, Limits: limits, Redirect: l.redirectFor(actor)}, err
	}

	snapshot := snapshotOf(record)
	if record.Images+1 > limits.Images {
		return Decision{Allowed: false, Usage: snapshot, Limits: limits, Redirect: l.redirectFor(actor)}, nil
	}
	return Decision{Allowed: true, Usage: snapshot, Limits: limits}, nil
}

// Snapshot returns the actor's current counters and limits for quota
// display.
func (l *Ledger) Snapshot(ctx context.Context, actor models.Actor) (api.UsageResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	record, err := l.loadCurrent(ctx, actor)
	if err != nil {
		return api.UsageResponse{}, err
	}
	return api.UsageResponse{Usage: snapshotOf(record), Limits: LimitsFor(actor)}, nil
}

// loadCurrent reads the actor's record and applies window rollover:
// counters whose day/month key no longer matches are replaced with
// zero, never summed across windows.
func (l *Ledger) loadCurrent(ctx context.Context, actor models.Actor) (*database.UsageRecord, error) {
	now := l.now().UTC()
	dayKey := now.Format("2006-01-02")
	monthKey := now.Format("2006-01")

	var record database.UsageRecord
	err := l.db.WithContext(ctx).
		Where("actor_scope = ?", actor.ScopeKey()).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record = database.UsageRecord{ActorScope: actor.ScopeKey(), DayKey: dayKey, MonthKey: monthKey}
		return &record, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading usage record: %w", err)
	}

	if record.DayKey != dayKey {
		record.DayKey = dayKey
		record.DailyTokens = 0
	}
	if record.MonthKey != monthKey {
		record.MonthKey = monthKey
		record.MonthlyTokens = 0
		record.Images = 0
	}
	return &record, nil
}

func (l *Ledger) save(ctx context.Context, record *database.UsageRecord) error {
	err := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "actor_scope"}},
			UpdateAll: true,
		}).
		Create(record).Error
	if err != nil {
		return fmt.Errorf("error saving usage record: %w", err)
	}
	return nil
}

func (l *Ledger) redirectFor(actor models.Actor) string {
	if actor.IsGuest() {
		return SigninRedirect
	}
	return BuyRedirect
}

func snapshotOf(record *database.UsageRecord) api.UsageSnapshot {
	return api.UsageSnapshot{
		Daily:   record.DailyTokens,
		Monthly: record.MonthlyTokens,
		Images:  record.Images,
	}
}
