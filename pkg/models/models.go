package models

import "fmt"

type ActorType string

const (
	GuestActor ActorType = "guest"
	UserActor  ActorType = "user"
)

type Plan string

const (
	FreePlan    Plan = "USER"
	PremiumPlan Plan = "PREMIUM"
)

// Actor identifies who is chatting. Guests carry a locally generated
// pseudo-id, users an authenticated account id. All persisted state is
// partitioned by ScopeKey so switching accounts never mixes histories.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
	Plan Plan      `json:"plan,omitempty"`
}

func (a Actor) ScopeKey() string {
	return fmt.Sprintf("%s_%s", a.Type, a.ID)
}

func (a Actor) IsGuest() bool {
	return a.Type == GuestActor
}

func (a Actor) IsPremium() bool {
	return a.Type == UserActor && a.Plan == PremiumPlan
}

// ChatModel is the per-turn model selection. The wire labels match what
// the request layer sends upstream.
type ChatModel string

const (
	ModelFree ChatModel = "mini"
	ModelPlus ChatModel = "aluda2"
	ModelTest ChatModel = "aluda-test"
)

func ParseChatModel(s string) (ChatModel, error) {
	switch ChatModel(s) {
	case ModelFree, ModelPlus, ModelTest:
		return ChatModel(s), nil
	case "":
		return ModelFree, nil
	default:
		return "", fmt.Errorf("unknown model %q", s)
	}
}

// SupportsVision reports whether image attachments may be sent with this
// model. Only the premium model accepts them.
func (m ChatModel) SupportsVision() bool {
	return m == ModelPlus
}

func (m ChatModel) IsPremium() bool {
	return m == ModelPlus
}

// TitleTaskPayload is the background task that asks the upstream for a
// short conversation title after the first user message.
type TitleTaskPayload struct {
	Actor    Actor  `json:"actor"`
	ChatID   string `json:"chat_id"`
	Question string `json:"question"`
}

// UsageFlushTaskPayload records the estimated token consumption of one
// completed turn against the actor's counters.
type UsageFlushTaskPayload struct {
	Actor  Actor `json:"actor"`
	Tokens int64 `json:"tokens"`
}
