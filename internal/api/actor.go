package api

import (
	"context"
	"net/http"

	"aluda-backend/pkg/models"
)

type actorContextKey struct{}

// ActorMiddleware resolves the acting identity from request headers.
// Session plumbing itself lives in front of this service; by the time
// a request lands here it carries the resolved identity:
// X-Actor-Id, X-Actor-Type (guest|user) and X-Actor-Plan.
// A request with no actor id is treated as a fresh guest without
// history, never rejected.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := models.Actor{
			Type: models.GuestActor,
			ID:   r.Header.Get("X-Actor-Id"),
		}
		if actor.ID == "" {
			actor.ID = "anonymous"
		}
		if r.Header.Get("X-Actor-Type") == string(models.UserActor) {
			actor.Type = models.UserActor
			actor.Plan = models.FreePlan
			if r.Header.Get("X-Actor-Plan") == string(models.PremiumPlan) {
				actor.Plan = models.PremiumPlan
			}
		}

		ctx := context.WithValue(r.Context(), actorContextKey{}, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ActorFromRequest returns the actor resolved by ActorMiddleware.
func ActorFromRequest(r *http.Request) models.Actor {
	if actor, ok := r.Context().Value(actorContextKey{}).(models.Actor); ok {
		return actor
	}
	return models.Actor{Type: models.GuestActor, ID: "anonymous"}
}
