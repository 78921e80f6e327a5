package handlers

import (
	"context"

	"github.com/shrimpsizemoose/avlokan/internal/models"
)

type actorKey struct{}

func withActor(ctx context.Context, actor *models.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// actorFrom returns nil outside authenticated routes; Actor methods are nil-safe.
func actorFrom(ctx context.Context) *models.Actor {
	actor, _ := ctx.Value(actorKey{}).(*models.Actor)
	return actor
}
