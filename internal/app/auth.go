// internal/app/auth.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/shrimpsizemoose/trekker/logger"

	"github.com/shrimpsizemoose/avlokan/internal/models"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// tokenLookup is the part of the redis client used for token lookups.
type tokenLookup interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Close() error
}

// Auth resolves the caller of a request into an Actor. With auth enabled a
// bearer token is looked up as a redis hash holding user_id and
// capabilities; otherwise identity headers set by a trusted proxy are used.
type Auth struct {
	enabled     bool
	redis       tokenLookup
	keyTemplate string
	tokenHeader string
	userHeader  string
	capsHeader  string
}

func NewAuth(config *Config) (*Auth, error) {
	a := &Auth{
		keyTemplate: config.Auth.TokenKeyTemplate,
		tokenHeader: config.Auth.TokenHeader,
		userHeader:  config.API.UserIDHeader,
		capsHeader:  config.API.CapabilitiesHeader,
	}
	if !config.Server.EnableAuth {
		return a, nil
	}

	opt, err := redis.ParseURL(config.Auth.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	a.enabled = true
	a.redis = client
	return a, nil
}

func (a *Auth) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

// Identify returns the actor behind r, or an error wrapping ErrUnauthenticated.
func (a *Auth) Identify(r *http.Request) (*models.Actor, error) {
	if !a.enabled {
		return a.fromHeaders(r)
	}

	authHeader := r.Header.Get(a.tokenHeader)
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, fmt.Errorf("%w: invalid authorization header format", ErrUnauthenticated)
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthenticated)
	}

	return a.lookupToken(r.Context(), token)
}

func (a *Auth) lookupToken(ctx context.Context, token string) (*models.Actor, error) {
	key := strings.NewReplacer("{token}", token).Replace(a.keyTemplate)

	fields, err := a.redis.HGetAll(ctx, key).Result()
	if err != nil && err != redis.Nil {
		logger.Debug.Printf("Redis error: %v", err)
		return nil, fmt.Errorf("redis error: %w", err)
	}
	userID := fields["user_id"]
	if userID == "" {
		logger.Debug.Printf("Token not found for key: %s", key)
		return nil, fmt.Errorf("%w: token not found", ErrUnauthenticated)
	}

	caps, err := models.ParseCapabilities(fields["capabilities"])
	if err != nil {
		logger.Error.Printf("Bad capabilities stored under %s: %v", key, err)
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return models.NewActor(userID, caps...), nil
}

func (a *Auth) fromHeaders(r *http.Request) (*models.Actor, error) {
	userID := strings.TrimSpace(r.Header.Get(a.userHeader))
	if userID == "" {
		return nil, fmt.Errorf("%w: missing %s header", ErrUnauthenticated, a.userHeader)
	}
	caps, err := models.ParseCapabilities(r.Header.Get(a.capsHeader))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return models.NewActor(userID, caps...), nil
}
