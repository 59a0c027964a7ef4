// Package credentials decides which upstream login the collector uses.
package credentials

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"

	"gym_capacity/config"
	"gym_capacity/models"
)

var ErrNotConfigured = errors.New("upstream credentials not configured")

type Source string

const (
	SourceDatabase    Source = "database"
	SourceEnvironment Source = "environment"
)

type Resolution struct {
	Credentials models.Credentials
	Source      Source
}

// Reader is the read side of the credentials table.
type Reader interface {
	GetActiveCredentials(ctx context.Context) (*models.Credentials, error)
}

type Resolver struct {
	store    Reader
	email    string
	password string
}

func NewResolver(store Reader, cfg config.UpstreamConfig) *Resolver {
	return &Resolver{
		store:    store,
		email:    strings.TrimSpace(cfg.Email),
		password: cfg.Password,
	}
}

// Resolve prefers the persisted row, then the environment pair, and returns
// ErrNotConfigured when neither is usable. It has no side effects.
func (r *Resolver) Resolve(ctx context.Context) (Resolution, error) {
	if r.store != nil {
		stored, err := r.store.GetActiveCredentials(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Could not read stored credentials, falling back to environment")
		} else if stored != nil && usable(stored.Email, stored.Password) {
			return Resolution{Credentials: *stored, Source: SourceDatabase}, nil
		}
	}

	if usable(r.email, r.password) {
		return Resolution{
			Credentials: models.Credentials{Email: r.email, Password: r.password, IsActive: true},
			Source:      SourceEnvironment,
		}, nil
	}

	return Resolution{}, ErrNotConfigured
}

func usable(email, password string) bool {
	email = strings.TrimSpace(email)
	return email != "" && password != "" && !IsPlaceholder(email)
}

// IsPlaceholder reports the sample address shipped in example env files.
func IsPlaceholder(email string) bool {
	return strings.EqualFold(strings.TrimSpace(email), config.PlaceholderEmail)
}
