package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"research-notes-api/internal/cache"
	"research-notes-api/internal/models"

	"gorm.io/gorm"
)

var ErrUnknownUser = errors.New("unknown user")

// UserRecord is what a verified bearer token resolves to.
type UserRecord struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Map is the user info attached to an authenticated connection.
func (u UserRecord) Map() map[string]any {
	return map[string]any{"user_id": u.UserID, "username": u.Username, "email": u.Email}
}

// Verifier resolves bearer tokens to user records. Successful verifications
// are cached until the earlier of the cache TTL and the token expiry.
type Verifier struct {
	db    *gorm.DB
	cache *cache.TTLCache[string, UserRecord]
	ttl   time.Duration
	log   *slog.Logger
}

// NewVerifier returns a Verifier backed by the users table of db. A nil db
// trusts the token claims alone.
func NewVerifier(db *gorm.DB, ttl time.Duration, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Verifier{
		db:    db,
		cache: cache.New[string, UserRecord](ttl),
		ttl:   ttl,
		log:   log,
	}
}

// Cache exposes the token cache so its janitor can be started.
func (v *Verifier) Cache() *cache.TTLCache[string, UserRecord] {
	return v.cache
}

func (v *Verifier) Verify(ctx context.Context, token string) (UserRecord, error) {
	if token == "" {
		return UserRecord{}, fmt.Errorf("%w: empty", ErrInvalidToken)
	}
	if rec, ok := v.cache.Get(token); ok {
		return rec, nil
	}

	claims, err := ValidateToken(token)
	if err != nil {
		v.log.Debug("Token rejected", "error", err)
		return UserRecord{}, err
	}
	rec := UserRecord{UserID: claims.UserID, Username: claims.Username, Email: claims.Email}

	if v.db != nil {
		var user models.User
		err := v.db.WithContext(ctx).Where("id = ?", claims.UserID).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return UserRecord{}, fmt.Errorf("%w: %s", ErrUnknownUser, claims.UserID)
		}
		if err != nil {
			return UserRecord{}, fmt.Errorf("load user %s: %w", claims.UserID, err)
		}
		rec = UserRecord{UserID: user.ID, Username: user.Username, Email: user.Email}
	}

	if v.ttl > 0 {
		ttl := v.ttl
		if claims.ExpiresAt != nil {
			ttl = min(ttl, time.Until(claims.ExpiresAt.Time))
		}
		v.cache.SetWithTTL(token, rec, ttl)
	}
	return rec, nil
}

