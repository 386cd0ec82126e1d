package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dkeye/tutorcall/internal/domain"
)

var ErrInvalidTTL = errors.New("ttl must be positive")

// Issuer mints credentials the Gate accepts. The server never calls it; it
// backs the token command and tests.
type Issuer struct {
	cfg Config
	now func() time.Time
}

func NewIssuer(cfg Config, opts ...Option) (*Issuer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Issuer{cfg: cfg, now: newSettings(opts).now}, nil
}

func (i *Issuer) Issue(id domain.Identity, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", ErrInvalidTTL
	}
	if err := id.UserID.Validate(); err != nil {
		return "", err
	}
	if _, err := domain.ParseRole(string(id.Role)); err != nil {
		return "", err
	}
	now := i.now()
	claims := &Claims{
		UserID: string(id.UserID),
		Role:   string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   string(id.UserID),
			Issuer:    i.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if i.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{i.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.Secret))
}
