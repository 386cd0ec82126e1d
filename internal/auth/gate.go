// Package auth admits signaling connections. A credential is an HS256 JWT
// issued elsewhere; the gate only verifies it and never stores it.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/tutorcall/internal/core"
	"github.com/dkeye/tutorcall/internal/domain"
)

const MinSecretLen = 32

var (
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("credential has expired")
	ErrWeakSecret        = fmt.Errorf("secret must be at least %d characters", MinSecretLen)
)

// Claims carried by a signaling credential. uid wins over sub.
type Claims struct {
	UserID string `json:"uid,omitempty"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func (c *Claims) identity() (domain.Identity, error) {
	uid := domain.UserID(c.UserID)
	if uid == "" {
		uid = domain.UserID(c.Subject)
	}
	if err := uid.Validate(); err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	role, err := domain.ParseRole(c.Role)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return domain.Identity{UserID: uid, Role: role}, nil
}

type Config struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	Audience string        `mapstructure:"audience"`
	Leeway   time.Duration `mapstructure:"leeway"`
}

func (c Config) validate() error {
	if len(c.Secret) < MinSecretLen {
		return ErrWeakSecret
	}
	return nil
}

type Option func(*settings)

type settings struct {
	now func() time.Time
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func newSettings(opts []Option) settings {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

type Gate struct {
	key    []byte
	now    func() time.Time
	parser *jwt.Parser
}

func NewGate(cfg Config, opts ...Option) (*Gate, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := newSettings(opts)
	popts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(s.now),
	}
	if cfg.Issuer != "" {
		popts = append(popts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		popts = append(popts, jwt.WithAudience(cfg.Audience))
	}
	return &Gate{
		key:    []byte(cfg.Secret),
		now:    s.now,
		parser: jwt.NewParser(popts...),
	}, nil
}

// Verify checks credential and returns the identity it names.
func (g *Gate) Verify(credential string) (domain.Identity, error) {
	if credential == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing", ErrInvalidCredential)
	}
	claims := &Claims{}
	_, err := g.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return g.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, ErrExpiredCredential
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return claims.identity()
}

// Admit binds a verified identity to the transport handle. The returned
// Connection carries the handle's id.
func (g *Gate) Admit(credential string, sig core.SignalConnection) (domain.Connection, error) {
	id, err := g.Verify(credential)
	if err != nil {
		log.Info().
			Str("module", "auth.gate").
			Str("conn", string(sig.ID())).
			Err(err).
			Msg("admission refused")
		return domain.Connection{}, err
	}
	conn := domain.Connection{
		ID:         sig.ID(),
		UserID:     id.UserID,
		Role:       id.Role,
		AdmittedAt: g.now(),
	}
	log.Info().
		Str("module", "auth.gate").
		Str("conn", string(conn.ID)).
		Str("user", string(conn.UserID)).
		Str("role", string(conn.Role)).
		Msg("admitted")
	return conn, nil
}

// CredentialFromRequest reads a bearer token from the Authorization header,
// falling back to the token query parameter for browser WebSocket clients.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
