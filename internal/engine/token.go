package engine

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pressline/internal/domain"
)

// DefaultTokenTTL bounds how long a suspended session can be resumed.
const DefaultTokenTTL = 7 * 24 * time.Hour

// SessionClaims carry everything needed to resume a suspended session.
// Subject is the item id, ID is the session id.
type SessionClaims struct {
	jwt.RegisteredClaims
	Iteration     int                  `json:"iter"`
	MaxIterations int                  `json:"max"`
	Version       int                  `json:"ver"`
	Source        int                  `json:"src"`
	Status        domain.SessionStatus `json:"status"`
	Style         string               `json:"style,omitempty"`
	Tone          string               `json:"tone,omitempty"`
}

func (c SessionClaims) session() domain.Session {
	return domain.Session{
		ID:             c.ID,
		ItemID:         c.Subject,
		Status:         c.Status,
		Phase:          domain.PhaseAwaitingHuman,
		Iteration:      c.Iteration,
		MaxIterations:  c.MaxIterations,
		CurrentVersion: c.Version,
		Style:          c.Style,
		Tone:           c.Tone,
	}
}

// TokenCodec signs session tokens with HS256.
type TokenCodec struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// RandomSecret returns a fresh 32 byte signing key.
func RandomSecret() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return b
}

func (c TokenCodec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c TokenCodec) Issue(s domain.Session, source int) (string, error) {
	if len(c.Secret) == 0 {
		return "", domain.Errorf(domain.KindConfiguration, "issue token", "session secret not configured")
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	now := c.now()
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        s.ID,
			Subject:   s.ItemID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Iteration:     s.Iteration,
		MaxIterations: s.MaxIterations,
		Version:       s.CurrentVersion,
		Source:        source,
		Status:        s.Status,
		Style:         s.Style,
		Tone:          s.Tone,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.Secret)
}

func (c TokenCodec) Parse(token string) (SessionClaims, error) {
	const op = "parse token"
	if token == "" {
		return SessionClaims{}, domain.InvalidInput(op, "session_token is required")
	}
	if len(c.Secret) == 0 {
		return SessionClaims{}, domain.Errorf(domain.KindConfiguration, op, "session secret not configured")
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
	)
	claims := SessionClaims{}
	parsed, err := parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return c.Secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, domain.InvalidInput(op, "session token expired")
		}
		return SessionClaims{}, domain.InvalidInput(op, "invalid session token")
	}
	if !parsed.Valid || claims.Subject == "" || claims.ID == "" {
		return SessionClaims{}, domain.InvalidInput(op, "invalid session token")
	}
	if claims.Status != domain.StatusAwaitingHuman {
		return SessionClaims{}, domain.InvalidInput(op, "session is not awaiting input")
	}
	return claims, nil
}
