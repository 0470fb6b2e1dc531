package couch

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// tokenSource caches an HS256 bearer token and re-signs it once it is
// within a tenth of its lifetime from expiry.
type tokenSource struct {
	secret  []byte
	subject string
	ttl     time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenSource(secret []byte, subject string, ttl time.Duration) *tokenSource {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &tokenSource{secret: secret, subject: subject, ttl: ttl}
}

func (s *tokenSource) Token(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && now.Before(s.expires.Add(-s.ttl/10)) {
		return s.token, nil
	}

	claims := jwt.RegisteredClaims{
		Subject:   s.subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        uuid.New().String(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign bearer token")
	}
	s.token = signed
	s.expires = now.Add(s.ttl)
	return signed, nil
}
