// Package auth authenticates transfer requests. The relay never inspects
// token internals beyond the signed claims: authentication yields an
// account identity plus optional constraints, or fails closed.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/payrelay/internal/transfer"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// Claims carried in a peer's bearer token. Acct is the peer's address
// prefix; MinBalance optionally narrows the credit line the ledger will
// allow for transfers authenticated by this token.
type Claims struct {
	Acct       string `json:"acct"`
	Currency   string `json:"currency,omitempty"`
	Scale      int32  `json:"scale,omitempty"`
	MinBalance string `json:"min_balance,omitempty"`
	jwt.RegisteredClaims
}

// Service verifies and mints peer tokens.
type Service struct {
	secret []byte
}

func NewService(secret []byte) *Service {
	return &Service{secret: secret}
}

// Authenticate verifies a bearer token and returns the account it
// authenticates, with any constraints the token carries.
func (s *Service) Authenticate(token string) (*transfer.Account, error) {
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimPrefix(token, "bearer ")

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Acct == "" {
		return nil, ErrInvalidToken
	}

	account := &transfer.Account{
		Prefix:   claims.Acct,
		Currency: claims.Currency,
		Scale:    claims.Scale,
	}
	if claims.MinBalance != "" {
		min, err := decimal.NewFromString(claims.MinBalance)
		if err != nil {
			return nil, ErrInvalidToken
		}
		account.MinBalance = &min
	}
	return account, nil
}

// MintToken issues a short-lived token for the given account prefix, used
// when forwarding to a peer that authenticates us the same way.
func (s *Service) MintToken(acct string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Acct: acct,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
