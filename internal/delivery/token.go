package delivery

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned when a delivery token fails validation.
var ErrInvalidToken = errors.New("invalid token")

const tokenTTL = 2 * time.Minute

// Claims authenticate one delivery request to the bot.
type Claims struct {
	RoomID   string `json:"room_id"`
	OwnerUID string `json:"owner_uid"`
	jwt.RegisteredClaims
}

// Signer issues and validates short-lived HS256 delivery tokens.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner creates a signer. An empty secret disables signing.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), now: time.Now}
}

// Enabled reports whether a secret is configured.
func (s *Signer) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

// Sign returns a token bound to the request's room and owner.
func (s *Signer) Sign(req Request) (string, error) {
	now := s.now()
	claims := Claims{
		RoomID:   req.RoomID,
		OwnerUID: req.OwnerUID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "record-notify",
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses a token produced by Sign.
func (s *Signer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
