package services

import (
	"context"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "fibreel-media/pkg/errors"
	"fibreel-media/pkg/logger"
)

// AccessClaims is the JWT payload the game backend mints for its players.
// The subject is the owner id; this service validates, never issues.
type AccessClaims struct {
	OwnerID string `json:"sub"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens against the shared secret.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

func (v *TokenVerifier) ParseToken(tokenString string) (AccessClaims, error) {
	if tokenString == "" {
		return AccessClaims{}, apperrors.ErrUnauthorized
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.ErrUnauthorized
		}
		return v.secret, nil
	})
	if err != nil {
		return AccessClaims{}, apperrors.ErrUnauthorized
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return AccessClaims{}, apperrors.ErrUnauthorized
	}
	return *claims, nil
}

type ctxKey string

var ownerIDKey ctxKey = "owner_id"

// WithOwnerContext stores the authenticated owner on the request context and
// tags the logger's user field so every log line carries the identity.
func WithOwnerContext(ctx context.Context, ownerID uuid.UUID) context.Context {
	ctx = context.WithValue(ctx, ownerIDKey, ownerID)
	return context.WithValue(ctx, logger.UserIdKey, ownerID.String())
}

func OwnerIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	value := ctx.Value(ownerIDKey)
	if value == nil {
		return uuid.Nil, false
	}
	ownerID, ok := value.(uuid.UUID)
	return ownerID, ok
}
