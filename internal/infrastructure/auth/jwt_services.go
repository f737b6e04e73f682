package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/honeynil/PointsLedgerService/internal/models"
)

// Claims is what the identity provider asserts about the caller.
type Claims struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken signs an HS256 token for identity. The service itself only
// verifies tokens; this is used by the dev token tool and tests.
func GenerateToken(secret string, identity models.Identity, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret not set")
	}
	now := time.Now()
	claims := Claims{
		UserID: identity.UserID,
		Name:   identity.Name,
		Role:   string(identity.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ValidateToken verifies signature and expiry and returns the caller.
func ValidateToken(secret, tokenStr string) (models.Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return []byte(secret), nil
	})
	if err != nil {
		return models.Identity{}, err
	}
	if !token.Valid {
		return models.Identity{}, fmt.Errorf("invalid token")
	}
	if claims.UserID == "" {
		return models.Identity{}, fmt.Errorf("token has no user_id")
	}

	role := models.RoleResident
	if models.Role(claims.Role) == models.RoleStaff {
		role = models.RoleStaff
	}
	return models.Identity{UserID: claims.UserID, Name: claims.Name, Role: role}, nil
}
