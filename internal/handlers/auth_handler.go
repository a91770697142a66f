package handlers

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"settlement-backend/internal/config"
)

const RoleAdmin = "admin"

// Claims identity carried by API tokens. The subject is the user id.
type Claims struct {
	UserID uint64 `json:"user_id"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// IsAdmin reports whether the token may call reviewer endpoints.
func (c *Claims) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// GenerateJWTToken signs an HS256 token for userID.
func GenerateJWTToken(auth config.AuthConfig, userID uint64, role string, ttl time.Duration) (string, error) {
	if auth.JWTSecret == "" {
		return "", errors.New("jwt secret not configured")
	}
	now := time.Now()
	claims := Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			Issuer:    auth.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(auth.JWTSecret))
}

// ValidateJWTToken parses and verifies tokenString against the configured
// secret and issuer.
func ValidateJWTToken(auth config.AuthConfig, tokenString string) (*Claims, error) {
	if auth.JWTSecret == "" {
		return nil, errors.New("jwt secret not configured")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(auth.JWTSecret), nil
	}, jwt.WithIssuer(auth.Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.UserID == 0 {
		return nil, errors.New("token has no user id")
	}
	return claims, nil
}
