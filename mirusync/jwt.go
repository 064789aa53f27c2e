// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pezware/mirubato-sub001/internal/auth"
)

// JWTAuth handles JWT authentication. Handlers never parse credentials
// themselves: Middleware verifies the token once and binds the identity to
// the request context, where requestIdentity reads it back. Token issuance
// itself is an external collaborator.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// JWTClaims represents JWT claims for single-user multi-device sync
type JWTClaims struct {
	DeviceID string `json:"did"` // device ID, bound to the connection
	jwt.RegisteredClaims
}

// GenerateToken generates a JWT token for single-user multi-device sync
func (j *JWTAuth) GenerateToken(userID, deviceID string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "mirubato-sync",
			Subject:   userID, // user ID goes in standard 'sub' claim
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a JWT token and returns the claims
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.DeviceID == "" {
			return nil, fmt.Errorf("missing did (device ID) in token")
		}
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (user ID) in token")
		}
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// tokenFromRequest reads the bearer token from the Authorization header, or
// from the token query parameter for WebSocket handshakes where headers are
// awkward for browser clients.
func tokenFromRequest(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			return "", fmt.Errorf("bearer token required")
		}
		return tokenString, nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("authorization required")
}

func (j *JWTAuth) claimsFromRequest(r *http.Request) (*JWTClaims, error) {
	tokenString, err := tokenFromRequest(r)
	if err != nil {
		return nil, err
	}
	claims, err := j.ValidateToken(tokenString)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	return claims, nil
}

// Middleware returns an HTTP middleware for JWT authentication that binds
// the verified identity to the request context. Tokens come from the
// Authorization header or the token query parameter, so the same middleware
// guards both the batch endpoints and the WebSocket handshake.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := j.claimsFromRequest(r)
		if err != nil {
			slog.Debug("JWT validation failed", "error", err, "path", r.URL.Path)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.DeviceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestIdentity reads the verified identity bound by Middleware. A handler
// reached without the middleware in front of it rejects the request.
func requestIdentity(r *http.Request) (userID, deviceID string, err error) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		return "", "", fmt.Errorf("no verified user on request")
	}
	deviceID, ok = auth.GetDeviceID(r.Context())
	if !ok {
		return "", "", fmt.Errorf("no verified device on request")
	}
	return userID, deviceID, nil
}
