// Copyright 2026 Pezware
// SPDX-License-Identifier: Apache-2.0

package mirusync

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pezware/mirubato-sub001/internal/auth"
)

func TestJWTAuth_GenerateToken(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	userID := "test-user-123"
	deviceID := "test-device-456"
	duration := time.Hour

	token, err := jwtAuth.GenerateToken(userID, deviceID, duration)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Error("Generated token should not be empty")
	}

	claims, err := jwtAuth.ValidateToken(token)
	if err != nil {
		t.Fatalf("Failed to validate generated token: %v", err)
	}

	if claims.DeviceID != deviceID {
		t.Errorf("Expected device_id %s, got %s", deviceID, claims.DeviceID)
	}
	if claims.Subject != userID {
		t.Errorf("Expected user_id %s, got %s", userID, claims.Subject)
	}
	if claims.Issuer != "mirubato-sync" {
		t.Errorf("Expected issuer 'mirubato-sync', got %s", claims.Issuer)
	}

	if claims.ExpiresAt == nil {
		t.Fatal("Token should have expiration time")
	}
	expectedExpiry := time.Now().Add(duration)
	if diff := claims.ExpiresAt.Time.Sub(expectedExpiry).Abs(); diff > time.Second {
		t.Errorf("Token expiry time differs by more than 1 second: %v", diff)
	}
}

func TestJWTAuth_ValidateToken_WrongSecret(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	otherAuth := NewJWTAuth("different-secret")

	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if _, err := otherAuth.ValidateToken(token); err == nil {
		t.Error("Token signed with a different secret should not validate")
	}
}

func TestJWTAuth_ValidateToken_Expired(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")

	token, err := jwtAuth.GenerateToken("user-1", "device-1", -time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	if _, err := jwtAuth.ValidateToken(token); err == nil {
		t.Error("Expired token should not validate")
	}
}

func TestJWTAuth_ValidateToken_MissingClaims(t *testing.T) {
	secret := []byte("test-secret")

	// Token without the did claim.
	noDevice := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	tokenString, err := noDevice.SignedString(secret)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}

	jwtAuth := NewJWTAuth("test-secret")
	if _, err := jwtAuth.ValidateToken(tokenString); err == nil {
		t.Error("Token without device ID should not validate")
	}

	// Token without the sub claim.
	noUser := jwt.NewWithClaims(jwt.SigningMethodHS256, &JWTClaims{
		DeviceID: "device-1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	tokenString, err = noUser.SignedString(secret)
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	if _, err := jwtAuth.ValidateToken(tokenString); err == nil {
		t.Error("Token without user ID should not validate")
	}
}

func TestJWTAuth_Middleware_TokenFromQueryParameter(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	var gotUserID, gotDeviceID string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = auth.GetUserID(r.Context())
		gotDeviceID, _ = auth.GetDeviceID(r.Context())
	}))

	// WebSocket handshakes from browsers pass the token as a query param.
	req := httptest.NewRequest(http.MethodGet, "/sync/ws?token="+token, nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if gotUserID != "user-1" {
		t.Errorf("Expected user-1, got %s", gotUserID)
	}
	if gotDeviceID != "device-1" {
		t.Errorf("Expected device-1, got %s", gotDeviceID)
	}
}

func TestJWTAuth_Middleware_RejectsBadCredentials(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler must not run for unauthenticated requests")
	}))

	cases := []struct {
		name   string
		header string
	}{
		{"no credentials", ""},
		{"non-bearer authorization", "Basic dXNlcjpwYXNz"},
		{"invalid token", "Bearer garbage"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", tc.name, rr.Code)
		}
	}
}

func TestJWTAuth_Middleware(t *testing.T) {
	jwtAuth := NewJWTAuth("test-secret")
	token, err := jwtAuth.GenerateToken("user-1", "device-1", time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}

	var gotUserID, gotDeviceID string
	handler := jwtAuth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID, _ = auth.GetUserID(r.Context())
		gotDeviceID, _ = auth.GetDeviceID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/sync/pull", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if gotUserID != "user-1" {
		t.Errorf("Expected user-1 in context, got %s", gotUserID)
	}
	if gotDeviceID != "device-1" {
		t.Errorf("Expected device-1 in context, got %s", gotDeviceID)
	}

	// Missing token is rejected before the handler runs.
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sync/pull", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rr.Code)
	}
}
