package router

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tenement-host/tenement/internal/auth"
	"github.com/tenement-host/tenement/internal/store"
)

func TestIsPublicPath(t *testing.T) {
	require.True(t, isPublicPath("/health"))
	require.True(t, isPublicPath("/metrics"))
	require.True(t, isPublicPath("/"))
	require.True(t, isPublicPath("/assets/app.js"))
	require.False(t, isPublicPath("/api/instances"))
}

func newTestTokenStore(t *testing.T) *auth.TokenStore {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "tenement.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return auth.NewTokenStore(st, nil)
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	s := &Server{tokens: newTestTokenStore(t)}
	handler := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareRejectsInvalidToken(t *testing.T) {
	s := &Server{tokens: newTestTokenStore(t)}
	handler := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	tokens := newTestTokenStore(t)
	plaintext, _, err := tokens.Issue("test", nil)
	require.NoError(t, err)

	s := &Server{tokens: tokens}
	called := false
	handler := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/instances", nil)
	req.Header.Set("Authorization", "Bearer "+plaintext)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, called)
}

func TestAuthMiddlewareAllowsPublicPathWithoutToken(t *testing.T) {
	s := &Server{tokens: newTestTokenStore(t)}
	called := false
	handler := s.authMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, called)
}
