package apigate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dividend-ingest/internal/apperr"
	"dividend-ingest/internal/store"
)

// fakeAuthGateway embeds the Gateway interface so it only needs to
// override GetAPIUserByKey; anything else panics loudly if
// accidentally called by a test that shouldn't reach it.
type fakeAuthGateway struct {
	store.Gateway
	user *store.ApiUser
	err  error
}

func (f *fakeAuthGateway) GetAPIUserByKey(ctx context.Context, apiKey string) (*store.ApiUser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.user, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequireAPIKey_RejectsMissingKey(t *testing.T) {
	gw := &fakeAuthGateway{}
	req := httptest.NewRequest(http.MethodGet, "/dividends/AAPL", nil)
	rr := httptest.NewRecorder()

	RequireAPIKey(gw)(okHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireAPIKey_RejectsMalformedKey(t *testing.T) {
	gw := &fakeAuthGateway{}
	req := httptest.NewRequest(http.MethodGet, "/dividends/AAPL", nil)
	req.Header.Set("X-API-Key", "not-the-right-shape")
	rr := httptest.NewRecorder()

	RequireAPIKey(gw)(okHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireAPIKey_RejectsUnknownKey(t *testing.T) {
	gw := &fakeAuthGateway{err: apperr.Auth("unknown")}
	req := httptest.NewRequest(http.MethodGet, "/dividends/AAPL", nil)
	req.Header.Set("X-API-Key", "tk_validformat123")
	rr := httptest.NewRecorder()

	RequireAPIKey(gw)(okHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRequireAPIKey_AdmitsKnownKey(t *testing.T) {
	gw := &fakeAuthGateway{user: &store.ApiUser{ID: "u1", APIKey: "tk_validformat123"}}
	req := httptest.NewRequest(http.MethodGet, "/dividends/AAPL", nil)
	req.Header.Set("X-API-Key", "tk_validformat123")
	rr := httptest.NewRecorder()

	var gotUser *store.ApiUser
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	RequireAPIKey(gw)(handler).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, gotUser)
	assert.Equal(t, "u1", gotUser.ID)
}

func TestRequireAPIKey_BearerHeaderAccepted(t *testing.T) {
	gw := &fakeAuthGateway{user: &store.ApiUser{ID: "u1", APIKey: "tk_validformat123"}}
	req := httptest.NewRequest(http.MethodGet, "/dividends/AAPL", nil)
	req.Header.Set("Authorization", "Bearer tk_validformat123")
	rr := httptest.NewRecorder()

	RequireAPIKey(gw)(okHandler()).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
