package signalr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiate(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/hub/negotiate", r.URL.Path)
		require.Equal(t, "1", r.URL.Query().Get("negotiateVersion"))
		gotAuth = r.Header.Get("Authorization")

		json.NewEncoder(w).Encode(map[string]any{
			"connectionId": "conn-1",
			"availableTransports": []map[string]any{
				{"transport": "WebSockets", "transferFormats": []string{"Text"}},
			},
		})
	}))
	defer srv.Close()

	headers := http.Header{}
	headers.Set("Authorization", "Bearer tok")

	wsURL, outHeaders, err := negotiate(context.Background(), srv.Client(), srv.URL+"/hub", headers)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "Bearer tok", outHeaders.Get("Authorization"))

	u, err := url.Parse(wsURL)
	require.NoError(t, err)
	assert.Equal(t, "ws", u.Scheme)
	assert.Equal(t, "/hub", u.Path)
	assert.Equal(t, "conn-1", u.Query().Get("id"))
}

func TestNegotiatePrefersConnectionToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"connectionId":    "conn-1",
			"connectionToken": "tok-9",
		})
	}))
	defer srv.Close()

	wsURL, _, err := negotiate(context.Background(), srv.Client(), srv.URL+"/hub", nil)
	require.NoError(t, err)

	u, err := url.Parse(wsURL)
	require.NoError(t, err)
	assert.Equal(t, "tok-9", u.Query().Get("id"))
}

func TestNegotiateRedirect(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer redirected-token", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"connectionId": "conn-2"})
	}))
	defer final.Close()

	first := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"url":         final.URL + "/hub",
			"accessToken": "redirected-token",
		})
	}))
	defer first.Close()

	wsURL, headers, err := negotiate(context.Background(), http.DefaultClient, first.URL+"/hub", nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer redirected-token", headers.Get("Authorization"))

	u, err := url.Parse(wsURL)
	require.NoError(t, err)
	assert.Equal(t, "conn-2", u.Query().Get("id"))
}

func TestNegotiateRedirectLoop(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"url": srv.URL + "/hub"})
	}))
	defer srv.Close()

	_, _, err := negotiate(context.Background(), srv.Client(), srv.URL+"/hub", nil)
	var nerr *NegotiationError
	require.ErrorAs(t, err, &nerr)
}

func TestNegotiateAuthError(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		_, _, err := negotiate(context.Background(), srv.Client(), srv.URL+"/hub", nil)
		var aerr *AuthError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, status, aerr.Status)
		srv.Close()
	}
}

func TestNegotiateServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, _, err := negotiate(context.Background(), srv.Client(), srv.URL+"/hub", nil)
	var nerr *NegotiationError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, http.StatusInternalServerError, nerr.Status)
}

func TestNegotiateErrorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"error": "no can do"})
	}))
	defer srv.Close()

	_, _, err := negotiate(context.Background(), srv.Client(), srv.URL+"/hub", nil)
	var nerr *NegotiationError
	require.ErrorAs(t, err, &nerr)
	assert.Contains(t, nerr.Error(), "negotiate failed")
}
