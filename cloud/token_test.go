package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_FetchesAndCaches(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.FormValue("grant_type"))
		assert.Equal(t, "ua-123", r.FormValue("client_id"))
		assert.Equal(t, "sec-456", r.FormValue("client_secret"))
		fmt.Fprint(w, `{"access_token":"tok-1","expires_in":7200}`)
	}))
	defer server.Close()

	m := newTokenManager(server.URL, "ua-123", "sec-456", server.Client())

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Cached on the second call.
	token, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.Equal(t, 1, calls)
}

func TestToken_RefreshesNearExpiry(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":7200}`, calls)
	}))
	defer server.Close()

	m := newTokenManager(server.URL, "ua", "sec", server.Client())

	now := time.Now()
	m.now = func() time.Time { return now }

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)

	// Within the 5-minute refresh margin of the 2-hour lifetime.
	now = now.Add(2*time.Hour - 4*time.Minute)
	token, err = m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
	assert.Equal(t, 2, calls)
}

func TestToken_AuthErrorSurfaced(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":"invalid_client","error_description":"bad credentials"}`)
	}))
	defer server.Close()

	m := newTokenManager(server.URL, "ua", "wrong", server.Client())

	_, err := m.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad credentials")
}

func TestToken_DefaultLifetimeWhenOmitted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"tok-1"}`)
	}))
	defer server.Close()

	m := newTokenManager(server.URL, "ua", "sec", server.Client())
	now := time.Now()
	m.now = func() time.Time { return now }

	_, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, now.Add(defaultTokenLifetime), m.expiresAt)
}

func TestToken_InvalidateForcesRefetch(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":7200}`, calls)
	}))
	defer server.Close()

	m := newTokenManager(server.URL, "ua", "sec", server.Client())

	_, err := m.Token(context.Background())
	require.NoError(t, err)

	m.Invalidate()

	token, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", token)
}

func TestFetchHomeID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"code":"000000","data":{"id":"home-9","name":"Workshop"}}`)
	}))
	defer server.Close()

	id, name, err := fetchHomeID(context.Background(), server.Client(), server.URL, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "home-9", id)
	assert.Equal(t, "Workshop", name)
}

func TestFetchHomeID_MissingID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":"020104","data":{}}`)
	}))
	defer server.Close()

	_, _, err := fetchHomeID(context.Background(), server.Client(), server.URL, "tok-1")
	assert.Error(t, err)
}
