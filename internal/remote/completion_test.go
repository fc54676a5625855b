package remote_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Dizro/Collaborative-Code-Editor/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCompletionServer(t *testing.T, tokenCalls *int32, expiresIn time.Duration) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(tokenCalls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "GIGACHAT_API_PERS", r.PostForm.Get("scope"))
		assert.Equal(t, "Basic secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("RqUID"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "tok-1",
			"expires_at":   time.Now().Add(expiresIn).UnixMilli(),
		})
	})
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		var body struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "GigaChat", body.Model)
		require.Len(t, body.Messages, 1)
		assert.Contains(t, body.Messages[0].Content, "print(1)")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"## Overview"}}]}`))
	})
	return httptest.NewServer(mux)
}

func TestCompletionClient_CachesToken(t *testing.T) {
	// Arrange
	var calls int32
	srv := newCompletionServer(t, &calls, 30*time.Minute)
	defer srv.Close()
	c := remote.NewCompletionClient(remote.CompletionConfig{
		AuthURL: srv.URL + "/oauth",
		APIURL:  srv.URL + "/chat",
		AuthKey: "secret",
	}, nil)

	// Act
	first, err1 := c.Analyze(context.Background(), "print(1)")
	second, err2 := c.Analyze(context.Background(), "print(1)")

	// Assert
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, "## Overview", first)
	assert.Equal(t, "## Overview", second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCompletionClient_ShortLivedTokenNotCached(t *testing.T) {
	var calls int32
	srv := newCompletionServer(t, &calls, 10*time.Second)
	defer srv.Close()
	c := remote.NewCompletionClient(remote.CompletionConfig{
		AuthURL: srv.URL + "/oauth",
		APIURL:  srv.URL + "/chat",
		AuthKey: "secret",
	}, nil)

	_, err := c.Analyze(context.Background(), "print(1)")
	require.NoError(t, err)
	_, err = c.Analyze(context.Background(), "print(1)")
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCompletionClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"bad key"}`))
	}))
	defer srv.Close()

	t.Run("Empty code", func(t *testing.T) {
		c := remote.NewCompletionClient(remote.CompletionConfig{AuthURL: srv.URL, APIURL: srv.URL, AuthKey: "k"}, nil)
		_, err := c.Analyze(context.Background(), "  ")
		assert.ErrorIs(t, err, remote.ErrRemoteService)
	})

	t.Run("Missing key", func(t *testing.T) {
		c := remote.NewCompletionClient(remote.CompletionConfig{AuthURL: srv.URL, APIURL: srv.URL}, nil)
		_, err := c.Analyze(context.Background(), "x")
		assert.ErrorIs(t, err, remote.ErrRemoteService)
	})

	t.Run("Token rejected", func(t *testing.T) {
		c := remote.NewCompletionClient(remote.CompletionConfig{AuthURL: srv.URL, APIURL: srv.URL, AuthKey: "k"}, nil)
		_, err := c.Analyze(context.Background(), "x")
		var se *remote.ServiceError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, http.StatusUnauthorized, se.Status)
		assert.Equal(t, "bad key", se.Message)
	})
}
