package compute

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"nexus-pipeline/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(endpoint, key string) Client {
	cfg := &config.Config{}
	cfg.Compute.Endpoint = endpoint
	cfg.Compute.APIKey = key
	cfg.Compute.Model = "test-model"
	return New(cfg)
}

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/test-model:generateContent", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-goog-api-key"))

		var req generateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Summarize this: hi", req.Contents[0].Parts[0].Text)

		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"a "},{"text":"summary"}]}}]}`))
	}))
	defer srv.Close()

	out, err := newClient(srv.URL, "k").Generate(context.Background(), "Summarize this: hi")
	require.NoError(t, err)
	require.Equal(t, "a summary", out)
}

func stubServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGenerateErrors(t *testing.T) {
	busy := stubServer(t, http.StatusServiceUnavailable, `{"error":"busy"}`)
	empty := stubServer(t, http.StatusOK, `{"candidates":[]}`)

	_, err := newClient(busy.URL, "").Generate(context.Background(), "x")
	require.ErrorIs(t, err, ErrNotConfigured)

	_, err = newClient(busy.URL, "k").Generate(context.Background(), "x")
	require.ErrorContains(t, err, "HTTP 503")

	_, err = newClient(empty.URL, "k").Generate(context.Background(), "x")
	require.ErrorIs(t, err, ErrEmptyResponse)
}
