package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete(t *testing.T) {
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		fmt.Fprint(w, `{"choices":[{"message":{"content":"a standalone question"}}]}`)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL + "/v1", APIKey: "test-key", Model: "test-model", Temperature: 0.1})
	out, err := client.Complete(context.Background(), "condense this")
	require.NoError(t, err)
	assert.Equal(t, "a standalone question", out)

	assert.Equal(t, "test-model", gotBody["model"])
	assert.Equal(t, false, gotBody["stream"])
	assert.InDelta(t, 0.1, gotBody["temperature"], 1e-9)
}

func TestCompleteErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "m"})
	_, err := client.Complete(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func streamServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
}

func TestStream(t *testing.T) {
	srv := streamServer(t,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`{"choices":[{"delta":{"content":""}}]}`,
		`[DONE]`,
	)
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "m"})

	var segments []string
	full, err := client.Stream(context.Background(), "q", func(segment string) error {
		segments = append(segments, segment)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", " world"}, segments)
	assert.Equal(t, "Hello world", full)
}

func TestStreamOnSegmentErrorAborts(t *testing.T) {
	srv := streamServer(t,
		`{"choices":[{"delta":{"content":"one"}}]}`,
		`{"choices":[{"delta":{"content":"two"}}]}`,
		`[DONE]`,
	)
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "m"})

	abort := errors.New("consumer gone")
	_, err := client.Stream(context.Background(), "q", func(string) error { return abort })
	require.ErrorIs(t, err, abort)
}

func TestStreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Model: "m"})
	_, err := client.Stream(context.Background(), "q", func(string) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
