package rpcclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientDoRoundTrips(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "RUNNING", r.Header.Get("X-Presto-Current-State"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	client := NewHTTPClient(30 * time.Second)
	defer client.Close()

	resp, err := client.Do(context.Background(), Request{
		Method: http.MethodGet,
		URI:    server.URL,
		Headers: map[string]string{
			"X-Presto-Current-State": "RUNNING",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
}

func TestHTTPClientRefusesAfterClose(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewHTTPClient(30 * time.Second)
	client.Close()

	_, err := client.Do(context.Background(), Request{Method: http.MethodGet, URI: server.URL})
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestHTTPClientCloseIsIdempotent(t *testing.T) {
	client := NewHTTPClient(time.Second)
	client.Close()
	client.Close() // must not panic
}

func TestClassify(t *testing.T) {
	now := time.Now()

	outcome, err := Classify(&Response{StatusCode: 200}, nil, now)
	assert.Equal(t, OutcomeOK, outcome)
	assert.NoError(t, err)

	outcome, err = Classify(&Response{StatusCode: 503}, nil, now)
	assert.Equal(t, OutcomeTransient, outcome)
	assert.Error(t, err)

	outcome, err = Classify(nil, ErrClientClosed, now)
	assert.Equal(t, OutcomeFatal, outcome)
	assert.ErrorIs(t, err, ErrClientClosed)
}
