package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGetJSONDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/puzzle", r.URL.Path)
		w.Write([]byte(`{"puzzle_id": "p1", "seed": 42}`))
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop())
	var out struct {
		PuzzleID string `json:"puzzle_id"`
		Seed     int    `json:"seed"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "/api/puzzle", &out, nil))
	assert.Equal(t, "p1", out.PuzzleID)
	assert.Equal(t, 42, out.Seed)
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop(), WithRetryDelay(time.Millisecond))
	var out struct {
		OK bool `json:"ok"`
	}
	require.NoError(t, c.GetJSON(context.Background(), "/x", &out, nil))
	assert.True(t, out.OK)
	assert.Equal(t, int32(3), hits.Load())
}

func TestGetJSONStopsAfterAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop(), WithRetryDelay(time.Millisecond), WithAttempts(3))
	err := c.GetJSON(context.Background(), "/x", nil, nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusInternalServerError, se.StatusCode)
	assert.Equal(t, int32(3), hits.Load())
}

func TestGetJSONDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error": "not_authenticated"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop(), WithRetryDelay(time.Millisecond))
	err := c.GetJSON(context.Background(), "/x", nil, nil)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnauthorized, se.StatusCode)
	assert.Contains(t, string(se.Body), "not_authenticated")
	assert.Equal(t, int32(1), hits.Load())
}

func TestGetJSONValidateFailureRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 2 {
			w.Write([]byte(`{"grid": []}`))
			return
		}
		w.Write([]byte(`{"grid": [["A"]]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop(), WithRetryDelay(time.Millisecond))
	var out struct {
		Grid [][]string `json:"grid"`
	}
	err := c.GetJSON(context.Background(), "/x", &out, func(status int, body []byte) error {
		if string(body) == `{"grid": []}` {
			return errors.New("empty grid")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, out.Grid, 1)
	assert.Equal(t, int32(2), hits.Load())
}

func TestPostJSONSendsCSRFAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "tok-123", r.Header.Get("X-CSRF-Token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"ok": true, "balance": 7}`))
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop(), WithCSRFToken("tok-123"))
	var out struct {
		OK      bool `json:"ok"`
		Balance int  `json:"balance"`
	}
	require.NoError(t, c.PostJSON(context.Background(), "/api/score", map[string]int{"score": 9}, &out))
	assert.True(t, out.OK)
	assert.Equal(t, 7, out.Balance)
}

func TestPostJSONDecodesErrorEnvelope(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"ok": false, "error": "insufficient_credits", "balance": 2}`))
	}))
	defer srv.Close()

	c := New(srv.URL, zap.NewNop())
	var out struct {
		OK      bool   `json:"ok"`
		Error   string `json:"error"`
		Balance int    `json:"balance"`
	}
	err := c.PostJSON(context.Background(), "/api/hint/unlock", nil, &out)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusPaymentRequired, se.StatusCode)
	assert.Equal(t, "insufficient_credits", out.Error)
	assert.Equal(t, 2, out.Balance)
	assert.Equal(t, int32(1), hits.Load(), "mutating requests must not retry")
}

func TestGetJSONHonoursContext(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := New(srv.URL, zap.NewNop())
	err := c.GetJSON(ctx, "/slow", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithTimeoutCapsRequests(t *testing.T) {
	c := New("http://example.invalid", zap.NewNop(), WithTimeout(3*time.Second))
	assert.Equal(t, 3*time.Second, c.httpClient.Timeout)

	c = New("http://example.invalid", zap.NewNop(), WithTimeout(0))
	assert.Equal(t, defaultTimeout, c.httpClient.Timeout, "zero keeps the default")
}
