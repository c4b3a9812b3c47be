package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPGet(t *testing.T) {
	methods := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods <- r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out, err := HTTP{}.Execute(context.Background(), []string{srv.URL})
	require.NoError(t, err)
	assert.False(t, out.Rescheduled())
	assert.Equal(t, http.MethodGet, <-methods)
}

func TestHTTPMethodAndBody(t *testing.T) {
	type seen struct{ method, body string }
	requests := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		requests <- seen{r.Method, string(b)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	_, err := HTTP{}.Execute(context.Background(), []string{"post", srv.URL, `{"x":1}`})
	require.NoError(t, err)
	got := <-requests
	assert.Equal(t, http.MethodPost, got.method)
	assert.Equal(t, `{"x":1}`, got.body)
}

func TestHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := HTTP{}.Execute(context.Background(), []string{srv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "down for maintenance")
}

func TestHTTPAcceptedReschedules(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	before := time.Now()
	out, err := HTTP{}.Execute(context.Background(), []string{srv.URL})
	require.NoError(t, err)
	require.True(t, out.Rescheduled())
	assert.WithinDuration(t, before.Add(30*time.Second), *out.RescheduleAt, 2*time.Second)
}

func TestHTTPBadArgs(t *testing.T) {
	for _, args := range [][]string{nil, {}, {"GET", "", ""}, {"a", "b", "c", "d"}, {"GET", "://bad"}} {
		_, err := HTTP{}.Execute(context.Background(), args)
		assert.Error(t, err, "%q", args)
	}
}

func TestHTTPTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	_, err := HTTP{Timeout: 50 * time.Millisecond}.Execute(context.Background(), []string{srv.URL})
	require.Error(t, err)
}
