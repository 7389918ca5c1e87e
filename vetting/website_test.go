package vetting

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redirectServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/mid", http.StatusFound)
	})
	mux.HandleFunc("/mid", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/end", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/end", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("landed"))
	})
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveNoRedirect(t *testing.T) {
	srv := redirectServer(t)
	r := NewRedirectResolver(RedirectConfig{}, newTestCacheFor(t))

	res := r.Resolve(context.Background(), srv.URL+"/end")
	require.Empty(t, res.Error)
	assert.Equal(t, srv.URL+"/end", res.FinalURL)
	assert.NotNil(t, res.Redirects)
	assert.Empty(t, res.Redirects)
	assert.Equal(t, []string{srv.URL + "/end"}, res.Chain())
}

func TestResolveFollowsChain(t *testing.T) {
	srv := redirectServer(t)
	r := NewRedirectResolver(RedirectConfig{}, newTestCacheFor(t))

	res := r.Resolve(context.Background(), srv.URL+"/start")
	require.Empty(t, res.Error)
	assert.Equal(t, srv.URL+"/end", res.FinalURL)
	assert.Equal(t, []string{srv.URL + "/start", srv.URL + "/mid"}, res.Redirects)
}

func TestResolveTimeout(t *testing.T) {
	srv := redirectServer(t)
	r := NewRedirectResolver(RedirectConfig{Timeout: 50 * time.Millisecond}, newTestCacheFor(t))

	start := time.Now()
	res := r.Resolve(context.Background(), srv.URL+"/slow")
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, "timeout after 50ms", res.Error)
	assert.Nil(t, res.Chain())
}

func TestResolveTooManyRedirects(t *testing.T) {
	srv := redirectServer(t)
	r := NewRedirectResolver(RedirectConfig{MaxHops: 3}, newTestCacheFor(t))

	res := r.Resolve(context.Background(), srv.URL+"/loop")
	assert.Contains(t, res.Error, "too many redirects")
}

func TestResolveInvalidURL(t *testing.T) {
	r := NewRedirectResolver(RedirectConfig{}, newTestCacheFor(t))
	res := r.Resolve(context.Background(), "://broken")
	assert.NotEmpty(t, res.Error)
}
