package vetting

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, opts EngineOptions) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(NewEngine(opts), 2*time.Second).Router())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestVetHandlerWaitsForSignals(t *testing.T) {
	srv := newTestServer(t, EngineOptions{Existence: fakeExistence{exists: false}})

	resp := postJSON(t, srv.URL+"/vet", `{"url":"http://example.top/invoice.exe","page_secure":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body VetResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.LinkID)
	assert.Equal(t, 125, body.Score)
	assert.True(t, body.ClickGuard.Confirm)
	assert.Equal(t, LevelHallucinated, body.Verdict.Level)
	assert.True(t, body.Settled)
	require.Len(t, body.History, 2)
	assert.Equal(t, LevelDanger, body.History[0].Level)
}

func TestVetHandlerZeroWaitReturnsHeuristic(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	srv := newTestServer(t, EngineOptions{Existence: fakeExistence{gate: gate, exists: false}})

	resp := postJSON(t, srv.URL+"/vet", `{"url":"https://example.com/page","wait_ms":0}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body VetResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, LevelOK, body.Verdict.Level)
	assert.Equal(t, SourceHeuristic, body.Verdict.Source)
	assert.False(t, body.Settled)
	assert.False(t, body.ClickGuard.Confirm)
}

func TestVetHandlerRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, EngineOptions{})

	assert.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/vet", `{`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/vet", `{"url":"  "}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, postJSON(t, srv.URL+"/vet", `{"url":"https://example.com","wait_ms":-1}`).StatusCode)

	resp, err := http.Get(srv.URL + "/vet")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestResolveHandler(t *testing.T) {
	srv := newTestServer(t, EngineOptions{
		Redirects: fakeRedirects{res: RedirectResult{FinalURL: "https://example.com/", Redirects: []string{"https://bit.ly/x"}}},
	})

	resp := postJSON(t, srv.URL+"/resolve", `{"url":"https://bit.ly/x"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body ResolveResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "https://bit.ly/x", body.URL)
	assert.Equal(t, "https://example.com/", body.FinalURL)
	assert.Equal(t, []string{"https://bit.ly/x"}, body.Redirects)
}

func TestHealthAndStats(t *testing.T) {
	srv := newTestServer(t, EngineOptions{Cache: newTestCacheFor(t)})

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	assert.Contains(t, stats, "entries")
}

func TestStreamHandler(t *testing.T) {
	gate := make(chan struct{})
	srv := newTestServer(t, EngineOptions{Existence: fakeExistence{gate: gate, exists: false}})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"url": "https://made-up.example/docs", "page_secure": true}))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var initial streamFrame
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, "initial", initial.Type)
	require.NotNil(t, initial.Link)
	assert.Equal(t, LevelOK, initial.Link.Verdict.Level)

	close(gate)

	var update streamFrame
	require.NoError(t, conn.ReadJSON(&update))
	assert.Equal(t, "update", update.Type)
	require.NotNil(t, update.Update)
	assert.Equal(t, initial.Link.LinkID, update.Update.LinkID)
	assert.Equal(t, 1, update.Update.Seq)
	assert.Equal(t, LevelHallucinated, update.Update.Verdict.Level)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	var errFrame streamFrame
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.Equal(t, "error", errFrame.Type)
}

func TestStreamHandlerRequiresUpgrade(t *testing.T) {
	srv := newTestServer(t, EngineOptions{})

	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamHandlerInitialFrameIsHeuristic(t *testing.T) {
	srv := newTestServer(t, EngineOptions{Existence: fakeExistence{exists: false}})

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	for i := 0; i < 20; i++ {
		require.NoError(t, conn.WriteJSON(map[string]any{"url": "https://example.com/page", "page_secure": true}))
		var initial streamFrame
		require.NoError(t, conn.ReadJSON(&initial))
		require.Equal(t, "initial", initial.Type)
		require.NotNil(t, initial.Link)
		assert.Equal(t, SourceHeuristic, initial.Link.Verdict.Source)
		assert.Equal(t, LevelOK, initial.Link.Verdict.Level)
		assert.Empty(t, initial.Link.Annotations)

		var update streamFrame
		require.NoError(t, conn.ReadJSON(&update))
		require.Equal(t, "update", update.Type)
		assert.Equal(t, initial.Link.LinkID, update.Update.LinkID)
		assert.Equal(t, 1, update.Update.Seq)
		assert.Equal(t, LevelHallucinated, update.Update.Verdict.Level)
	}
}

func TestStreamHandlerOrigins(t *testing.T) {
	srv := httptest.NewServer(NewServer(NewEngine(EngineOptions{}), time.Second, "chrome-extension://abcdef/").Router())
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	dial := func(origin string) (*http.Response, error) {
		h := http.Header{}
		if origin != "" {
			h.Set("Origin", origin)
		}
		conn, resp, err := websocket.DefaultDialer.Dial(wsURL, h)
		if conn != nil {
			conn.Close()
		}
		return resp, err
	}

	resp, err := dial("https://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, err = dial("chrome-extension://ABCDEF")
	assert.NoError(t, err)

	_, err = dial(srv.URL)
	assert.NoError(t, err, "same origin")

	_, err = dial("")
	assert.NoError(t, err, "non-browser client")
}
