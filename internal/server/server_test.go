package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/stepsync/internal/access"
	"github.com/roach88/stepsync/internal/codec"
	"github.com/roach88/stepsync/internal/collab"
	"github.com/roach88/stepsync/internal/metrics"
	"github.com/roach88/stepsync/internal/model"
	"github.com/roach88/stepsync/internal/store"
	"github.com/roach88/stepsync/internal/testutil"
)

var testSecret = []byte("server-test-secret")

type testEnv struct {
	srv   *Server
	ts    *httptest.Server
	store *store.SQLite
	svc   *collab.Service
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, opts ...func(*Options)) *testEnv {
	t.Helper()
	st := testutil.NewStore(t)
	testutil.SeedDocument(t, st, "doc-1", testutil.HelloTree)
	testutil.SeedProjectDocument(t, st, "proj-1", "doc-bound", testutil.HelloTree)

	svc := collab.NewService(st, codec.New(), collab.WithLogger(discardLogger()))
	policy := access.NewPolicy(access.PolicyFile{
		Projects: map[string]map[string]access.Role{
			"proj-1": {"alice": access.RoleOwner, "vera": access.RoleViewer},
			"proj-2": {"alice": access.RoleOwner},
		},
	})
	o := Options{
		Service:          svc,
		Authenticator:    access.NewJWTAuthenticator(testSecret),
		Checker:          policy,
		Metrics:          metrics.New(),
		MetricsPath:      "/metrics",
		Logger:           discardLogger(),
		IDs:              testutil.NewSequenceIDGenerator("conn"),
		HandshakeTimeout: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	srv := New(o)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testEnv{srv: srv, ts: ts, store: st, svc: svc}
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := access.IssueToken(testSecret, user, "", time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
}

func (e *testEnv) dial(t *testing.T, path string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(e.wsURL(path), header)
	if ws != nil {
		t.Cleanup(func() { ws.Close() })
	}
	return ws, resp, err
}

func (e *testEnv) subscribe(t *testing.T, user string) *websocket.Conn {
	t.Helper()
	ws, _, err := e.dial(t, "/doc/proj-1/manuscript/doc-1/listen", bearer(token(t, user)))
	require.NoError(t, err)
	return ws
}

func bearer(tok string) http.Header {
	return http.Header{"Authorization": {"Bearer " + tok}}
}

func readPush(t *testing.T, ws *websocket.Conn) ([]byte, map[string]any) {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return data, msg
}

// expectClosed reads until the server closes the socket and returns the
// close error.
func expectClosed(t *testing.T, ws *websocket.Conn) error {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return err
		}
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return -1
}

func goldenJSON(t *testing.T, name string, data []byte) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.Indent(&buf, data, "", "  "))
	buf.WriteByte('\n')
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, buf.Bytes())
}

func TestSubscribe_ReceivesSnapshot(t *testing.T) {
	env := newTestEnv(t)

	ws, resp, err := env.dial(t, "/doc/proj-1/manuscript/doc-1/listen", bearer(token(t, "alice")))
	require.NoError(t, err)
	assert.Equal(t, "conn-1", resp.Header.Get(ConnectionIDHeader))

	_, msg := readPush(t, ws)
	assert.Equal(t, float64(0), msg["version"])
	assert.Equal(t, codec.SchemaVersion, msg["schemaVersion"])
	assert.Empty(t, msg["steps"])
	doc, err := json.Marshal(msg["doc"])
	require.NoError(t, err)
	assert.JSONEq(t, testutil.HelloTree, string(doc))

	assert.Eventually(t, func() bool { return env.srv.Registry().Subscribers("doc-1") == 1 },
		time.Second, 10*time.Millisecond)
}

func TestSubscribe_SnapshotGolden(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.SubmitSteps(context.Background(), "doc-1", model.Submission{
		Steps:       testutil.Steps(testutil.InsertText(6, "!")),
		BaseVersion: 0,
		ClientID:    7,
	})
	require.NoError(t, err)

	ws := env.subscribe(t, "alice")
	data, _ := readPush(t, ws)
	goldenJSON(t, "subscribe_snapshot", data)
}

func TestSubscribe_CredentialSources(t *testing.T) {
	env := newTestEnv(t)
	tok := token(t, "vera")

	t.Run("query parameter", func(t *testing.T) {
		ws, _, err := env.dial(t, "/doc/proj-1/manuscript/doc-1/listen?token="+tok, nil)
		require.NoError(t, err)
		_, msg := readPush(t, ws)
		assert.Contains(t, msg, "doc")
	})

	t.Run("cookie", func(t *testing.T) {
		ws, _, err := env.dial(t, "/doc/proj-1/manuscript/doc-1/listen", http.Header{"Cookie": {"access_token=" + tok}})
		require.NoError(t, err)
		_, msg := readPush(t, ws)
		assert.Contains(t, msg, "doc")
	})
}

func TestSubscribe_Denied(t *testing.T) {
	env := newTestEnv(t)

	tests := map[string]http.Header{
		"no credential": nil,
		"bad token":     bearer("garbage"),
		"not a member":  bearer(token(t, "mallory")),
		"wrong secret": func() http.Header {
			tok, err := access.IssueToken([]byte("other"), "alice", "", time.Hour)
			require.NoError(t, err)
			return bearer(tok)
		}(),
	}
	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			ws, _, err := env.dial(t, "/doc/proj-1/manuscript/doc-1/listen", header)
			require.NoError(t, err)
			err = expectClosed(t, ws)
			assert.Equal(t, websocket.ClosePolicyViolation, closeCode(err))
			assert.Equal(t, 0, env.srv.Registry().Subscribers("doc-1"))
		})
	}
}

func TestSubscribe_InvalidPath(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{
		"/doc/-proj/manuscript/doc-1/listen",
		"/doc/proj-1/manuscript/doc%201/listen",
		"/doc/proj-1/manuscript/" + strings.Repeat("a", 129) + "/listen",
	} {
		_, resp, err := env.dial(t, path, bearer(token(t, "alice")))
		require.Error(t, err, path)
		require.NotNil(t, resp, path)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestSubscribe_UnknownDocument(t *testing.T) {
	env := newTestEnv(t)
	ws, _, err := env.dial(t, "/doc/proj-1/manuscript/nope/listen", bearer(token(t, "alice")))
	require.NoError(t, err)

	err = expectClosed(t, ws)
	assert.Equal(t, closeDocumentNotFound, closeCode(err))
	assert.Eventually(t, func() bool { return len(env.srv.Registry().Documents()) == 0 },
		time.Second, 10*time.Millisecond)
}

func TestSubscribe_DocumentOfAnotherProject(t *testing.T) {
	env := newTestEnv(t)

	ws, _, err := env.dial(t, "/doc/proj-2/manuscript/doc-bound/listen", bearer(token(t, "alice")))
	require.NoError(t, err)
	err = expectClosed(t, ws)
	assert.Equal(t, closeDocumentNotFound, closeCode(err))
	assert.Empty(t, env.srv.Registry().Documents())

	ws, _, err = env.dial(t, "/doc/proj-1/manuscript/doc-bound/listen", bearer(token(t, "alice")))
	require.NoError(t, err)
	_, msg := readPush(t, ws)
	assert.Equal(t, float64(0), msg["version"])
}

func TestSubscribe_FirstMessageForm(t *testing.T) {
	env := newTestEnv(t)
	ws, _, err := env.dial(t, "/listen", nil)
	require.NoError(t, err)

	require.NoError(t, ws.WriteJSON(map[string]string{
		"manuscriptID": "doc-1",
		"projectID":    "proj-1",
		"authToken":    token(t, "alice"),
	}))
	_, msg := readPush(t, ws)
	assert.Equal(t, float64(0), msg["version"])
	assert.Contains(t, msg, "doc")
}

func TestSubscribe_FirstMessageRejected(t *testing.T) {
	env := newTestEnv(t)

	tests := map[string]string{
		"not json":      `{{{`,
		"missing token": `{"manuscriptID":"doc-1","projectID":"proj-1"}`,
		"bad id":        `{"manuscriptID":"../etc","projectID":"proj-1","authToken":"x"}`,
	}
	for name, first := range tests {
		t.Run(name, func(t *testing.T) {
			ws, _, err := env.dial(t, "/listen", nil)
			require.NoError(t, err)
			require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(first)))
			err = expectClosed(t, ws)
			assert.Equal(t, websocket.ClosePolicyViolation, closeCode(err))
		})
	}
}

func TestSubscribe_FirstMessageTimeout(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.HandshakeTimeout = 100 * time.Millisecond })
	ws, _, err := env.dial(t, "/listen", nil)
	require.NoError(t, err)

	err = expectClosed(t, ws)
	assert.Error(t, err)
}

func TestMalformedMessage_ClosesOnlyThatSocket(t *testing.T) {
	env := newTestEnv(t)
	bad := env.subscribe(t, "alice")
	good := env.subscribe(t, "vera")
	readPush(t, bad)
	readPush(t, good)
	require.Eventually(t, func() bool { return env.srv.Registry().Subscribers("doc-1") == 2 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, bad.WriteMessage(websocket.TextMessage, []byte("not json at all")))
	err := expectClosed(t, bad)
	assert.Equal(t, websocket.CloseUnsupportedData, closeCode(err))

	assert.Eventually(t, func() bool { return env.srv.Registry().Subscribers("doc-1") == 1 },
		time.Second, 10*time.Millisecond)

	// The other socket still works.
	require.NoError(t, good.WriteJSON(map[string]any{"type": "history", "fromVersion": 0}))
	_, msg := readPush(t, good)
	assert.Equal(t, float64(0), msg["version"])
	assert.NotContains(t, msg, "doc")
}

func TestInboundMessages_Malformed(t *testing.T) {
	env := newTestEnv(t)

	for name, frame := range map[string]string{
		"missing type":        `{"fromVersion":0}`,
		"unknown type":        `{"type":"steps","fromVersion":0}`,
		"missing fromVersion": `{"type":"history"}`,
		"trailing garbage":    `{"type":"history","fromVersion":0}}}garbage`,
		"trailing partial":    `{"type":"history","fromVersion":0}{"x":`,
	} {
		t.Run(name, func(t *testing.T) {
			ws := env.subscribe(t, "alice")
			readPush(t, ws)
			require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
			err := expectClosed(t, ws)
			assert.Equal(t, websocket.CloseUnsupportedData, closeCode(err))
		})
	}
}

func TestHistoryRequest_Incremental(t *testing.T) {
	env := newTestEnv(t)
	ws := env.subscribe(t, "alice")
	readPush(t, ws)

	_, err := env.svc.SubmitSteps(context.Background(), "doc-1", model.Submission{
		Steps:       testutil.Steps(testutil.InsertText(6, "!"), testutil.InsertText(7, "?")),
		BaseVersion: 0,
		ClientID:    9,
	})
	require.NoError(t, err)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "history", "fromVersion": 1}))
	_, msg := readPush(t, ws)
	assert.Equal(t, float64(2), msg["version"])
	assert.Len(t, msg["steps"], 1)
	assert.Equal(t, []any{float64(9)}, msg["clientIDs"])
	assert.NotContains(t, msg, "resync")
}

func TestHistoryRequest_ResyncAfterClear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.svc.SubmitSteps(ctx, "doc-1", model.Submission{
		Steps:       testutil.Steps(testutil.InsertText(6, "!")),
		BaseVersion: 0,
		ClientID:    7,
	})
	require.NoError(t, err)
	require.NoError(t, env.svc.ClearHistory(ctx, "doc-1"))

	ws := env.subscribe(t, "alice")
	_, msg := readPush(t, ws)
	assert.Equal(t, float64(1), msg["version"], "subscribe still gets a snapshot after a clear")

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "history", "fromVersion": 0}))
	data, _ := readPush(t, ws)
	goldenJSON(t, "resync_after_clear", data)
}

func TestHistoryRequest_AheadOfDocumentResyncs(t *testing.T) {
	env := newTestEnv(t)
	ws := env.subscribe(t, "alice")
	readPush(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]any{"type": "history", "fromVersion": 42}))
	_, msg := readPush(t, ws)
	assert.Equal(t, true, msg["resync"])
	assert.Equal(t, float64(0), msg["version"])
}

func TestNotifySubscribers(t *testing.T) {
	env := newTestEnv(t)
	ws := env.subscribe(t, "alice")
	readPush(t, ws)
	require.Eventually(t, func() bool { return env.srv.Registry().Subscribers("doc-1") == 1 },
		time.Second, 10*time.Millisecond)

	frame, err := encodePush(model.NewHistoryResponse([]model.StepRecord{
		{Step: json.RawMessage(`{"stepType":"docAttr","attr":"lang","value":"en"}`), ClientID: 3},
	}, 1), false)
	require.NoError(t, err)
	assert.Equal(t, 1, env.srv.Registry().Broadcast("doc-1", frame))

	_, msg := readPush(t, ws)
	assert.Equal(t, float64(1), msg["version"])
	assert.Equal(t, codec.SchemaVersion, msg["schemaVersion"])
}

func TestClientClose_Unregisters(t *testing.T) {
	env := newTestEnv(t)
	ws := env.subscribe(t, "alice")
	readPush(t, ws)
	require.Eventually(t, func() bool { return env.srv.Registry().Subscribers("doc-1") == 1 },
		time.Second, 10*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	ws.Close()

	assert.Eventually(t, func() bool { return env.srv.Registry().Subscribers("doc-1") == 0 },
		time.Second, 10*time.Millisecond)
}

func TestServerClose_ClosesSockets(t *testing.T) {
	env := newTestEnv(t)
	ws := env.subscribe(t, "alice")
	readPush(t, ws)
	require.Eventually(t, func() bool { return env.srv.Registry().Subscribers("doc-1") == 1 },
		time.Second, 10*time.Millisecond)

	env.srv.Close()
	err := expectClosed(t, ws)
	assert.Equal(t, websocket.CloseGoingAway, closeCode(err))
	assert.Empty(t, env.srv.Registry().Documents())

	assert.NotPanics(t, env.srv.Close)
}

func TestConnTeardown_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	ws := env.subscribe(t, "alice")
	readPush(t, ws)
	require.Eventually(t, func() bool { return env.srv.Registry().Subscribers("doc-1") == 1 },
		time.Second, 10*time.Millisecond)

	sockets := env.srv.registry.Snapshot("doc-1")
	require.Len(t, sockets, 1)
	conn := sockets[0].(*Conn)

	// The read loop tears the socket down on the malformed frame; later
	// closes from other paths must be no-ops.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	err := expectClosed(t, ws)
	assert.Equal(t, websocket.CloseUnsupportedData, closeCode(err))
	require.Eventually(t, func() bool { return env.srv.Registry().Subscribers("doc-1") == 0 },
		time.Second, 10*time.Millisecond)

	assert.NotPanics(t, func() {
		assert.NoError(t, conn.Close())
		assert.NoError(t, conn.Close())
		conn.teardown(metrics.ReasonServerError, websocket.CloseInternalServerErr, "again")
	})
	env.srv.Close()

	assert.False(t, env.srv.Registry().Unsubscribe("doc-1", conn))
	assert.Equal(t, 0, env.srv.Registry().Subscribers("doc-1"))

	resp, err := http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stepsync_connections 0")
	assert.Contains(t, string(body), `stepsync_connections_closed_total{reason="malformed"} 1`)
	assert.NotContains(t, string(body), `reason="shutdown"`)
	assert.NotContains(t, string(body), `reason="server_error"`)
}

// gatedStore holds every write transaction until release is closed, then
// fails it if its context was cancelled in the meantime.
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.Store.WithTx(ctx, fn)
}

// closeSignalListener reports when http.Server starts shutting down.
type closeSignalListener struct {
	net.Listener
	once   sync.Once
	closed chan struct{}
}

func (l *closeSignalListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return l.Listener.Close()
}

func TestServe_ShutdownDrainsInFlightSubmission(t *testing.T) {
	st := testutil.NewStore(t)
	testutil.SeedDocument(t, st, "doc-1", testutil.HelloTree)
	gated := &gatedStore{Store: st, entered: make(chan struct{}), release: make(chan struct{})}
	srv := New(Options{
		Service:       collab.NewService(gated, codec.New(), collab.WithLogger(discardLogger())),
		Authenticator: access.NewJWTAuthenticator(testSecret),
		Checker: access.NewPolicy(access.PolicyFile{
			Projects: map[string]map[string]access.Role{"proj-1": {"alice": access.RoleOwner}},
		}),
		Logger: discardLogger(),
	})

	raw, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &closeSignalListener{Listener: raw, closed: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln, 5*time.Second) }()

	body, err := json.Marshal(model.Submission{Steps: testutil.Steps(testutil.InsertText(6, "!")), ClientID: 1})
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost,
		"http://"+raw.Addr().String()+"/doc/proj-1/manuscript/doc-1/steps", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token(t, "alice"))

	type result struct {
		status int
		body   map[string]any
		err    error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- result{err: err}
			return
		}
		defer resp.Body.Close()
		var out map[string]any
		err = json.NewDecoder(resp.Body).Decode(&out)
		done <- result{status: resp.StatusCode, body: out, err: err}
	}()

	select {
	case <-gated.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("submission never reached the store")
	}
	cancel()
	select {
	case <-ln.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("server never started shutting down")
	}
	close(gated.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, http.StatusOK, res.status, res.body)
	assert.Equal(t, float64(1), res.body["version"])
	require.NoError(t, <-served)

	doc, err := st.ReadDocument(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
}

func TestOriginAllowList(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.AllowedOrigins = []string{"https://editor.example.com"} })

	h := bearer(token(t, "alice"))
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := env.dial(t, "/doc/proj-1/manuscript/doc-1/listen", h)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	h.Set("Origin", "https://editor.example.com")
	ws, _, err := env.dial(t, "/doc/proj-1/manuscript/doc-1/listen", h)
	require.NoError(t, err)
	readPush(t, ws)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ws := env.subscribe(t, "alice")
	readPush(t, ws)

	resp, err = http.Get(env.ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "stepsync_connections 1")
}
