package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicles.ledger/vtrack/internal/logger"
	"vehicles.ledger/vtrack/internal/types"
)

type fakeSender struct {
	id   string
	fail bool

	mu   sync.Mutex
	msgs []types.Outbound
}

func (s *fakeSender) ID() string { return s.id }

func (s *fakeSender) Send(msg types.Outbound) error {
	if s.fail {
		return errors.New("broken pipe")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *fakeSender) received() []types.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Outbound(nil), s.msgs...)
}

type fakeStartup struct {
	mu      sync.Mutex
	configs []*types.Envelope
	panics  bool
}

func (f *fakeStartup) Configure(_ context.Context, env *types.Envelope) error {
	if f.panics {
		panic("boom")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, env)
	return nil
}

func (f *fakeStartup) Snapshot() types.Outbound { return types.NewReset() }

func (f *fakeStartup) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.configs)
}

type call struct {
	username string
	env      *types.Envelope
}

type fakeCommands struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeCommands) Handle(_ context.Context, sender Sender, username string, env *types.Envelope) {
	f.mu.Lock()
	f.calls = append(f.calls, call{username: username, env: env})
	f.mu.Unlock()
	_ = sender.Send(types.NewTxStep(types.TxOrdering))
}

func (f *fakeCommands) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeResolver map[string]string

func (f fakeResolver) Resolve(r *http.Request) (string, bool) {
	c, err := r.Cookie("connect.sid")
	if err != nil {
		return "", false
	}
	u := f[c.Value]
	return u, u != ""
}

func TestBroadcastSurvivesFailingConnection(t *testing.T) {
	h := New(logger.Discard(), fakeResolver{})
	good := []*fakeSender{{id: "a"}, {id: "b"}, {id: "c"}}
	bad := &fakeSender{id: "broken", fail: true}
	for _, s := range good {
		h.Add(s)
	}
	h.Add(bad)
	require.Equal(t, 4, h.Len())

	h.Broadcast(types.NewReset())

	for _, s := range good {
		require.Len(t, s.received(), 1, s.id)
		assert.Equal(t, "reset", s.received()[0].Kind())
	}
	assert.Equal(t, 3, h.Len())
}

func TestDispatchRoutesSetupAndCommands(t *testing.T) {
	h := New(logger.Discard(), fakeResolver{"sid-amy": "amy"})
	startup := &fakeStartup{}
	commands := &fakeCommands{}
	h.Route(startup, commands)

	sender := &fakeSender{id: "x"}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.AddCookie(&http.Cookie{Name: "connect.sid", Value: "sid-amy"})

	h.Dispatch(context.Background(), sender, req, []byte(`{"type":"setup","configure":"find_chaincode","chaincode_id":"vehicles"}`))
	require.Equal(t, 1, startup.count())
	assert.Equal(t, "vehicles", startup.configs[0].Patch["chaincode_id"])

	h.Dispatch(context.Background(), sender, req, []byte(`{"type":"getAllParts"}`))
	require.Equal(t, 1, commands.count())
	assert.Equal(t, "amy", commands.calls[0].username)
	require.Len(t, sender.received(), 1)
}

func TestDispatchDropsUnresolvedSession(t *testing.T) {
	h := New(logger.Discard(), fakeResolver{"sid-blank": ""})
	commands := &fakeCommands{}
	h.Route(&fakeStartup{}, commands)
	sender := &fakeSender{id: "x"}

	anonymous := httptest.NewRequest(http.MethodGet, "/ws", nil)
	h.Dispatch(context.Background(), sender, anonymous, []byte(`{"type":"createVehicle","vehicle":{"make":"Tata"}}`))

	blank := httptest.NewRequest(http.MethodGet, "/ws", nil)
	blank.AddCookie(&http.Cookie{Name: "connect.sid", Value: "sid-blank"})
	h.Dispatch(context.Background(), sender, blank, []byte(`{"type":"createVehicle","vehicle":{"make":"Tata"}}`))

	assert.Zero(t, commands.count())
	assert.Empty(t, sender.received())
}

func TestDispatchSurvivesMalformedAndPanics(t *testing.T) {
	h := New(logger.Discard(), fakeResolver{})
	h.Route(&fakeStartup{panics: true}, &fakeCommands{})
	sender := &fakeSender{id: "x"}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)

	assert.NotPanics(t, func() {
		h.Dispatch(context.Background(), sender, req, []byte(`{not json`))
		h.Dispatch(context.Background(), sender, req, []byte(`{"configure":"register"}`))
		h.Dispatch(context.Background(), sender, req, []byte(`{"type":"setup","configure":"register"}`))
	})
}

func TestServeWS(t *testing.T) {
	h := New(logger.Discard(), fakeResolver{"sid-amy": "amy"})
	startup := &fakeStartup{}
	commands := &fakeCommands{}
	h.Route(startup, commands)

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	header := http.Header{}
	header.Set("Cookie", "connect.sid=sid-amy")
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), header)
	require.NoError(t, err)

	readMsg := func() map[string]any {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var out map[string]any
		require.NoError(t, json.Unmarshal(data, &out))
		return out
	}

	assert.Equal(t, "reset", readMsg()["msg"])
	require.Eventually(t, func() bool { return h.Len() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"getAllVehicles"}`)))
	reply := readMsg()
	assert.Equal(t, "tx_step", reply["msg"])
	assert.Equal(t, 1, commands.count())

	h.Broadcast(types.NewReset())
	assert.Equal(t, "reset", readMsg()["msg"])

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return h.Len() == 0 }, time.Second, 5*time.Millisecond)
	h.Close()
}

func TestCloseStopsTrackingFrames(t *testing.T) {
	h := New(logger.Discard(), fakeResolver{})

	require.True(t, h.track())
	done := make(chan struct{})
	go func() {
		h.Close()
		close(done)
	}()

	require.Eventually(t, func() bool { return !h.track() }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("Close returned with a frame still in flight")
	case <-time.After(20 * time.Millisecond):
	}

	h.wg.Done()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after the last frame finished")
	}
	assert.False(t, h.track())
}

func TestServeWSRefusesAfterClose(t *testing.T) {
	h := New(logger.Discard(), fakeResolver{})
	h.Close()

	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, h.Len())
}
