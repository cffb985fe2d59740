package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/liveroom/internal/core"
	"github.com/gorilla/websocket"
)

type fakeRelay struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
	auth  chan string
	rooms chan string
}

func newFakeRelay(t *testing.T, status int) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		conns: make(chan *websocket.Conn, 1),
		auth:  make(chan string, 1),
		rooms: make(chan string, 1),
	}
	up := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		r.auth <- req.Header.Get("Authorization")
		r.rooms <- req.URL.Query().Get("room")
		ws, err := up.Upgrade(w, req, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		r.conns <- ws
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/ws"
}

func (r *fakeRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-r.conns:
		t.Cleanup(func() { _ = ws.Close() })
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("no connection reached the relay")
		return nil
	}
}

func nextMessage(t *testing.T, ch *Channel) (core.Message, bool) {
	t.Helper()
	select {
	case m, ok := <-ch.Messages():
		return m, ok
	case <-time.After(2 * time.Second):
		t.Fatal("no message")
		return core.Message{}, false
	}
}

func TestConnectCarriesRoomAndToken(t *testing.T) {
	relay := newFakeRelay(t, 0)
	ch := NewChannel(Options{URL: relay.url()})
	defer ch.Close()

	if err := ch.Connect(context.Background(), "room-1", "tok"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relay.accept(t)
	if got := <-relay.auth; got != "Bearer tok" {
		t.Errorf("auth header = %q", got)
	}
	if got := <-relay.rooms; got != "room-1" {
		t.Errorf("room = %q", got)
	}
	if err := ch.Connect(context.Background(), "room-1", "tok"); !errors.Is(err, ErrAlreadyConnected) {
		t.Errorf("second connect: %v", err)
	}
}

func TestSendAndReceive(t *testing.T) {
	relay := newFakeRelay(t, 0)
	ch := NewChannel(Options{URL: relay.url()})
	defer ch.Close()

	if err := ch.Send(core.MustMessage(core.KindJoinRoom, core.JoinRoom{SessionID: "s1"})); !errors.Is(err, ErrNotConnected) {
		t.Errorf("send before connect: %v", err)
	}
	if err := ch.Connect(context.Background(), "s1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ws := relay.accept(t)

	if err := ch.Send(core.MustMessage(core.KindJoinRoom, core.JoinRoom{SessionID: "s1"})); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("relay read: %v", err)
	}
	var got core.Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var join core.JoinRoom
	if got.Type != core.KindJoinRoom || got.Decode(&join) != nil || join.SessionID != "s1" {
		t.Errorf("relay got %s", data)
	}

	_ = ws.WriteMessage(websocket.TextMessage, []byte(`not json`))
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"user-left","data":{"userId":"u2"}}`))

	m, ok := nextMessage(t, ch)
	if !ok || m.Type != core.KindUserLeft {
		t.Fatalf("message = %+v ok=%v", m, ok)
	}
	var left core.UserLeft
	if err := m.Decode(&left); err != nil || left.UserID != "u2" {
		t.Errorf("user-left = %+v err=%v", left, err)
	}
}

func TestRemoteDropProducesDisconnected(t *testing.T) {
	relay := newFakeRelay(t, 0)
	ch := NewChannel(Options{URL: relay.url()})
	defer ch.Close()

	if err := ch.Connect(context.Background(), "s1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ws := relay.accept(t)
	_ = ws.Close()

	m, ok := nextMessage(t, ch)
	if !ok || m.Type != core.KindDisconnected {
		t.Fatalf("message = %+v ok=%v", m, ok)
	}
	if _, ok := nextMessage(t, ch); ok {
		t.Errorf("stream still open after disconnect")
	}
}

func TestLocalCloseIsQuiet(t *testing.T) {
	relay := newFakeRelay(t, 0)
	ch := NewChannel(Options{URL: relay.url()})

	if err := ch.Connect(context.Background(), "s1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	relay.accept(t)

	if err := ch.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if m, ok := nextMessage(t, ch); ok {
		t.Errorf("got %s after local close", m.Type)
	}
	if err := ch.Send(core.MustMessage(core.KindLeaveRoom, nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("send after close: %v", err)
	}
}

func TestCloseBeforeConnect(t *testing.T) {
	ch := NewChannel(Options{URL: "ws://127.0.0.1:1/ws"})
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch.Messages(); ok {
		t.Errorf("messages open")
	}
	if err := ch.Connect(context.Background(), "s1", ""); !errors.Is(err, ErrClosed) {
		t.Errorf("connect after close: %v", err)
	}
}

func TestConnectRejected(t *testing.T) {
	relay := newFakeRelay(t, http.StatusUnauthorized)
	ch := NewChannel(Options{URL: relay.url()})
	defer ch.Close()

	err := ch.Connect(context.Background(), "s1", "bad")
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("err = %v", err)
	}
}

func TestConnectCanceled(t *testing.T) {
	relay := newFakeRelay(t, 0)
	ch := NewChannel(Options{URL: relay.url()})
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := ch.Connect(ctx, "s1", ""); err == nil {
		t.Errorf("connect with canceled ctx succeeded")
	}
}

func TestPingKeepsConnectionAlive(t *testing.T) {
	relay := newFakeRelay(t, 0)
	ch := NewChannel(Options{URL: relay.url(), PingPeriod: 100 * time.Millisecond})
	defer ch.Close()

	if err := ch.Connect(context.Background(), "s1", ""); err != nil {
		t.Fatalf("connect: %v", err)
	}
	ws := relay.accept(t)
	// The default ping handler answers with a pong while the relay reads.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case m, ok := <-ch.Messages():
		t.Fatalf("unexpected %s ok=%v", m.Type, ok)
	case <-time.After(400 * time.Millisecond):
	}
}
