package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/token"
	"github.com/rerobots/hardshare/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// upstreamStub is a minimal fake coordinator: it records the frames the
// client sends and lets the test push frames back.
type upstreamStub struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	received chan types.Frame
	send     chan types.Frame
	auth     chan string
}

func newUpstreamStub(t *testing.T) *upstreamStub {
	s := &upstreamStub{
		t:        t,
		received: make(chan types.Frame, 32),
		send:     make(chan types.Frame, 32),
		auth:     make(chan string, 8),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *upstreamStub) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *upstreamStub) handle(w http.ResponseWriter, r *http.Request) {
	select {
	case s.auth <- r.Header.Get("Authorization"):
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	go func() {
		for f := range s.send {
			data, _ := json.Marshal(f)
			conn.WriteMessage(websocket.TextMessage, data)
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f types.Frame
		if err := json.Unmarshal(data, &f); err == nil {
			s.received <- f
		}
	}
}

func (s *upstreamStub) expect(cmd string) types.Frame {
	s.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-s.received:
			if f.Cmd == cmd {
				return f
			}
		case <-deadline:
			s.t.Fatalf("no %s frame from client", cmd)
		}
	}
}

func startClient(t *testing.T, stub *upstreamStub, inbox chan types.Frame) *Client {
	t.Helper()
	client := New(Config{
		URL:   stub.url(),
		Token: func() (*token.Record, error) { return &token.Record{Raw: "testtoken"}, nil },
		Inbox: inbox,
		Announce: func() []types.AnnouncedWD {
			return []types.AnnouncedWD{{ID: "b47cd57c-833b-47c1-964d-79e5e6f00dba"}}
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go client.Run(ctx)
	return client
}

func TestConnectAnnouncesAndAuthenticates(t *testing.T) {
	stub := newUpstreamStub(t)
	inbox := make(chan types.Frame, 8)
	startClient(t, stub, inbox)

	assert.Equal(t, "Bearer testtoken", <-stub.auth)

	announce := stub.expect(types.CmdAnnounce)
	require.Len(t, announce.WDeployments, 1)
	assert.Equal(t, "b47cd57c-833b-47c1-964d-79e5e6f00dba", announce.WDeployments[0].ID)
}

func TestInboundFramesReachInbox(t *testing.T) {
	stub := newUpstreamStub(t)
	inbox := make(chan types.Frame, 8)
	startClient(t, stub, inbox)

	stub.expect(types.CmdAnnounce)
	stub.send <- types.Frame{
		V:           types.FrameVersion,
		Cmd:         types.CmdAcquire,
		WDeployment: "b47cd57c-833b-47c1-964d-79e5e6f00dba",
		Instance:    "i1",
		ConnType:    "sshtun",
	}

	select {
	case f := <-inbox:
		assert.Equal(t, types.CmdAcquire, f.Cmd)
		assert.Equal(t, "i1", f.Instance)
	case <-time.After(5 * time.Second):
		t.Fatal("frame did not reach inbox")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	stub := newUpstreamStub(t)
	inbox := make(chan types.Frame, 8)
	startClient(t, stub, inbox)

	stub.expect(types.CmdAnnounce)
	stub.send <- types.Frame{V: types.FrameVersion, Cmd: types.CmdPing}
	stub.expect(types.CmdPong)

	// PING is handled inside the transport, not delivered.
	select {
	case f := <-inbox:
		t.Fatalf("unexpected frame in inbox: %s", f.Cmd)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnknownCmdIgnored(t *testing.T) {
	stub := newUpstreamStub(t)
	inbox := make(chan types.Frame, 8)
	client := startClient(t, stub, inbox)

	stub.expect(types.CmdAnnounce)
	stub.send <- types.Frame{V: types.FrameVersion, Cmd: "FUTURE_THING"}

	// Channel stays up: a frame sent after the unknown one still works.
	client.Send(types.StateFrame("wd", "i1", types.StateReady, ""))
	f := stub.expect(types.CmdState)
	assert.Equal(t, string(types.StateReady), f.State)
}

func TestSendSetsVersion(t *testing.T) {
	stub := newUpstreamStub(t)
	inbox := make(chan types.Frame, 8)
	client := startClient(t, stub, inbox)

	stub.expect(types.CmdAnnounce)
	client.Send(types.Frame{Cmd: types.CmdState, State: "READY"})
	f := stub.expect(types.CmdState)
	assert.Equal(t, types.FrameVersion, f.V)
}
