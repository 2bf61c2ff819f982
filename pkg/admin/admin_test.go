package admin

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rerobots/hardshare/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// isolate points the socket directory at a temp dir for the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
}

func echoHandler(ctx context.Context, req Request) Response {
	return Response{OK: true, Payload: req.Cmd}
}

func TestRequestResponseRoundTrip(t *testing.T) {
	isolate(t)

	srv, err := NewServer("b47cd57c-833b-47c1-964d-79e5e6f00dba", "b47cd57c", echoHandler)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client := NewClient("b47cd57c")
	resp, err := client.Do(Request{Cmd: CmdStatus})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, CmdStatus, resp.Payload)
}

func TestStaleSocketReaped(t *testing.T) {
	isolate(t)

	path := SocketPath("b47cd57c")
	require.NoError(t, os.MkdirAll(SocketDir(), 0700))

	// Leave a dead socket behind, as a crashed daemon would.
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	ln.(*net.UnixListener).SetUnlinkOnClose(false)
	ln.Close()
	_, statErr := os.Stat(path)
	require.NoError(t, statErr)

	srv, err := NewServer("b47cd57c-833b-47c1-964d-79e5e6f00dba", "b47cd57c", echoHandler)
	require.NoError(t, err)
	srv.Close()
}

func TestLiveSocketRefused(t *testing.T) {
	isolate(t)

	srv, err := NewServer("b47cd57c-833b-47c1-964d-79e5e6f00dba", "b47cd57c", echoHandler)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	_, err = NewServer("b47cd57c-833b-47c1-964d-79e5e6f00dba", "b47cd57c", echoHandler)
	assert.Error(t, err)
}

func TestSlowHandlerTimesOut(t *testing.T) {
	isolate(t)

	stall := func(ctx context.Context, req Request) Response {
		<-ctx.Done()
		return Response{Err: "late"}
	}

	srv, err := NewServer("b47cd57c-833b-47c1-964d-79e5e6f00dba", "b47cd57c", stall)
	require.NoError(t, err)
	defer srv.Close()

	// Short deadline for the test by dispatching directly.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resp := srv.dispatch(ctx, Request{Cmd: CmdStatus})
	assert.NotEmpty(t, resp.Err)
}

func TestMalformedRequest(t *testing.T) {
	isolate(t)

	srv, err := NewServer("b47cd57c-833b-47c1-964d-79e5e6f00dba", "b47cd57c", echoHandler)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	conn, err := net.Dial("unix", SocketPath("b47cd57c"))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("this is not json\n"))
	require.NoError(t, err)

	buf := make([]byte, 1024)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "malformed")
}
