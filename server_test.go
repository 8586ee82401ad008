package taskwire

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()
	base := []ServerOption{
		WithStatsSchedule(""),
		WithHandshakeTimeout(2 * time.Second),
		WithProcessorOptions(WithLatency(0, 0)),
	}
	s := NewServer("127.0.0.1:0", append(base, opts...)...)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

// rawSession performs the handshake by hand so tests can put arbitrary frames on the wire.
func rawSession(t *testing.T, s *Server, clientID string) *frameConn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	fc := newFrameConn(conn, 0)
	t.Cleanup(func() { fc.Close() })

	hello, err := NewConnectEnvelope(clientID, "raw")
	require.NoError(t, err)
	require.NoError(t, fc.Send(hello))

	fc.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, decodeErr, err := fc.Receive()
	require.NoError(t, err)
	require.NoError(t, decodeErr)
	require.Equal(t, KindStatus, env.Kind)

	var st StatusData
	require.NoError(t, env.DecodeData(&st))
	assert.Equal(t, StatusConnected, st.Status)
	assert.Equal(t, clientID, st.ClientID)
	return fc
}

func TestServerStartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", WithStatsSchedule("@every 1s"))
	assert.Nil(t, s.Addr())
	require.NoError(t, s.Start())
	require.NotNil(t, s.Addr())
	assert.Error(t, s.Start())

	addr := s.Addr().String()
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.ErrorIs(t, s.Start(), ErrServerClosed)

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err, "port should be released after Stop")
}

func TestServerBadScheduleFailsStart(t *testing.T) {
	s := NewServer("127.0.0.1:0", WithStatsSchedule("not a schedule"))
	assert.Error(t, s.Start())
	s.Stop()
}

func TestServerRun(t *testing.T) {
	s := NewServer("127.0.0.1:0", WithStatsSchedule(""))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestServerHandshakeRejections(t *testing.T) {
	s := startTestServer(t)

	expectClosed := func(t *testing.T, conn net.Conn) {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		_, err := ReadFrame(conn, DefaultMaxFrameSize)
		assert.ErrorIs(t, err, io.EOF, "server should close without reply")
	}

	t.Run("first message not connect", func(t *testing.T) {
		conn, err := net.Dial("tcp", s.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		hb, err := NewHeartbeatEnvelope("c-x", 1)
		require.NoError(t, err)
		require.NoError(t, WriteEnvelope(conn, hb))
		expectClosed(t, conn)
	})

	t.Run("undecodable handshake", func(t *testing.T) {
		conn, err := net.Dial("tcp", s.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, WriteFrame(conn, []byte("hello?")))
		expectClosed(t, conn)
	})

	t.Run("handshake timeout", func(t *testing.T) {
		short := startTestServer(t, WithHandshakeTimeout(100*time.Millisecond))
		conn, err := net.Dial("tcp", short.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		expectClosed(t, conn)
	})

	assert.Equal(t, 0, s.ClientCount())
}

func TestServerDuplicateClientID(t *testing.T) {
	s := startTestServer(t)
	rawSession(t, s, "dup")

	conn, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	hello, err := NewConnectEnvelope("dup", "second")
	require.NoError(t, err)
	require.NoError(t, WriteEnvelope(conn, hello))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, decodeErr, err := ReadEnvelope(conn, DefaultMaxFrameSize)
	require.NoError(t, err)
	require.NoError(t, decodeErr)
	assert.Equal(t, KindError, env.Kind)
	assert.Equal(t, 1, s.ClientCount())
}

func TestServerMalformedTaskRequest(t *testing.T) {
	s := startTestServer(t)
	fc := rawSession(t, s, "raw-1")

	bad, err := NewEnvelope(KindTaskRequest, "raw-1", map[string]any{"task_kind": "matrix_multiply", "parameters": map[string]any{}})
	require.NoError(t, err)
	require.NoError(t, fc.Send(bad))

	fc.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, decodeErr, err := fc.Receive()
	require.NoError(t, err)
	require.NoError(t, decodeErr)
	assert.Equal(t, KindTaskResponse, env.Kind)
	assert.Equal(t, bad.ID, env.ID)

	var resp TaskResponse
	require.NoError(t, env.DecodeData(&resp))
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.ErrorMessage)
	assert.Equal(t, int64(0), s.Stats().Total)
}

func TestServerSkipsUndecodableMessages(t *testing.T) {
	s := startTestServer(t)
	fc := rawSession(t, s, "raw-2")

	require.NoError(t, WriteFrame(fc, []byte(`{"garbage": true`)))

	req, err := NewTaskRequest(TaskCommonNumbers, CommonNumbersParams{Array1: []int64{7}, Array2: []int64{7}})
	require.NoError(t, err)
	env, err := NewTaskRequestEnvelope("raw-2", req)
	require.NoError(t, err)
	require.NoError(t, fc.Send(env))

	fc.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply, decodeErr, err := fc.Receive()
	require.NoError(t, err)
	require.NoError(t, decodeErr)
	assert.Equal(t, env.ID, reply.ID)

	var resp TaskResponse
	require.NoError(t, reply.DecodeData(&resp))
	require.True(t, resp.Success, resp.ErrorMessage)
	var res CommonNumbersResult
	require.NoError(t, resp.DecodeResult(&res))
	assert.Equal(t, []int64{7}, res.Result)
}

func TestServerRepliesErrorToUnexpectedKind(t *testing.T) {
	s := startTestServer(t)
	fc := rawSession(t, s, "raw-3")

	st, err := NewStatusEnvelope("raw-3", "hello")
	require.NoError(t, err)
	require.NoError(t, fc.Send(st))

	fc.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, decodeErr, err := fc.Receive()
	require.NoError(t, err)
	require.NoError(t, decodeErr)
	assert.Equal(t, KindError, env.Kind)
	assert.True(t, s.HasClient("raw-3"))
}

func TestServerDropsConnectionOnFramingError(t *testing.T) {
	s := startTestServer(t, WithServerMaxFrameSize(64))
	fc := rawSession(t, s, "raw-4")
	require.True(t, s.HasClient("raw-4"))

	require.NoError(t, WriteFrame(fc, make([]byte, 128)))
	require.Eventually(t, func() bool { return !s.HasClient("raw-4") }, 2*time.Second, 10*time.Millisecond)
}

func TestServerDisconnectEnvelope(t *testing.T) {
	s := startTestServer(t)
	fc := rawSession(t, s, "raw-5")
	require.True(t, s.HasClient("raw-5"))

	bye, err := NewDisconnectEnvelope("raw-5")
	require.NoError(t, err)
	require.NoError(t, fc.Send(bye))

	require.Eventually(t, func() bool { return !s.HasClient("raw-5") }, 2*time.Second, 10*time.Millisecond)
	fc.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = fc.Receive()
	assert.True(t, errors.Is(err, io.EOF), "expected EOF, got %v", err)
}

func TestServerDropsResponseForGoneClient(t *testing.T) {
	s := startTestServer(t, WithProcessorOptions(WithLatency(200*time.Millisecond, 200*time.Millisecond)))
	fc := rawSession(t, s, "raw-6")

	req, err := NewTaskRequest(TaskGenerateArray, nil)
	require.NoError(t, err)
	env, err := NewTaskRequestEnvelope("raw-6", req)
	require.NoError(t, err)
	require.NoError(t, fc.Send(env))
	require.NoError(t, fc.Close())

	require.Eventually(t, func() bool { return s.Stats().Total == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.False(t, s.HasClient("raw-6"))

	// The worker keeps serving other clients.
	other := rawSession(t, s, "raw-7")
	env2, err := NewTaskRequestEnvelope("raw-7", req)
	require.NoError(t, err)
	require.NoError(t, other.Send(env2))
	other.SetReadDeadline(time.Now().Add(3 * time.Second))
	reply, _, err := other.Receive()
	require.NoError(t, err)
	assert.Equal(t, env2.ID, reply.ID)
}

func TestServerClientsListing(t *testing.T) {
	s := startTestServer(t)
	rawSession(t, s, "list-a")
	rawSession(t, s, "list-b")

	clients := s.Clients()
	require.Len(t, clients, 2)
	ids := []string{clients[0].ID, clients[1].ID}
	assert.ElementsMatch(t, []string{"list-a", "list-b"}, ids)
	for _, c := range clients {
		assert.Equal(t, "raw", c.Name)
		assert.NotEmpty(t, c.RemoteAddr)
		assert.False(t, c.ConnectedAt.IsZero())
	}

	b, err := json.Marshal(clients[0])
	require.NoError(t, err)
	assert.Contains(t, string(b), `"client_id"`)
}

func TestServerStopClosesClients(t *testing.T) {
	s := NewServer("127.0.0.1:0", WithStatsSchedule(""), WithProcessorOptions(WithLatency(0, 0)))
	require.NoError(t, s.Start())

	c := NewClient(s.Addr().String(), WithHeartbeatInterval(0))
	require.NoError(t, c.Connect(2*time.Second))
	require.Eventually(t, func() bool { return s.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Stop())
	assert.Equal(t, 0, s.ClientCount())
	require.Eventually(t, func() bool { return !c.IsConnected() }, 2*time.Second, 10*time.Millisecond)

	_, err := c.ExecuteTask(context.Background(), TaskGenerateArray, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, c.Disconnect())
}
