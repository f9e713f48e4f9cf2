package cmpp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerStartTwice(t *testing.T) {
	srv := startServer(t, testConfig(), ServerDependencies{})
	assert.True(t, srv.IsRunning())
	assert.Error(t, srv.Start(context.Background()))
}

func TestServerServeReturnsAfterShutdown(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := NewServer(testConfig(), ServerDependencies{})
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background(), l) }()
	require.Eventually(t, srv.IsRunning, time.Second, 5*time.Millisecond)

	require.NoError(t, srv.Shutdown(context.Background()))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrServerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.False(t, srv.IsRunning())
}

func TestServerShutdownClosesConnections(t *testing.T) {
	events := &eventRecorder{}
	srv := startServer(t, testConfig(), ServerDependencies{EventPublisher: events})
	peer := dialRaw(t, srv.Addr().String())
	conn := waitConn(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	peer.expectClosed()
	assert.Equal(t, StateClosed, conn.State())
	assert.Zero(t, srv.ConnectionCount())
	assert.Equal(t, 1, events.count(EventTypeDisconnected))

	_, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener must be closed")
}

func TestServerShutdownWaitsForProcessing(t *testing.T) {
	srv := startServer(t, testConfig(), ServerDependencies{})
	peer := dialRaw(t, srv.Addr().String())
	conn := waitConn(t, srv)

	srv.SetProcessing(true)
	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Shutdown returned while processing")
	case <-time.After(100 * time.Millisecond):
	}
	assert.NotEqual(t, StateClosed, conn.State())

	srv.ProcessingDone()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not finish after ProcessingDone")
	}
	peer.expectClosed()
}

func TestServerShutdownWaitsForSecondProcessingCycle(t *testing.T) {
	srv := startServer(t, testConfig(), ServerDependencies{})
	peer := dialRaw(t, srv.Addr().String())
	conn := waitConn(t, srv)

	srv.SetProcessing(true)
	srv.ProcessingDone()
	srv.ProcessingDone()
	srv.SetProcessing(true)

	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Shutdown returned while the second cycle was processing")
	case <-time.After(300 * time.Millisecond):
	}
	assert.NotEqual(t, StateClosed, conn.State())

	srv.ProcessingDone()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not finish after ProcessingDone")
	}
	peer.expectClosed()
}

func TestServerProcessingDoneRepeated(t *testing.T) {
	srv := NewServer(testConfig(), ServerDependencies{})
	assert.NotPanics(t, func() {
		srv.ProcessingDone()
		srv.SetProcessing(true)
		srv.ProcessingDone()
		srv.SetProcessing(true)
		srv.ProcessingDone()
		srv.ProcessingDone()
	})
}

func TestServerShutdownHonoursContextWhileProcessing(t *testing.T) {
	srv := startServer(t, testConfig(), ServerDependencies{})
	srv.SetProcessing(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)
	srv.ProcessingDone()
}

func TestServerMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	srv := startServer(t, cfg, ServerDependencies{})

	dialRaw(t, srv.Addr().String())
	waitConn(t, srv)

	second := dialRaw(t, srv.Addr().String())
	second.expectClosed()
	assert.Equal(t, 1, srv.ConnectionCount())
}

func TestServerStats(t *testing.T) {
	srv := startServer(t, testConfig(), ServerDependencies{})
	peer := dialRaw(t, srv.Addr().String())
	conn := waitConn(t, srv)

	peer.send(CommandConnect, 1, connectBody(Version20, 101000000, testSecret))
	peer.read()

	stats := srv.GetStats()
	assert.Equal(t, 1, stats.ConnectionCount)
	assert.Equal(t, 1, stats.Authenticated)
	assert.Zero(t, stats.PendingRequests)
	assert.Positive(t, stats.Uptime)

	got, ok := srv.Connection(conn.RemoteAddr())
	require.True(t, ok)
	assert.Same(t, conn, got)
}

func TestServerTimeoutSettersApplyToNewConnections(t *testing.T) {
	events := &eventRecorder{}
	srv := startServer(t, testConfig(), ServerDependencies{EventPublisher: events})
	srv.SetHeartbeatTimeout(20 * time.Millisecond)

	dialRaw(t, srv.Addr().String())
	conn := waitConn(t, srv)

	start := time.Now()
	err := conn.ActiveTest(context.Background())
	assert.True(t, IsTimeout(err))
	assert.Less(t, time.Since(start), time.Second)
}
