package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/oarkflow/cmpp-server/pkg/cmpp"
)

func startServer(t *testing.T, submits *atomic.Int32) *cmpp.Server {
	t.Helper()
	cfg := cmpp.DefaultServerConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Timeout = time.Second
	cfg.ShutdownGrace = 10 * time.Millisecond

	srv := cmpp.NewServer(cfg, cmpp.ServerDependencies{
		Handler: cmpp.HandlerFunc(func(ctx context.Context, req *cmpp.Request, resp cmpp.Responder) {
			submits.Inc()
			resp.Respond(ctx, cmpp.Body{"Msg_Id": make([]byte, 8), "Result": cmpp.ResultOK})
		}),
	})
	require.NoError(t, srv.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv
}

func factoryFor(addr string) ConnectionFactory {
	return func(ctx context.Context) (*cmpp.Client, error) {
		return cmpp.Dial(ctx, &cmpp.ClientConfig{Address: addr, SourceAddr: "901234", Timeout: time.Second}, cmpp.ClientDependencies{})
	}
}

func TestPoolSpreadsSubmits(t *testing.T) {
	submits := atomic.NewInt32(0)
	srv := startServer(t, submits)

	p := NewConnectionPool(PoolConfig{Size: 3, WindowSize: 2, ConnectTimeout: 2 * time.Second}, factoryFor(srv.Addr().String()))
	require.NoError(t, p.Open(context.Background()))
	require.Eventually(t, func() bool { return srv.GetStats().Authenticated == 3 }, 2*time.Second, 5*time.Millisecond)

	first, err := p.Get()
	require.NoError(t, err)
	second, err := p.Get()
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	for i := 0; i < 6; i++ {
		resp, err := p.Submit(context.Background(), cmpp.Body{"Msg_Content": []byte("x")})
		require.NoError(t, err)
		assert.Equal(t, uint32(cmpp.ResultOK), resp.Body.Uint("Result"))
	}
	assert.Equal(t, int32(6), submits.Load())

	stats := p.Stats()
	assert.Equal(t, 3, stats.TotalConnections)
	assert.Equal(t, 3, stats.ActiveConnections)
	assert.Zero(t, stats.Outstanding)

	require.NoError(t, p.Close(context.Background()))
	require.Eventually(t, func() bool { return srv.ConnectionCount() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err = p.Get()
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolSkipsClosedConnections(t *testing.T) {
	submits := atomic.NewInt32(0)
	srv := startServer(t, submits)

	p := NewConnectionPool(PoolConfig{Size: 2}, factoryFor(srv.Addr().String()))
	require.NoError(t, p.Open(context.Background()))
	defer p.Close(context.Background())

	dead, err := p.Get()
	require.NoError(t, err)
	require.NoError(t, dead.Client().Close())
	<-dead.Client().Conn().Done()

	for i := 0; i < 3; i++ {
		c, err := p.Get()
		require.NoError(t, err)
		assert.NotSame(t, dead, c)
	}
	assert.Equal(t, 1, p.Stats().ActiveConnections)
}

func TestPoolOpenFailure(t *testing.T) {
	p := NewConnectionPool(PoolConfig{Size: 2, ConnectTimeout: time.Second}, factoryFor("127.0.0.1:1"))
	assert.Error(t, p.Open(context.Background()))

	_, err := p.Get()
	assert.ErrorIs(t, err, ErrNoConnection)
}
