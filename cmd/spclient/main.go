package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/cmpp-server/internal/handler"
	"github.com/oarkflow/cmpp-server/internal/logger"
	"github.com/oarkflow/cmpp-server/internal/pool"
	"github.com/oarkflow/cmpp-server/pkg/cmpp"
	"github.com/oarkflow/cmpp-server/pkg/encoding"
	"github.com/oarkflow/cmpp-server/pkg/events"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:7890", "ISMG address")
	sourceAddr := flag.String("sp", "901234", "SP code (Source_Addr)")
	secret := flag.String("secret", "", "shared secret")
	serviceID := flag.String("service", "", "Service_Id")
	from := flag.String("from", "", "Src_Id")
	to := flag.String("to", "13800138000", "destination terminal id")
	text := flag.String("text", "Hello from spclient", "message text")
	count := flag.Int("count", 1, "number of messages to submit")
	conns := flag.Int("conns", 1, "connections to open")
	window := flag.Int("window", 16, "unacknowledged submits per connection")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "CMPP_ACTIVE_TEST interval, 0 disables")
	wait := flag.Bool("wait", false, "stay connected for deliveries until interrupted")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	appLogger := logger.NewDefaultLogger(*level)

	bus := events.NewEventBus(appLogger, false)
	ctx := context.Background()
	if err := bus.Subscribe(ctx, cmpp.EventTypeStatusReport, events.NewLoggingEventHandler("reports", appLogger)); err != nil {
		log.Fatalf("Failed to subscribe: %v", err)
	}
	deliverHandler := handler.NewMessageHandler(handler.Dependencies{EventPublisher: bus, Logger: appLogger})

	clients := pool.NewConnectionPool(pool.PoolConfig{
		Size:           *conns,
		WindowSize:     *window,
		ConnectTimeout: 10 * time.Second,
	}, func(ctx context.Context) (*cmpp.Client, error) {
		return cmpp.Dial(ctx, &cmpp.ClientConfig{
			Address:           *addr,
			SourceAddr:        *sourceAddr,
			Secret:            *secret,
			ConnectTimeout:    5 * time.Second,
			Timeout:           10 * time.Second,
			HeartbeatInterval: *heartbeat,
		}, cmpp.ClientDependencies{
			Handler:        deliverHandler,
			EventPublisher: bus,
			Logger:         appLogger,
		})
	})
	if err := clients.Open(ctx); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	appLogger.Info("Connected", "address", *addr, "connections", *conns)

	enc := encoding.NewTextEncoder()
	msgFmt := enc.DetectOptimalFormat(*text)

	start := time.Now()
	accepted := atomic.NewInt64(0)
	var g errgroup.Group
	g.SetLimit(*conns * *window)
	for i := 0; i < *count; i++ {
		parts, err := enc.EncodeParts(*text, msgFmt, uint8(i))
		if err != nil {
			log.Fatalf("Failed to encode message: %v", err)
		}
		udhi := uint8(0)
		if len(parts) > 1 {
			udhi = 1
		}
		for n, part := range parts {
			i, n, part := i, n, part
			g.Go(func() error {
				resp, err := clients.Submit(ctx, cmpp.Body{
					"Pk_total":            uint8(len(parts)),
					"Pk_number":           uint8(n + 1),
					"Registered_Delivery": uint8(1),
					"Service_Id":          *serviceID,
					"TP_udhi":             udhi,
					"Msg_Fmt":             msgFmt,
					"Msg_src":             *sourceAddr,
					"Src_Id":              *from,
					"Dest_terminal_Id":    []string{*to},
					"Msg_Content":         part,
				})
				if err != nil {
					appLogger.Error("Submit failed", "message", i+1, "part", n+1, "error", err)
					return nil
				}
				accepted.Inc()
				appLogger.Debug("Submit accepted",
					"message", i+1,
					"part", n+1,
					"msg_id", handler.ParseMsgID(resp.Body.Bytes("Msg_Id")).String())
				return nil
			})
		}
	}
	_ = g.Wait()
	appLogger.Info("Submit finished", "accepted", accepted.Load(), "elapsed", time.Since(start))

	if *wait {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
	}

	terminateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := clients.Close(terminateCtx); err != nil {
		appLogger.Error("Terminate failed", "error", err)
		return
	}
	appLogger.Info("Disconnected")
}
