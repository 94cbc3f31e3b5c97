package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/flukso/tmpo/internal/config"
	"github.com/flukso/tmpo/internal/tmpo"
	"github.com/flukso/tmpo/internal/transport/mqtt"
	"github.com/flukso/tmpo/internal/uplink"
)

func main() {
	var cfg Config
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	logger = level.NewFilter(logger, level.AllowInfo())

	if err := run(logger, cfg); err != nil {
		level.Error(logger).Log("msg", "fatal error", "err", err)
		os.Exit(1)
	}
}

func run(logger log.Logger, cfg Config) error {
	cfgFile, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	sensors := config.NewSensorRegistry(cfgFile)
	devices := config.NewDeviceRegistry(cfgFile)

	client, err := mqtt.Dial(mqtt.Config{
		Broker:   cfg.Broker,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
	}, logger)
	if err != nil {
		return fmt.Errorf("dialing mqtt broker: %w", err)
	}
	defer client.Disconnect(250)

	store := tmpo.NewBlockStore(cfg.DataDir, client, logger)
	if err := store.StartupScrub(); err != nil {
		return fmt.Errorf("startup scrub: %w", err)
	}

	ingest := tmpo.NewIngestBuffer(sensors)
	flusher := tmpo.NewFlusher(store, ingest, logger)
	gc := tmpo.NewGC(store, logger)
	sync := tmpo.NewSyncEngine(store, logger)
	loop := tmpo.NewTickLoop(store, ingest, flusher, gc, sync, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveMetrics(ctx, cfg.MetricsAddr, logger)
	})

	if err := subscribe(client, loop, devices, sensors, cfg.SyncDeviceID, logger); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	g.Go(func() error {
		return waitForSignal(ctx)
	})

	return g.Wait()
}

// subscribe wires the three MQTT topics into the tick
// loop: the broker heartbeat drives Tick, the per-device sync topic
// feeds HandleSyncRequest, and the fleet-wide uplink topic feeds
// HandleUplink after decoding. Retained messages are accepted on the
// heartbeat and sync topics (a retained sync request is exactly the
// "last request while we were down" case worth replaying) but dropped
// on the uplink topic, where a retained counter reading would be
// stale by definition.
func subscribe(sub mqtt.Subscriber, loop *tmpo.TickLoop, devices *config.DeviceRegistry, sensors *config.SensorRegistry, syncDeviceID string, logger log.Logger) error {
	err := sub.Subscribe(mqtt.TopicHeartbeat, 0, func(_ string, _ []byte, _ bool) {
		loop.Tick(uint32(time.Now().Unix()))
	})
	if err != nil {
		return fmt.Errorf("subscribing to heartbeat: %w", err)
	}

	if syncDeviceID != "" {
		topic := mqtt.DeviceSyncTopic(syncDeviceID)
		err := sub.Subscribe(topic, 1, func(_ string, payload []byte, _ bool) {
			list, err := decodeSyncRequest(payload)
			if err != nil {
				level.Error(logger).Log("msg", "bad sync request", "err", err)
				return
			}
			loop.HandleSyncRequest(list)
		})
		if err != nil {
			return fmt.Errorf("subscribing to sync topic: %w", err)
		}
	}

	err = sub.Subscribe(mqtt.TopicUplinkSub, 0, func(_ string, payload []byte, retained bool) {
		if retained {
			return
		}
		readings, err := uplink.Decode(payload, devices, sensors)
		if err != nil {
			level.Error(logger).Log("msg", "bad uplink payload", "err", err)
			return
		}
		for _, r := range readings {
			loop.HandleUplink(r.Sid, r.T, r.V, r.Unit)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribing to uplink topic: %w", err)
	}

	return nil
}

type syncRequestEntry struct {
	Sid string `json:"sid"`
	Rid int    `json:"rid"`
	Lvl int    `json:"lvl"`
	Bid uint32 `json:"bid"`
}

func decodeSyncRequest(payload []byte) ([]tmpo.Watermark, error) {
	var entries []syncRequestEntry
	if err := json.Unmarshal(payload, &entries); err != nil {
		return nil, err
	}
	list := make([]tmpo.Watermark, len(entries))
	for i, e := range entries {
		list[i] = tmpo.Watermark{Sid: e.Sid, Rid: e.Rid, Lvl: e.Lvl, Bid: e.Bid}
	}
	return list, nil
}

func serveMetrics(ctx context.Context, addr string, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		level.Info(logger).Log("msg", "serving metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func waitForSignal(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case <-sigCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
