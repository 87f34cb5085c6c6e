// deribit-probe connects to Deribit, subscribes to the requested channels,
// republishes notifications to NATS, and serves Prometheus metrics. It is the
// operational smoke test for the client library.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	deribit "github.com/adred-codev/deribit-go"
	"github.com/adred-codev/deribit-go/internal/logging"
	"github.com/adred-codev/deribit-go/internal/natsbridge"
	"github.com/adred-codev/deribit-go/internal/telemetry"
)

func splitChannels(raw string) []string {
	var out []string
	for _, ch := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(ch); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func main() {
	var (
		channels    = flag.String("channels", "ticker.BTC-PERPETUAL.100ms", "comma-separated channels to subscribe")
		natsURL     = flag.String("nats", "", "NATS url for the notification bridge (empty disables)")
		metricsAddr = flag.String("metrics", ":9105", "Prometheus metrics listen address (empty disables)")
		debug       = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	)
	flag.Parse()

	bootLogger := logging.New(logging.Config{Level: "info", Format: logging.FormatJSON, Service: "deribit-probe"})

	cfg, err := deribit.LoadConfig(bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  logging.Format(cfg.LogFormat),
		Service: "deribit-probe",
	})

	sampler, err := telemetry.NewProcessSampler(15*time.Second, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("process sampler unavailable")
	} else {
		sampler.Start(context.Background())
		defer sampler.Stop()
	}

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", telemetry.Handler())
			logger.Info().Str("addr", *metricsAddr).Msg("metrics endpoint listening")
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
	}

	var bridge *natsbridge.Bridge
	if *natsURL != "" {
		bridge, err = natsbridge.New(natsbridge.Config{URL: *natsURL}, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect notification bridge")
		}
		defer bridge.Close()
	}

	client := deribit.New(cfg, logger)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	if err := client.Connect(ctx); err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("connect failed")
	}
	cancel()

	logger.Info().
		Str("state", string(client.State())).
		Int64("server_time", client.ServerTime()).
		Msg("connected")

	for _, ch := range splitChannels(*channels) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := client.Subscribe(ctx, ch, nil)
		cancel()
		if err != nil {
			logger.Error().Err(err).Str("channel", ch).Msg("subscribe failed")
			continue
		}
		logger.Info().Str("channel", ch).Msg("subscribed")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for n := range client.Notifications() {
			logger.Debug().
				Str("channel", n.Channel).
				Int("bytes", len(n.Data)).
				Msg("notification")
			if bridge != nil {
				if err := bridge.Publish(n.Channel, n.Data); err != nil {
					logger.Warn().Err(err).Str("channel", n.Channel).Msg("bridge publish failed")
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		logger.Warn().Err(err).Msg("disconnect failed")
	}
}
