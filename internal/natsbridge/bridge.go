// Package natsbridge republishes subscription notifications onto NATS
// subjects so downstream consumers can fan out market data without holding
// their own exchange connection.
package natsbridge

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Config holds the NATS connection options.
type Config struct {
	URL             string
	SubjectPrefix   string
	MaxReconnects   int
	ReconnectWait   time.Duration
	PingInterval    time.Duration
	MaxPingsOut     int
}

// Bridge owns one NATS connection and publishes channel payloads under
// <prefix>.<channel> subjects.
type Bridge struct {
	conn   *nats.Conn
	prefix string
	logger zerolog.Logger
}

// New connects to NATS. Reconnection is handled by the NATS client itself.
func New(cfg Config, logger zerolog.Logger) (*Bridge, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "deribit"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.MaxPingsOut <= 0 {
		cfg.MaxPingsOut = 3
	}

	log := logger.With().Str("component", "natsbridge").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.MaxPingsOutstanding(cfg.MaxPingsOut),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("nats error")
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	log.Info().Str("url", conn.ConnectedUrl()).Msg("connected to nats")

	return &Bridge{
		conn:   conn,
		prefix: cfg.SubjectPrefix,
		logger: log,
	}, nil
}

// Publish forwards one notification payload. The channel name becomes the
// subject suffix with NATS-illegal characters rewritten.
func (b *Bridge) Publish(channel string, data []byte) error {
	subject := b.prefix + "." + subjectSafe(channel)
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains and closes the NATS connection.
func (b *Bridge) Close() {
	if err := b.conn.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("nats drain failed")
		b.conn.Close()
	}
}

func subjectSafe(channel string) string {
	return strings.NewReplacer(" ", "_", "*", "_", ">", "_").Replace(channel)
}
