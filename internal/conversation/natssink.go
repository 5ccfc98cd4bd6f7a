package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSSink publishes conversation updates to a NATS subject so downstream
// persistence can consume them off-process.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	logger  zerolog.Logger
}

// NewNATSSink connects to NATS and returns a sink publishing to subject.
func NewNATSSink(url, subject string, logger zerolog.Logger) (*NATSSink, error) {
	sink := &NATSSink{subject: subject, logger: logger}

	opts := []nats.Option{
		nats.Name("exai-gateway-conversation"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			sink.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			sink.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	sink.conn = conn

	logger.Info().Str("url", url).Str("subject", subject).Msg("Conversation NATS sink connected")
	return sink, nil
}

// Persist publishes one update as JSON. Satisfies ConsumerFunc.
func (s *NATSSink) Persist(_ context.Context, item Update) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to serialize conversation update: %w", err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish conversation update: %w", err)
	}
	return nil
}

// Connected reports whether the NATS connection is up.
func (s *NATSSink) Connected() bool {
	return s.conn != nil && s.conn.IsConnected()
}

// Close flushes and closes the connection.
func (s *NATSSink) Close() {
	if s.conn == nil {
		return
	}
	if err := s.conn.Drain(); err != nil {
		s.logger.Warn().Err(err).Msg("NATS drain failed")
	}
	s.conn.Close()
}
