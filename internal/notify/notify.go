// Package notify publishes session summaries to a NATS subject.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/nats-io/nats.go"

	"github.com/tracesweep-io/tracesweep/pkg/shared/config"
)

// Publisher delivers one message per finished session.
type Publisher interface {
	Publish(ctx context.Context, v interface{}) error
	Close()
}

// New returns a NATS publisher, or a no-op publisher when no URL is configured.
func New(cfg config.Notify, logger hclog.Logger) (Publisher, error) {
	if cfg.NATSURL == "" {
		return Nop{}, nil
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("tracesweep"),
		nats.Timeout(timeout),
		nats.MaxReconnects(0),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("nats connection error", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %q: %w", cfg.NATSURL, err)
	}
	return &NATS{conn: nc, subject: cfg.Subject, timeout: timeout, logger: logger}, nil
}

// NATS publishes JSON messages on a fixed subject.
type NATS struct {
	conn    *nats.Conn
	subject string
	timeout time.Duration
	logger  hclog.Logger
}

// Publish sends v and waits for the server to acknowledge the flush.
func (n *NATS) Publish(ctx context.Context, v interface{}) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		return fmt.Errorf("failed to publish to %q: %w", n.subject, err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("failed to flush %q: %w", n.subject, err)
	}
	n.logger.Debug("published session summary", "subject", n.subject, "bytes", len(data))
	return nil
}

func (n *NATS) Close() {
	n.conn.Close()
}

// Nop discards every message.
type Nop struct{}

func (Nop) Publish(context.Context, interface{}) error { return nil }
func (Nop) Close()                                     {}

func encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode summary: %w", err)
	}
	return data, nil
}
