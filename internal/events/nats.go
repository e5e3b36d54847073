package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const messageVersion = "1.0"

// NATSConfig holds NATS configuration
type NATSConfig struct {
	URL     string
	Subject string
	Logger  *zap.Logger
}

// NATSPublisher publishes discovery events to a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	publish func(subject string, data []byte) error
	logger  *zap.Logger
}

// discoveryMessage is the structure sent to NATS
type discoveryMessage struct {
	Discovery
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin"`
	Version   string    `json:"version"`
}

// NewNATSPublisher connects to NATS.
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Name("channelcrawler"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p := newPublisher(nc.Publish, cfg.Subject, logger)
	p.conn = nc
	return p, nil
}

func newPublisher(publish func(string, []byte) error, subject string, logger *zap.Logger) *NATSPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSPublisher{
		subject: subject,
		publish: publish,
		logger:  logger,
	}
}

// PublishDiscovered publishes d. Events without usernames are dropped.
func (p *NATSPublisher) PublishDiscovered(_ context.Context, d Discovery) error {
	if len(d.Usernames) == 0 {
		return nil
	}

	data, err := json.Marshal(discoveryMessage{
		Discovery: d,
		Timestamp: time.Now(),
		Origin:    "channelcrawler",
		Version:   messageVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to encode discovery event: %w", err)
	}
	if err := p.publish(p.subject, data); err != nil {
		return fmt.Errorf("failed to publish discovery event: %w", err)
	}

	p.logger.Debug("Published discovery event",
		zap.String("source", d.Source),
		zap.Int("count", len(d.Usernames)))
	return nil
}

// Close drains pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
