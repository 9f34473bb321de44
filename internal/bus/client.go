package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/speakbeelabs/speakbee-core/internal/config"
	"github.com/speakbeelabs/speakbee-core/internal/protocol"
)

// Client wraps the NATS connection with minimal helpers. A nil Client is
// valid and drops every publish, which is how the daemon runs with the bus
// disabled.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}

	options := []nats.Option{
		nats.Name("speakbee-runtime"),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{conn: conn, log: log}, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	return c.conn
}

func (c *Client) publish(subject string, payload any) {
	if c == nil || c.conn == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("failed to encode bus payload", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := c.conn.Publish(subject, data); err != nil {
		c.log.Warn("failed to publish bus payload", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// PublishSegment broadcasts one processed batch segment. Publishing is best
// effort and never fails the request.
func (c *Client) PublishSegment(evt protocol.SegmentProcessed) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	c.publish(protocol.SubjectSegmentProcessed, evt)
}

// PublishTranscript broadcasts a fully resolved realtime utterance.
func (c *Client) PublishTranscript(evt protocol.TranscriptFinal) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	c.publish(protocol.SubjectTranscriptFinal, evt)
}
