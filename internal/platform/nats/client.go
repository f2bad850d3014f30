// Package nats holds the service's NATS connection and JetStream context.
package nats

import (
	"context"
	"fmt"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Client publishes to JetStream subjects.
type Client struct {
	conn *natsgo.Conn
	js   jetstream.JetStream
}

// Connect dials url and opens a JetStream context.
func Connect(url, name string) (*Client, error) {
	conn, err := natsgo.Connect(url,
		natsgo.Name(name),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open jetstream: %w", err)
	}
	return &Client{conn: conn, js: js}, nil
}

// JetStream exposes the JetStream context for stream management.
func (c *Client) JetStream() jetstream.JetStream {
	return c.js
}

// Publish sends data to subject and waits for the JetStream ack.
func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := c.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection.
func (c *Client) Close() {
	if c.conn != nil {
		_ = c.conn.Drain()
	}
}
