package broker

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meeh420/coinffeine/msg"
)

type ClientConfig struct {
	GatewayConfig

	// URL is the websocket url of the broker, e.g. ws://localhost:8700/ws.
	URL    string
	Dialer *websocket.Dialer
}

// Dial connects to the broker at c.URL and returns a Gateway that sends and
// receives through the connection.
func Dial(ctx context.Context, c ClientConfig) (*Gateway, error) {
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, c.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker %s: %w", c.URL, err)
	}

	hello, err := msg.Seal(c.Key, "", msg.Message{
		Type:  msg.TypeHello,
		Hello: &msg.Hello{Timestamp: time.Now().Unix()},
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeEnvelope(conn, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}
	if err := awaitHelloAck(ctx, conn, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("awaiting hello: %w", err)
	}

	writeMu := sync.Mutex{}
	g := NewGateway(c.GatewayConfig, func(e msg.Envelope) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeEnvelope(conn, e)
	})
	g.onClose = func() error {
		writeMu.Lock()
		closeWith(conn, websocket.CloseNormalClosure, "")
		writeMu.Unlock()
		return conn.Close()
	}
	go readLoop(conn, g)
	return g, nil
}

func awaitHelloAck(ctx context.Context, conn *websocket.Conn, hello msg.Envelope) error {
	deadline := time.Now().Add(helloTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return err
	}
	_, b, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	ack, err := msg.UnmarshalEnvelope(b)
	if err != nil {
		return err
	}
	if ack.From != hello.From || !bytes.Equal(ack.Signature, hello.Signature) {
		return errExpectedHello
	}
	return conn.SetReadDeadline(time.Time{})
}

func readLoop(conn *websocket.Conn, g *Gateway) {
	defer g.Close()
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.WithError(err).Warn("broker connection dropped unexpectedly")
			}
			return
		}
		e, err := msg.UnmarshalEnvelope(b)
		if err != nil {
			g.logger.WithError(err).Debug("dropping envelope")
			continue
		}
		g.Deliver(e)
	}
}
