package broker

import (
	"fmt"
	"sync"

	"github.com/meeh420/coinffeine/msg"
	log "github.com/sirupsen/logrus"
	"github.com/stellar/go/keypair"
)

const defaultSubscriptionBuffer = 16

type GatewayConfig struct {
	Key *keypair.Full

	// SubscriptionBuffer is the number of inbound messages buffered per
	// subscription before messages are dropped.
	SubscriptionBuffer int

	Logger *log.Entry
}

type subscription struct {
	filter msg.Filter
	ch     chan msg.Inbound
}

// Gateway is a peer's access to the broker. It seals outgoing messages with
// the peer's key and fans incoming messages out to subscriptions.
type Gateway struct {
	key    *keypair.Full
	send   func(msg.Envelope) error
	buffer int
	logger *log.Entry

	onClose func() error

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]subscription
	closed bool
}

// NewGateway returns a gateway that hands sealed envelopes to send.
func NewGateway(c GatewayConfig, send func(msg.Envelope) error) *Gateway {
	buffer := c.SubscriptionBuffer
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	logger := c.Logger
	if logger == nil {
		logger = log.WithField("peer", c.Key.Address())
	}
	return &Gateway{
		key:    c.Key,
		send:   send,
		buffer: buffer,
		logger: logger,
		subs:   map[uint64]subscription{},
	}
}

func (g *Gateway) Peer() string {
	return g.key.Address()
}

// Send seals m and sends it to peer to.
func (g *Gateway) Send(to string, m msg.Message) error {
	e, err := msg.Seal(g.key, to, m)
	if err != nil {
		return err
	}
	if err := g.send(e); err != nil {
		return fmt.Errorf("sending %v to %s: %w", m.Type, to, err)
	}
	return nil
}

// Subscribe returns a channel receiving the inbound messages matching f.
// The channel is closed by cancel or when the gateway is closed.
func (g *Gateway) Subscribe(f msg.Filter) (<-chan msg.Inbound, func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ch := make(chan msg.Inbound, g.buffer)
	if g.closed {
		close(ch)
		return ch, func() {}
	}
	id := g.nextID
	g.nextID++
	g.subs[id] = subscription{filter: f, ch: ch}
	return ch, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if s, ok := g.subs[id]; ok {
			delete(g.subs, id)
			close(s.ch)
		}
	}
}

// Deliver opens an envelope addressed to this peer and passes the message
// to every matching subscription. Messages are dropped for subscriptions
// whose buffer is full.
func (g *Gateway) Deliver(e msg.Envelope) {
	if e.To != g.Peer() {
		g.logger.WithField("to", e.To).Warn("dropping envelope addressed to another peer")
		return
	}
	m, err := e.Open()
	if err != nil {
		g.logger.WithError(err).Warn("dropping envelope")
		return
	}
	in := msg.Inbound{From: e.From, Message: m}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.subs {
		if !s.filter.Match(in) {
			continue
		}
		select {
		case s.ch <- in:
		default:
			g.logger.WithFields(log.Fields{
				"from":     in.From,
				"type":     m.Type,
				"exchange": m.ExchangeID,
			}).Warn("subscription full, dropping message")
		}
	}
}

// Close cancels every subscription and disconnects from the broker.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	for id, s := range g.subs {
		delete(g.subs, id)
		close(s.ch)
	}
	g.mu.Unlock()
	if g.onClose != nil {
		return g.onClose()
	}
	return nil
}
