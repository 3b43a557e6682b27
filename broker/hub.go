// Package broker relays signed envelopes between the participants of
// exchanges. A Hub routes envelopes between the peers registered with it,
// either in process through a Gateway or over a websocket connection served
// by Server.
package broker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/meeh420/coinffeine/msg"
	log "github.com/sirupsen/logrus"
)

var (
	ErrUnknownPeer       = errors.New("unknown peer")
	ErrAlreadyRegistered = errors.New("peer already registered")
)

type Hub struct {
	logger  *log.Entry
	metrics *Metrics

	mu        sync.RWMutex
	mailboxes map[string]func(msg.Envelope)
}

type HubConfig struct {
	Logger  *log.Entry
	Metrics *Metrics
}

func NewHub(c HubConfig) *Hub {
	logger := c.Logger
	if logger == nil {
		logger = log.WithField("component", "hub")
	}
	return &Hub{
		logger:    logger,
		metrics:   c.Metrics,
		mailboxes: map[string]func(msg.Envelope){},
	}
}

// Register makes deliver receive every envelope routed to peer until
// unregister is called. Only one mailbox can be registered per peer.
func (h *Hub) Register(peer string, deliver func(msg.Envelope)) (unregister func(), err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.mailboxes[peer]; ok {
		return nil, fmt.Errorf("registering %s: %w", peer, ErrAlreadyRegistered)
	}
	h.mailboxes[peer] = deliver
	h.metrics.peerConnected()
	h.logger.WithField("peer", peer).Debug("peer registered")

	once := sync.Once{}
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.mailboxes, peer)
			h.metrics.peerDisconnected()
			h.logger.WithField("peer", peer).Debug("peer unregistered")
		})
	}, nil
}

// Route verifies the sender's signature on e and hands it to the recipient's
// mailbox. Delivery is best effort.
func (h *Hub) Route(e msg.Envelope) error {
	m, err := e.Open()
	if err != nil {
		h.metrics.dropped("invalid")
		return fmt.Errorf("routing envelope: %w", err)
	}
	h.mu.RLock()
	deliver, ok := h.mailboxes[e.To]
	h.mu.RUnlock()
	if !ok {
		h.metrics.dropped("unknown_peer")
		return fmt.Errorf("routing %v to %s: %w", m.Type, e.To, ErrUnknownPeer)
	}
	h.logger.WithFields(log.Fields{
		"from":     e.From,
		"to":       e.To,
		"type":     m.Type,
		"exchange": m.ExchangeID,
	}).Trace("routing envelope")
	h.metrics.routed(m.Type)
	deliver(e)
	return nil
}

// Connect returns a Gateway for the peer identified by key that sends and
// receives through the hub.
func (h *Hub) Connect(c GatewayConfig) (*Gateway, error) {
	g := NewGateway(c, h.Route)
	unregister, err := h.Register(g.Peer(), g.Deliver)
	if err != nil {
		return nil, err
	}
	g.onClose = func() error {
		unregister()
		return nil
	}
	return g, nil
}
