package broker

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/meeh420/coinffeine/msg"
	log "github.com/sirupsen/logrus"
	"go.uber.org/ratelimit"
)

var (
	errExpectedHello = errors.New("expected hello")
	errStaleHello    = errors.New("hello timestamp out of range")
)

const (
	defaultHelloMaxAge = time.Minute
	helloTimeout       = 10 * time.Second
	writeTimeout       = 10 * time.Second
	outboxSize         = 64
)

type ServerConfig struct {
	Hub *Hub

	// HelloMaxAge bounds how old the timestamp of a peer's hello can be.
	HelloMaxAge time.Duration
	// RateLimit is the number of envelopes per second accepted from each
	// connection. Zero means unlimited.
	RateLimit int

	Logger *log.Entry
}

// Server relays envelopes between peers connected over websockets. The
// first message of every connection must be a hello envelope sealed by the
// connecting peer, which binds the connection to the peer id.
type Server struct {
	hub         *Hub
	helloMaxAge time.Duration
	rateLimit   int
	logger      *log.Entry
	upgrader    websocket.Upgrader
}

func NewServer(c ServerConfig) *Server {
	maxAge := c.HelloMaxAge
	if maxAge <= 0 {
		maxAge = defaultHelloMaxAge
	}
	logger := c.Logger
	if logger == nil {
		logger = log.WithField("component", "broker")
	}
	return &Server{
		hub:         c.Hub,
		helloMaxAge: maxAge,
		rateLimit:   c.RateLimit,
		logger:      logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("upgrading connection")
		return
	}
	defer conn.Close()

	hello, peer, err := s.readHello(conn)
	if err != nil {
		s.logger.WithError(err).WithField("remote", r.RemoteAddr).Warn("rejecting connection")
		closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	logger := s.logger.WithField("peer", peer)

	outbox := make(chan msg.Envelope, outboxSize)
	unregister, err := s.hub.Register(peer, func(e msg.Envelope) {
		select {
		case outbox <- e:
		default:
			logger.Warn("outbox full, dropping envelope")
		}
	})
	if err != nil {
		logger.WithError(err).Warn("rejecting connection")
		closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer unregister()

	// The hello is echoed back once the peer can receive envelopes.
	if err := writeEnvelope(conn, hello); err != nil {
		logger.WithError(err).Warn("acknowledging hello")
		return
	}
	logger.Info("peer connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case e := <-outbox:
				if err := writeEnvelope(conn, e); err != nil {
					logger.WithError(err).Warn("writing envelope")
					conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	limiter := ratelimit.NewUnlimited()
	if s.rateLimit > 0 {
		limiter = ratelimit.New(s.rateLimit)
	}
	for {
		limiter.Take()
		_, b, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.WithError(err).Warn("connection dropped unexpectedly")
			}
			logger.Info("peer disconnected")
			return
		}
		e, err := msg.UnmarshalEnvelope(b)
		if err != nil {
			logger.WithError(err).Debug("dropping envelope")
			continue
		}
		if e.From != peer {
			logger.WithField("from", e.From).Warn("dropping envelope sealed by another peer")
			continue
		}
		if err := s.hub.Route(e); err != nil {
			logger.WithError(err).Debug("routing envelope")
		}
	}
}

func (s *Server) readHello(conn *websocket.Conn) (msg.Envelope, string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		return msg.Envelope{}, "", err
	}
	_, b, err := conn.ReadMessage()
	if err != nil {
		return msg.Envelope{}, "", err
	}
	e, err := msg.UnmarshalEnvelope(b)
	if err != nil {
		return msg.Envelope{}, "", err
	}
	m, err := e.Open()
	if err != nil {
		return msg.Envelope{}, "", err
	}
	if m.Type != msg.TypeHello {
		return msg.Envelope{}, "", errExpectedHello
	}
	sealed := time.Unix(m.Hello.Timestamp, 0)
	if age := time.Since(sealed); age > s.helloMaxAge || age < -s.helloMaxAge {
		return msg.Envelope{}, "", errStaleHello
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return msg.Envelope{}, "", err
	}
	return e, e.From, nil
}

func writeEnvelope(conn *websocket.Conn, e msg.Envelope) error {
	b, err := msg.MarshalEnvelope(e)
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.BinaryMessage, b)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
}
