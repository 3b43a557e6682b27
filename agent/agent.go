// Package agent contains the agent that drives an exchange through its steps
// on behalf of one of its participants, exchanging step signatures and
// payment proofs with the counterpart through a broker.
//
// An agent handles inbound messages, timer expirations and payment
// completions one at a time on a single goroutine. Its protocol state is
// never shared; Snapshot gives other goroutines a consistent copy.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/meeh420/coinffeine/msg"
	"github.com/meeh420/coinffeine/state"
	log "github.com/sirupsen/logrus"
)

// DefaultSignatureTimeout is used when Config.SignatureTimeout is zero.
const DefaultSignatureTimeout = 30 * time.Second

// Gateway sends messages to and receives messages from other peers.
type Gateway interface {
	// Subscribe returns a channel receiving the inbound messages matching f.
	// Calling cancel stops the subscription and closes the channel.
	Subscribe(f msg.Filter) (in <-chan msg.Inbound, cancel func())
	// Send delivers m to peer to, best effort.
	Send(to string, m msg.Message) error
}

type Config struct {
	Channel *state.Channel
	Gateway Gateway

	// SignatureTimeout is how long the agent waits for the counterpart's
	// signatures for each step.
	SignatureTimeout time.Duration
	// ResendInterval is how often the messages sent for the current step are
	// sent again while waiting for the counterpart. Zero disables resending.
	ResendInterval time.Duration
	// PaymentTimeout bounds each call to the payment processor. Zero means
	// no bound.
	PaymentTimeout time.Duration

	Listeners []Listener
	Metrics   *Metrics
	Logger    *log.Entry

	// Events, when set, receives the events of the exchange. The channel
	// must be drained, the agent blocks on sending to it.
	Events chan<- Event
}

type paymentOutcome struct {
	step  int
	proof string
	err   error
}

// Agent drives one exchange for one participant.
type Agent struct {
	channel          *state.Channel
	params           state.Parameters
	role             *role
	gateway          Gateway
	signatureTimeout time.Duration
	resendInterval   time.Duration
	paymentTimeout   time.Duration
	metrics          *Metrics
	logger           *log.Entry
	events           chan<- Event

	// Fields below are only accessed by the goroutine started by Start.
	ctx       context.Context
	state     State
	timer     *time.Timer
	offer     *wire.MsgTx
	offerStep int
	outbox    []msg.Message
	proofs    map[int]string
	paid      chan paymentOutcome

	// mu guards listeners and result.
	mu        sync.Mutex
	listeners []Listener
	result    *Result

	snapshot atomic.Value
	started  atomic.Bool
	done     chan struct{}
	payments sync.WaitGroup
}

// NewAgent returns an agent for the participant whose role is given by the
// channel parameters. The agent does nothing until Start is called.
func NewAgent(c Config) (*Agent, error) {
	if c.Channel == nil {
		return nil, errors.New("creating agent: channel must be set")
	}
	if c.Gateway == nil {
		return nil, errors.New("creating agent: gateway must be set")
	}
	p := c.Channel.Parameters()
	r := roleFor(p.Role())
	timeout := c.SignatureTimeout
	if timeout <= 0 {
		timeout = DefaultSignatureTimeout
	}
	logger := c.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	logger = logger.WithFields(log.Fields{
		"exchange": p.ExchangeID(),
		"role":     r.name,
	})
	a := &Agent{
		channel:          c.Channel,
		params:           p,
		role:             r,
		gateway:          c.Gateway,
		signatureTimeout: timeout,
		resendInterval:   c.ResendInterval,
		paymentTimeout:   c.PaymentTimeout,
		metrics:          c.Metrics,
		logger:           logger,
		events:           c.Events,
		state:            State{Kind: AwaitingStep, Step: 1},
		proofs:           map[int]string{},
		paid:             make(chan paymentOutcome),
		listeners:        append([]Listener(nil), c.Listeners...),
		done:             make(chan struct{}),
	}
	a.publish()
	return a, nil
}

// Start subscribes to the counterpart's messages and starts the exchange in
// a new goroutine. Cancelling ctx ends the exchange with CauseCancelled.
func (a *Agent) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("agent already started")
	}
	in, unsubscribe := a.gateway.Subscribe(msg.Filter{
		ExchangeID: a.params.ExchangeID(),
		From:       a.params.Counterpart(),
		Types:      []msg.Type{msg.TypeStepSignatures, msg.TypePaymentProof},
	})
	a.metrics.exchangeStarted(a.role.name)
	a.logger.WithField("steps", a.params.Steps()).Info("exchange started")
	go a.run(ctx, in, unsubscribe)
	return nil
}

// Done is closed once the exchange has a result.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// Wait blocks until the exchange has a result and any payment in flight has
// completed.
func (a *Agent) Wait() Result {
	<-a.done
	a.payments.Wait()
	r, _ := a.Result()
	return r
}

// Result returns the result of the exchange, and false if it has none yet.
func (a *Agent) Result() (Result, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.result == nil {
		return Result{}, false
	}
	return *a.result, true
}

// AddListener registers l to be notified of the result. If the exchange has
// already finished l is notified immediately.
func (a *Agent) AddListener(l Listener) {
	a.mu.Lock()
	if a.result != nil {
		r := *a.result
		a.mu.Unlock()
		l.ExchangeFinished(r)
		return
	}
	a.listeners = append(a.listeners, l)
	a.mu.Unlock()
}

func (a *Agent) run(ctx context.Context, in <-chan msg.Inbound, unsubscribe func()) {
	defer close(a.done)
	defer unsubscribe()
	a.ctx = ctx

	var resendC <-chan time.Time
	if a.resendInterval > 0 {
		ticker := time.NewTicker(a.resendInterval)
		defer ticker.Stop()
		resendC = ticker.C
	}

	a.enter(a.state)
	for a.state.Kind != Done {
		var timerC <-chan time.Time
		if a.timer != nil {
			timerC = a.timer.C
		}
		select {
		case m, ok := <-in:
			if !ok {
				a.logger.Warn("subscription closed, waiting for timeout")
				in = nil
				continue
			}
			a.handle(m)
		case o := <-a.paid:
			a.handlePaymentOutcome(o)
		case <-resendC:
			a.sendOutbox()
		case <-timerC:
			a.timer = nil
			a.finish(a.failure(CauseTimeout, fmt.Errorf("no valid signatures for step %d within %v", a.state.Step, a.signatureTimeout)))
		case <-ctx.Done():
			a.finish(a.failure(CauseCancelled, ctx.Err()))
		}
	}
}

func (a *Agent) handle(in msg.Inbound) {
	logger := a.logger.WithFields(log.Fields{"type": in.Message.Type, "from": in.From})
	if in.From != a.params.Counterpart() || in.Message.ExchangeID != a.params.ExchangeID() {
		logger.Debug("ignoring message from outside the exchange")
		return
	}
	handler := a.role.handlers[a.state.Kind][in.Message.Type]
	if handler == nil {
		logger.WithField("state", a.state).Debug("ignoring message")
		return
	}
	handler(a, in)
}

// enter moves the agent to s, runs the role's entry action and arms the
// signature timer.
func (a *Agent) enter(s State) {
	a.state = s
	a.publish()
	if s.Kind == Done {
		return
	}
	a.logger.WithField("state", s).Debug("entering state")
	if a.role.enter != nil {
		a.role.enter(a)
	}
	if a.state.Kind == Done {
		return
	}
	a.startTimer()
}

func (a *Agent) next() State {
	step := a.state.Step + 1
	if step == a.channel.FinalStep() {
		return State{Kind: AwaitingFinalStep, Step: step}
	}
	return State{Kind: AwaitingStep, Step: step}
}

func (a *Agent) startTimer() {
	a.stopTimer()
	a.timer = time.NewTimer(a.signatureTimeout)
}

func (a *Agent) stopTimer() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Agent) failure(c Cause, err error) Result {
	return Result{Cause: c, Err: err}
}

// finish moves the agent to Done and delivers r to every listener. It has no
// effect once the agent is done.
func (a *Agent) finish(r Result) {
	if a.state.Kind == Done {
		return
	}
	a.stopTimer()
	r.ExchangeID = a.params.ExchangeID()
	r.Step = a.state.Step
	if a.offer != nil {
		r.Offer = a.offer.Copy()
		r.OfferStep = a.offerStep
	}

	a.mu.Lock()
	a.result = &r
	listeners := a.listeners
	a.listeners = nil
	a.mu.Unlock()

	a.enter(State{Kind: Done, Step: a.state.Step})

	logger := a.logger.WithField("step", r.Step)
	if r.Success {
		logger.Info("exchange succeeded")
	} else {
		logger.WithError(r.Err).WithField("cause", r.Cause).Warn("exchange failed")
	}
	a.metrics.exchangeFinished(a.role.name, r.Cause)
	for _, l := range listeners {
		l.ExchangeFinished(r)
	}
	a.emit(FinishedEvent{Result: r})
}

func (a *Agent) emit(e Event) {
	if a.events != nil {
		a.events <- e
	}
}

func (a *Agent) send(m msg.Message) {
	if err := a.post(m); err != nil {
		a.emit(ErrorEvent{Err: err})
	}
}

// post sends m to the counterpart and logs failures. Unlike send it never
// emits events, so it can be called after the run loop has exited.
func (a *Agent) post(m msg.Message) error {
	m.ExchangeID = a.params.ExchangeID()
	err := a.gateway.Send(a.params.Counterpart(), m)
	if err != nil {
		a.logger.WithError(err).WithField("type", m.Type).Warn("sending message")
	}
	return err
}

func (a *Agent) sendOutbox() {
	for _, m := range a.outbox {
		a.send(m)
	}
}

// handleStepSignatures validates the counterpart's signatures for the
// current step, records the signed offer and advances to the next step.
func (a *Agent) handleStepSignatures(in msg.Inbound) {
	m := in.Message.StepSignatures
	if m.Step != a.state.Step {
		a.logger.WithFields(log.Fields{"step": m.Step, "state": a.state}).Debug("ignoring signatures for another step")
		return
	}
	logger := a.logger.WithField("step", m.Step)

	var err error
	if a.state.Kind == AwaitingFinalStep {
		err = a.role.validateFinal(a.channel, m.Signatures)
	} else {
		err = a.role.validate(a.channel, m.Step, m.Signatures)
	}
	if err != nil {
		a.finish(a.failure(CauseInvalidStepSignature, err))
		return
	}
	signed, err := a.channel.SignedOffer(m.Step, m.Signatures)
	if err != nil {
		a.finish(a.failure(CauseInvalidStepSignature, &state.InvalidStepSignatureError{
			Step:       m.Step,
			Signatures: m.Signatures,
			Cause:      err,
		}))
		return
	}
	a.stopTimer()
	a.offer, a.offerStep = signed, m.Step
	a.metrics.stepCompleted(a.role.name)
	logger.Info("step completed")
	a.emit(StepCompletedEvent{Step: m.Step, Payout: a.channel.Payout(m.Step)})

	if a.state.Kind == AwaitingFinalStep {
		a.finish(Result{Success: true})
		return
	}
	if a.role.stepCompleted != nil {
		a.role.stepCompleted(a, m.Step)
	}
	a.enter(a.next())
}

// handlePaymentProof records the buyer's proof of payment for the current
// step.
func (a *Agent) handlePaymentProof(in msg.Inbound) {
	p := in.Message.PaymentProof
	if p.Step != a.state.Step {
		a.logger.WithFields(log.Fields{"step": p.Step, "state": a.state}).Debug("ignoring payment proof for another step")
		return
	}
	if _, ok := a.proofs[p.Step]; ok {
		return
	}
	a.proofs[p.Step] = p.Proof
	a.logger.WithFields(log.Fields{"step": p.Step, "proof": p.Proof}).Info("payment proof received")
	a.emit(PaymentProofReceivedEvent{Step: p.Step, Proof: p.Proof})
	a.publish()
}

// pay starts the payment of step in a new goroutine. The outcome is handed
// back to the agent's goroutine, or forwarded directly if the exchange has
// finished in the meantime.
func (a *Agent) pay(ctx context.Context, step int) {
	a.payments.Add(1)
	go func() {
		defer a.payments.Done()
		payCtx := ctx
		if a.paymentTimeout > 0 {
			var cancel context.CancelFunc
			payCtx, cancel = context.WithTimeout(ctx, a.paymentTimeout)
			defer cancel()
		}
		proof, err := a.channel.Pay(payCtx, step)
		o := paymentOutcome{step: step, proof: proof, err: err}
		select {
		case a.paid <- o:
		case <-a.done:
			if err != nil {
				a.logger.WithError(err).WithField("step", step).Warn("payment failed after the exchange finished")
				return
			}
			_ = a.post(msg.Message{
				Type:         msg.TypePaymentProof,
				PaymentProof: &msg.PaymentProof{Step: step, Proof: proof},
			})
		}
	}()
}

// handlePaymentOutcome forwards the proof of a completed payment followed by
// the buyer's signatures for the step. Failed payments are reported and
// leave the exchange unchanged.
func (a *Agent) handlePaymentOutcome(o paymentOutcome) {
	logger := a.logger.WithField("step", o.step)
	if o.err != nil {
		logger.WithError(o.err).Warn("payment failed")
		a.metrics.paymentFailed()
		a.emit(PaymentFailedEvent{Step: o.step, Err: o.err})
		return
	}
	sigs, err := a.channel.Sign(o.step)
	if err != nil {
		logger.WithError(err).Error("signing step")
		a.emit(ErrorEvent{Err: err})
		return
	}
	a.outbox = []msg.Message{
		{Type: msg.TypePaymentProof, PaymentProof: &msg.PaymentProof{Step: o.step, Proof: o.proof}},
		{Type: msg.TypeStepSignatures, StepSignatures: &msg.StepSignatures{Step: o.step, Signatures: sigs}},
	}
	a.sendOutbox()
	logger.WithField("proof", o.proof).Info("payment sent")
	a.emit(PaymentSentEvent{Step: o.step, Proof: o.proof})
}
