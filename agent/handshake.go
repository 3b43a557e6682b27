package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/meeh420/coinffeine/msg"
	"github.com/meeh420/coinffeine/state"
	"github.com/meeh420/coinffeine/txbuild"
	log "github.com/sirupsen/logrus"
)

// DefaultHandshakeTimeout is used when HandshakeConfig.Timeout is zero.
const DefaultHandshakeTimeout = 2 * time.Minute

type HandshakeConfig struct {
	Parameters state.Parameters
	// DepositTx is the participant's deposit transaction. It is only sent to
	// the counterpart once the refund is signed.
	DepositTx *wire.MsgTx
	Gateway   Gateway
	// Processor is given to the channel. Only the buyer pays.
	Processor state.PaymentProcessor

	Timeout time.Duration
	// ResendInterval is how often unanswered messages are sent again. Zero
	// disables resending.
	ResendInterval time.Duration

	// Listeners are notified if the handshake fails.
	Listeners []Listener
	Logger    *log.Entry
}

// HandshakeResult is what a completed handshake hands to the agent.
type HandshakeResult struct {
	Handshake            state.Handshake
	Channel              *state.Channel
	CounterpartDepositTx *wire.MsgTx
}

type handshakeRun struct {
	c      HandshakeConfig
	p      state.Parameters
	logger *log.Entry

	h                  state.Handshake
	signedCounterpart  *wire.OutPoint
	counterpartDeposit *wire.MsgTx
	commitmentSent     bool
}

// RunHandshake exchanges refund signatures and deposit commitments with the
// counterpart. The participant's refund must carry a valid counterpart
// signature before its deposit is sent; an invalid signature ends the
// handshake with CauseInvalidRefundSignature. On failure the listeners are
// notified and the error returned.
func RunHandshake(ctx context.Context, c HandshakeConfig) (HandshakeResult, error) {
	p := c.Parameters
	logger := c.Logger
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	r := &handshakeRun{
		c: c,
		p: p,
		logger: logger.WithFields(log.Fields{
			"exchange": p.ExchangeID(),
			"role":     p.Role().String(),
		}),
	}
	h, err := state.NewHandshake(p, c.DepositTx)
	if err != nil {
		return HandshakeResult{}, err
	}
	r.h = h

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var resendC <-chan time.Time
	if c.ResendInterval > 0 {
		ticker := time.NewTicker(c.ResendInterval)
		defer ticker.Stop()
		resendC = ticker.C
	}

	in, unsubscribe := c.Gateway.Subscribe(msg.Filter{
		ExchangeID: p.ExchangeID(),
		From:       p.Counterpart(),
		Types: []msg.Type{
			msg.TypeRefundSignatureRequest,
			msg.TypeRefundSignatureResponse,
			msg.TypeExchangeCommitment,
		},
	})
	defer unsubscribe()

	r.logger.Info("handshake started")
	r.requestRefundSignature()
	for !r.complete() {
		select {
		case m, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if err := r.handle(m); err != nil {
				var refundErr *state.InvalidRefundSignatureError
				if errors.As(err, &refundErr) {
					return HandshakeResult{}, r.fail(CauseInvalidRefundSignature, err)
				}
				r.logger.WithError(err).WithField("type", m.Message.Type).Warn("handling handshake message")
			}
		case <-resendC:
			r.resend()
		case <-timer.C:
			return HandshakeResult{}, r.fail(CauseTimeout, fmt.Errorf("handshake not completed within %v", timeout))
		case <-ctx.Done():
			return HandshakeResult{}, r.fail(CauseCancelled, ctx.Err())
		}
	}

	ch, err := r.h.StartExchange(r.counterpartDeposit, c.Processor)
	if err != nil {
		return HandshakeResult{}, r.fail(CauseCancelled, err)
	}
	r.logger.Info("handshake completed")
	return HandshakeResult{
		Handshake:            r.h,
		Channel:              ch,
		CounterpartDepositTx: r.counterpartDeposit.Copy(),
	}, nil
}

func (r *handshakeRun) complete() bool {
	return r.h.IsRefundSigned() && r.counterpartDeposit != nil
}

func (r *handshakeRun) fail(cause Cause, err error) error {
	res := Result{ExchangeID: r.p.ExchangeID(), Cause: cause, Err: err}
	r.logger.WithError(err).WithField("cause", cause).Warn("handshake failed")
	for _, l := range r.c.Listeners {
		l.ExchangeFinished(res)
	}
	return err
}

func (r *handshakeRun) send(m msg.Message) {
	m.ExchangeID = r.p.ExchangeID()
	if err := r.c.Gateway.Send(r.p.Counterpart(), m); err != nil {
		r.logger.WithError(err).WithField("type", m.Type).Warn("sending message")
	}
}

func (r *handshakeRun) requestRefundSignature() {
	refund, err := txbuild.Serialize(r.h.Refund())
	if err != nil {
		r.logger.WithError(err).Error("serializing refund")
		return
	}
	r.send(msg.Message{
		Type:                   msg.TypeRefundSignatureRequest,
		RefundSignatureRequest: &msg.RefundSignatureRequest{Refund: refund},
	})
}

func (r *handshakeRun) sendCommitment() {
	deposit, err := txbuild.Serialize(r.h.DepositTx())
	if err != nil {
		r.logger.WithError(err).Error("serializing deposit")
		return
	}
	r.send(msg.Message{
		Type:               msg.TypeExchangeCommitment,
		ExchangeCommitment: &msg.ExchangeCommitment{Deposit: deposit},
	})
	r.commitmentSent = true
}

func (r *handshakeRun) resend() {
	if !r.h.IsRefundSigned() {
		r.requestRefundSignature()
	}
	if r.commitmentSent && r.counterpartDeposit == nil {
		r.sendCommitment()
	}
}

func (r *handshakeRun) handle(in msg.Inbound) error {
	switch in.Message.Type {
	case msg.TypeRefundSignatureRequest:
		refund, err := txbuild.Deserialize(in.Message.RefundSignatureRequest.Refund)
		if err != nil {
			return err
		}
		sig, err := r.h.SignCounterpartRefund(refund)
		if err != nil {
			return err
		}
		op := refund.TxIn[0].PreviousOutPoint
		r.signedCounterpart = &op
		r.send(msg.Message{
			Type:                    msg.TypeRefundSignatureResponse,
			RefundSignatureResponse: &msg.RefundSignatureResponse{Signature: sig},
		})
		r.logger.Debug("counterpart refund signed")

	case msg.TypeRefundSignatureResponse:
		if r.h.IsRefundSigned() {
			return nil
		}
		h, err := r.h.AttachCounterpartRefundSignature(in.Message.RefundSignatureResponse.Signature)
		if err != nil {
			return err
		}
		r.h = h
		r.logger.Info("refund signed by counterpart")
		r.sendCommitment()

	case msg.TypeExchangeCommitment:
		if r.counterpartDeposit != nil {
			return nil
		}
		if r.signedCounterpart == nil {
			return errors.New("commitment received before signing the counterpart refund")
		}
		deposit, err := txbuild.Deserialize(in.Message.ExchangeCommitment.Deposit)
		if err != nil {
			return err
		}
		if hash := deposit.TxHash(); !hash.IsEqual(&r.signedCounterpart.Hash) {
			return fmt.Errorf("committed deposit %v is not the one refunded by %v", hash, r.signedCounterpart)
		}
		if _, err := txbuild.FindOutput(deposit, r.p.DepositPkScript(), r.p.RemoteDeposit()); err != nil {
			return err
		}
		r.counterpartDeposit = deposit
		r.logger.WithField("deposit", deposit.TxHash().String()).Info("counterpart deposit committed")
	}
	return nil
}
