package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/go-cmp/cmp"
	"github.com/meeh420/coinffeine/broker"
	"github.com/meeh420/coinffeine/msg"
	"github.com/meeh420/coinffeine/state"
	"github.com/meeh420/coinffeine/state/statetest"
	"github.com/meeh420/coinffeine/txbuild"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingProcessor struct {
	mu       sync.Mutex
	requests []state.PaymentRequest
	fail     bool
}

func (p *recordingProcessor) Pay(_ context.Context, r state.PaymentRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, r)
	if p.fail {
		return "", errors.New("insufficient funds")
	}
	return fmt.Sprintf("proof-%d", r.Step), nil
}

func (p *recordingProcessor) Requests() []state.PaymentRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]state.PaymentRequest(nil), p.requests...)
}

func connect(t testing.TB, e statetest.Exchange) (buyer, seller *broker.Gateway) {
	t.Helper()
	hub := broker.NewHub(broker.HubConfig{})
	buyer, err := hub.Connect(broker.GatewayConfig{Key: e.BuyerPeer})
	require.NoError(t, err)
	seller, err = hub.Connect(broker.GatewayConfig{Key: e.SellerPeer})
	require.NoError(t, err)
	t.Cleanup(func() {
		buyer.Close()
		seller.Close()
	})
	return buyer, seller
}

func receive(t *testing.T, ch <-chan msg.Inbound) msg.Message {
	t.Helper()
	select {
	case in, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return in.Message
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return msg.Message{}
}

func assertNothing(t *testing.T, ch <-chan msg.Inbound) {
	t.Helper()
	select {
	case in := <-ch:
		t.Fatalf("unexpected message %v", in.Message.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func wait(t testing.TB, a *Agent) Result {
	t.Helper()
	select {
	case <-a.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for exchange result")
	}
	return a.Wait()
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func stepSignatures(step int, sigs state.StepSignatures) msg.Message {
	return msg.Message{
		Type:           msg.TypeStepSignatures,
		ExchangeID:     statetest.ExchangeID,
		StepSignatures: &msg.StepSignatures{Step: step, Signatures: sigs},
	}
}

func paymentProof(step int, proof string) msg.Message {
	return msg.Message{
		Type:         msg.TypePaymentProof,
		ExchangeID:   statetest.ExchangeID,
		PaymentProof: &msg.PaymentProof{Step: step, Proof: proof},
	}
}

func TestAgent_exchangeSucceeds(t *testing.T) {
	e := statetest.NewExchange(t, 5, 100)
	processor := &recordingProcessor{}
	buyerChannel, sellerChannel := e.Channels(t, processor)
	buyerGateway, sellerGateway := connect(t, e)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	var results []Result
	var mu sync.Mutex
	listener := ListenerFunc(func(r Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	})

	buyer, err := NewAgent(Config{Channel: buyerChannel, Gateway: buyerGateway, Metrics: metrics, Listeners: []Listener{listener}})
	require.NoError(t, err)
	seller, err := NewAgent(Config{Channel: sellerChannel, Gateway: sellerGateway, Metrics: metrics, Listeners: []Listener{listener}})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, buyer.Start(ctx))
	require.NoError(t, seller.Start(ctx))
	assert.Error(t, buyer.Start(ctx))

	buyerResult := wait(t, buyer)
	sellerResult := wait(t, seller)

	assert.True(t, buyerResult.Success, "%v", buyerResult)
	assert.Equal(t, CauseNone, buyerResult.Cause)
	assert.Equal(t, 6, buyerResult.Step)
	require.NotNil(t, buyerResult.Offer)
	toBuyer, err := txbuild.AmountTo(buyerResult.Offer, e.Buyer.BuyerAddress())
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(100)+e.Buyer.BuyerDeposit(), toBuyer)
	toSeller, err := txbuild.AmountTo(buyerResult.Offer, e.Buyer.SellerAddress())
	require.NoError(t, err)
	assert.Equal(t, e.Buyer.SellerDeposit()-100, toSeller)

	assert.True(t, sellerResult.Success, "%v", sellerResult)
	assert.Equal(t, 6, sellerResult.Step)
	toBuyer, err = txbuild.AmountTo(sellerResult.Offer, e.Seller.BuyerAddress())
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(100), toBuyer)

	requests := processor.Requests()
	require.Len(t, requests, 5)
	for i, r := range requests {
		assert.Equal(t, i+1, r.Step)
		assert.True(t, r.Amount.Equal(decimal.NewFromInt(100)), "amount %s", r.Amount)
		assert.Equal(t, "EUR", r.Currency)
		assert.Equal(t, "ES0000000000000000000002", r.Payee)
	}

	s := seller.Snapshot()
	want := map[int]string{1: "proof-1", 2: "proof-2", 3: "proof-3", 4: "proof-4", 5: "proof-5"}
	if diff := cmp.Diff(want, s.PaymentProofs); diff != "" {
		t.Errorf("payment proofs (-want +got):\n%s", diff)
	}
	assert.Equal(t, State{Kind: Done, Step: 6}, s.State)
	assert.Equal(t, 5, s.LastSignedStep)
	require.NotNil(t, s.Result)
	assert.True(t, s.Result.Success)

	b := buyer.Snapshot()
	assert.Equal(t, 6, b.LastSignedStep)
	assert.Equal(t, btcutil.Amount(100), b.Payout)

	mu.Lock()
	assert.Len(t, results, 2)
	mu.Unlock()
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.results.WithLabelValues("buyer", "none")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.results.WithLabelValues("seller", "none")))
	assert.Equal(t, float64(6), testutil.ToFloat64(metrics.stepsCompleted.WithLabelValues("buyer")))
	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.stepsCompleted.WithLabelValues("seller")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.running.WithLabelValues("buyer")))

	late := make(chan Result, 1)
	buyer.AddListener(ListenerFunc(func(r Result) { late <- r }))
	assert.True(t, (<-late).Success)
}

func TestAgent_buyerIgnoresOtherSteps(t *testing.T) {
	e := statetest.NewExchange(t, 5, 100)
	buyerChannel, sellerChannel := e.Channels(t, &recordingProcessor{})
	buyerGateway, sellerGateway := connect(t, e)
	in, cancel := sellerGateway.Subscribe(msg.Filter{From: e.BuyerPeer.Address()})
	defer cancel()

	buyer, err := NewAgent(Config{Channel: buyerChannel, Gateway: buyerGateway})
	require.NoError(t, err)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	require.NoError(t, buyer.Start(ctx))

	sigs2, err := sellerChannel.Sign(2)
	require.NoError(t, err)
	require.NoError(t, sellerGateway.Send(e.BuyerPeer.Address(), stepSignatures(2, sigs2)))
	other := stepSignatures(1, sigs2)
	other.ExchangeID = "another-exchange"
	require.NoError(t, sellerGateway.Send(e.BuyerPeer.Address(), other))
	assertNothing(t, in)
	assert.Equal(t, State{Kind: AwaitingStep, Step: 1}, buyer.Snapshot().State)

	sigs1, err := sellerChannel.Sign(1)
	require.NoError(t, err)
	require.NoError(t, sellerGateway.Send(e.BuyerPeer.Address(), stepSignatures(1, sigs1)))

	m := receive(t, in)
	require.Equal(t, msg.TypePaymentProof, m.Type)
	assert.Equal(t, &msg.PaymentProof{Step: 1, Proof: "proof-1"}, m.PaymentProof)
	m = receive(t, in)
	require.Equal(t, msg.TypeStepSignatures, m.Type)
	assert.Equal(t, 1, m.StepSignatures.Step)
	assert.NoError(t, sellerChannel.ValidateBuyersSignature(1, m.StepSignatures.Signatures))

	// A duplicate of the step's signatures is not paid again.
	require.NoError(t, sellerGateway.Send(e.BuyerPeer.Address(), stepSignatures(1, sigs1)))
	assertNothing(t, in)
	assert.Equal(t, State{Kind: AwaitingStep, Step: 2}, buyer.Snapshot().State)
}

func TestAgent_timeout(t *testing.T) {
	e := statetest.NewExchange(t, 5, 100)
	buyerChannel, sellerChannel := e.Channels(t, &recordingProcessor{})
	buyerGateway, sellerGateway := connect(t, e)

	var mu sync.Mutex
	var results []Result
	buyer, err := NewAgent(Config{
		Channel:          buyerChannel,
		Gateway:          buyerGateway,
		SignatureTimeout: 50 * time.Millisecond,
		Listeners: []Listener{ListenerFunc(func(r Result) {
			mu.Lock()
			defer mu.Unlock()
			results = append(results, r)
		})},
	})
	require.NoError(t, err)
	require.NoError(t, buyer.Start(context.Background()))

	r := wait(t, buyer)
	assert.False(t, r.Success)
	assert.Equal(t, CauseTimeout, r.Cause)
	assert.Equal(t, 1, r.Step)
	assert.Nil(t, r.Offer)

	sigs, err := sellerChannel.Sign(1)
	require.NoError(t, err)
	require.NoError(t, sellerGateway.Send(e.BuyerPeer.Address(), stepSignatures(1, sigs)))
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, results, 1)
	assert.Equal(t, State{Kind: Done, Step: 1}, buyer.Snapshot().State)
	assert.Equal(t, 0, buyer.Snapshot().LastSignedStep)
}

func TestAgent_invalidSignaturesKeepLastOffer(t *testing.T) {
	e := statetest.NewExchange(t, 5, 100)
	buyerChannel, sellerChannel := e.Channels(t, &recordingProcessor{})
	buyerGateway, sellerGateway := connect(t, e)
	in, cancel := sellerGateway.Subscribe(msg.Filter{From: e.BuyerPeer.Address(), Types: []msg.Type{msg.TypeStepSignatures}})
	defer cancel()

	buyer, err := NewAgent(Config{Channel: buyerChannel, Gateway: buyerGateway})
	require.NoError(t, err)
	require.NoError(t, buyer.Start(context.Background()))

	for step := 1; step <= 2; step++ {
		sigs, err := sellerChannel.Sign(step)
		require.NoError(t, err)
		require.NoError(t, sellerGateway.Send(e.BuyerPeer.Address(), stepSignatures(step, sigs)))
		m := receive(t, in)
		require.Equal(t, step, m.StepSignatures.Step)
	}

	// Signatures over the offer of step 2 are not valid for step 3.
	sigs, err := sellerChannel.Sign(2)
	require.NoError(t, err)
	require.NoError(t, sellerGateway.Send(e.BuyerPeer.Address(), stepSignatures(3, sigs)))

	r := wait(t, buyer)
	assert.False(t, r.Success)
	assert.Equal(t, CauseInvalidStepSignature, r.Cause)
	assert.Equal(t, 3, r.Step)
	var sigErr *state.InvalidStepSignatureError
	require.ErrorAs(t, r.Err, &sigErr)
	assert.Equal(t, 3, sigErr.Step)

	require.NotNil(t, r.Offer)
	toBuyer, err := txbuild.AmountTo(r.Offer, e.Buyer.BuyerAddress())
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(40), toBuyer)
	assert.Equal(t, 2, r.OfferStep)
	assertNothing(t, in)
}

type unreachableGateway struct {
	in chan msg.Inbound
}

func (g *unreachableGateway) Subscribe(msg.Filter) (<-chan msg.Inbound, func()) {
	return g.in, func() {}
}

func (g *unreachableGateway) Send(string, msg.Message) error {
	return errors.New("connection lost")
}

func TestAgent_lateProofDoesNotBlockWait(t *testing.T) {
	e := statetest.NewExchange(t, 3, 300)
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	processor := state.PaymentProcessorFunc(func(context.Context, state.PaymentRequest) (string, error) {
		started <- struct{}{}
		<-release
		return "late", nil
	})
	buyerChannel, sellerChannel := e.Channels(t, processor)
	gateway := &unreachableGateway{in: make(chan msg.Inbound, 1)}

	// Events are drained only until the result is delivered.
	events := make(chan Event)
	finished := make(chan Result, 1)
	go func() {
		for ev := range events {
			if f, ok := ev.(FinishedEvent); ok {
				finished <- f.Result
				return
			}
		}
	}()

	buyer, err := NewAgent(Config{Channel: buyerChannel, Gateway: gateway, Events: events})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, buyer.Start(ctx))

	sigs, err := sellerChannel.Sign(1)
	require.NoError(t, err)
	gateway.in <- msg.Inbound{From: e.SellerPeer.Address(), Message: stepSignatures(1, sigs)}
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for payment")
	}

	cancel()
	var r Result
	select {
	case r = <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
	}
	assert.Equal(t, CauseCancelled, r.Cause)
	assert.Equal(t, 2, r.Step)
	assert.Equal(t, 1, r.OfferStep)

	close(release)
	waited := make(chan struct{})
	go func() {
		buyer.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatal("Wait blocked on a payment completing after the result")
	}
}

func TestAgent_sellerMirrorsBuyer(t *testing.T) {
	e := statetest.NewExchange(t, 3, 90)
	buyerChannel, sellerChannel := e.Channels(t, nil)
	buyerGateway, sellerGateway := connect(t, e)
	in, cancel := buyerGateway.Subscribe(msg.Filter{From: e.SellerPeer.Address()})
	defer cancel()

	events := make(chan Event, 32)
	seller, err := NewAgent(Config{Channel: sellerChannel, Gateway: sellerGateway, Events: events})
	require.NoError(t, err)
	require.NoError(t, seller.Start(context.Background()))

	for step := 1; step <= 3; step++ {
		m := receive(t, in)
		require.Equal(t, msg.TypeStepSignatures, m.Type)
		require.Equal(t, step, m.StepSignatures.Step)
		require.NoError(t, buyerChannel.ValidateSellersSignature(step, m.StepSignatures.Signatures))

		proof := fmt.Sprintf("transfer-%d", step)
		require.NoError(t, buyerGateway.Send(e.SellerPeer.Address(), paymentProof(step, proof)))
		assert.Equal(t, PaymentProofReceivedEvent{Step: step, Proof: proof}, nextEvent(t, events))

		sigs, err := buyerChannel.Sign(step)
		require.NoError(t, err)
		require.NoError(t, buyerGateway.Send(e.SellerPeer.Address(), stepSignatures(step, sigs)))
		assert.Equal(t, StepCompletedEvent{Step: step, Payout: btcutil.Amount(30 * step)}, nextEvent(t, events))
	}

	m := receive(t, in)
	require.Equal(t, msg.TypeStepSignatures, m.Type)
	require.Equal(t, 4, m.StepSignatures.Step)
	require.NoError(t, buyerChannel.ValidateSellersFinalSignature(m.StepSignatures.Signatures))

	r := wait(t, seller)
	assert.True(t, r.Success)
	finished, ok := nextEvent(t, events).(FinishedEvent)
	require.True(t, ok)
	assert.True(t, finished.Result.Success)

	toBuyer, err := txbuild.AmountTo(r.Offer, e.Seller.BuyerAddress())
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(90), toBuyer)
}

func TestAgent_paymentFailureLeavesStateUnchanged(t *testing.T) {
	e := statetest.NewExchange(t, 5, 100)
	processor := &recordingProcessor{fail: true}
	buyerChannel, sellerChannel := e.Channels(t, processor)
	buyerGateway, sellerGateway := connect(t, e)
	in, cancel := sellerGateway.Subscribe(msg.Filter{From: e.BuyerPeer.Address()})
	defer cancel()

	metrics := NewMetrics(nil)
	events := make(chan Event, 32)
	buyer, err := NewAgent(Config{Channel: buyerChannel, Gateway: buyerGateway, Events: events, Metrics: metrics})
	require.NoError(t, err)
	ctx, stop := context.WithCancel(context.Background())
	require.NoError(t, buyer.Start(ctx))

	sigs, err := sellerChannel.Sign(1)
	require.NoError(t, err)
	require.NoError(t, sellerGateway.Send(e.BuyerPeer.Address(), stepSignatures(1, sigs)))

	assert.Equal(t, StepCompletedEvent{Step: 1, Payout: 20}, nextEvent(t, events))
	failed, ok := nextEvent(t, events).(PaymentFailedEvent)
	require.True(t, ok)
	assert.Equal(t, 1, failed.Step)
	assert.ErrorIs(t, failed.Err, state.ErrPaymentFailed)

	assertNothing(t, in)
	s := buyer.Snapshot()
	assert.Equal(t, State{Kind: AwaitingStep, Step: 2}, s.State)
	assert.Nil(t, s.Result)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.paymentFailures))

	stop()
	r := wait(t, buyer)
	assert.Equal(t, CauseCancelled, r.Cause)
	assert.ErrorIs(t, r.Err, context.Canceled)
	assert.Equal(t, 2, r.Step)
	assert.Len(t, processor.Requests(), 1)
}

func TestAgent_resendsUntilAnswered(t *testing.T) {
	e := statetest.NewExchange(t, 2, 10)
	buyerChannel, sellerChannel := e.Channels(t, nil)
	buyerGateway, sellerGateway := connect(t, e)

	seller, err := NewAgent(Config{Channel: sellerChannel, Gateway: sellerGateway, ResendInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	require.NoError(t, seller.Start(ctx))

	// The buyer subscribes after the seller sent its first signatures.
	time.Sleep(30 * time.Millisecond)
	in, cancel := buyerGateway.Subscribe(msg.Filter{From: e.SellerPeer.Address()})
	defer cancel()
	m := receive(t, in)
	require.Equal(t, msg.TypeStepSignatures, m.Type)
	assert.Equal(t, 1, m.StepSignatures.Step)
	assert.NoError(t, buyerChannel.ValidateSellersSignature(1, m.StepSignatures.Signatures))
}

func TestNewAgent_invalidConfig(t *testing.T) {
	e := statetest.NewExchange(t, 2, 10)
	buyerChannel, _ := e.Channels(t, nil)
	buyerGateway, _ := connect(t, e)

	_, err := NewAgent(Config{Gateway: buyerGateway})
	assert.EqualError(t, err, "creating agent: channel must be set")
	_, err = NewAgent(Config{Channel: buyerChannel})
	assert.EqualError(t, err, "creating agent: gateway must be set")

	a, err := NewAgent(Config{Channel: buyerChannel, Gateway: buyerGateway})
	require.NoError(t, err)
	_, ok := a.Result()
	assert.False(t, ok)
	assert.Equal(t, Snapshot{
		ExchangeID:    statetest.ExchangeID,
		Role:          "buyer",
		Steps:         2,
		State:         State{Kind: AwaitingStep, Step: 1},
		PaymentProofs: map[int]string{},
	}, a.Snapshot())
}

func BenchmarkExchange(b *testing.B) {
	for i := 0; i < b.N; i++ {
		b.StopTimer()
		e := statetest.NewExchange(b, 10, 10_000)
		buyerChannel, sellerChannel := e.Channels(b, &recordingProcessor{})
		buyerGateway, sellerGateway := connect(b, e)
		buyer, err := NewAgent(Config{Channel: buyerChannel, Gateway: buyerGateway})
		require.NoError(b, err)
		seller, err := NewAgent(Config{Channel: sellerChannel, Gateway: sellerGateway})
		require.NoError(b, err)
		b.StartTimer()

		require.NoError(b, buyer.Start(context.Background()))
		require.NoError(b, seller.Start(context.Background()))
		if r := wait(b, buyer); !r.Success {
			b.Fatal(r)
		}
		wait(b, seller)
	}
}
