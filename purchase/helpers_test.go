package purchase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/furkansenharputlu/f-license-validator/channel"
	"github.com/furkansenharputlu/f-license-validator/lcs"
)

type fakeGateway struct {
	purchase lcs.ApiOutcome[lcs.PurchaseResponse]
	verify   lcs.ApiOutcome[lcs.VerificationResult]

	calls    int32
	accounts []lcs.AccountContext
	mu       sync.Mutex
}

func (g *fakeGateway) Purchase(_ context.Context, account lcs.AccountContext, _ string) lcs.ApiOutcome[lcs.PurchaseResponse] {
	g.record(account)
	return g.purchase
}

func (g *fakeGateway) Verify(_ context.Context, account lcs.AccountContext, _ string) lcs.ApiOutcome[lcs.VerificationResult] {
	g.record(account)
	return g.verify
}

func (g *fakeGateway) record(account lcs.AccountContext) {
	atomic.AddInt32(&g.calls, 1)
	g.mu.Lock()
	g.accounts = append(g.accounts, account)
	g.mu.Unlock()
}

type fakeChannel struct {
	connectErr error
	connected  chan *fakeHandle
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{connected: make(chan *fakeHandle, 8)}
}

func (c *fakeChannel) Connect(_ context.Context, key lcs.SessionKey) (channel.Handle, error) {
	if c.connectErr != nil {
		return nil, c.connectErr
	}

	h := &fakeHandle{key: key, ready: make(chan struct{})}
	c.connected <- h
	return h, nil
}

func (c *fakeChannel) handle(t *testing.T) *fakeHandle {
	select {
	case h := <-c.connected:
		<-h.ready
		return h
	case <-time.After(5 * time.Second):
		t.Fatal("channel was never connected")
		return nil
	}
}

type fakeHandle struct {
	key    lcs.SessionKey
	ready  chan struct{}
	closes int32

	mu sync.Mutex
	cb func(channel.Event)
}

func (h *fakeHandle) OnEvent(cb func(channel.Event)) {
	h.mu.Lock()
	h.cb = cb
	h.mu.Unlock()
	close(h.ready)
}

func (h *fakeHandle) Close() error {
	atomic.AddInt32(&h.closes, 1)
	return nil
}

// emit delivers ev unless the handle was closed.
func (h *fakeHandle) emit(ev channel.Event) {
	if atomic.LoadInt32(&h.closes) > 0 {
		return
	}
	h.callback()(ev)
}

func (h *fakeHandle) callback() func(channel.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cb
}

func (h *fakeHandle) closed() int32 {
	return atomic.LoadInt32(&h.closes)
}

type testEnv struct {
	gateway *fakeGateway
	channel *fakeChannel
	signer  *lcs.Signer
	hook    *test.Hook
	orch    *Orchestrator
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	publicPEM, privatePEM := lcs.SampleKeyPair()

	signer, err := lcs.NewSigner("RS256", privatePEM)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	log := logrus.NewEntry(logger)

	verifier, err := lcs.NewVerifier("RS256", publicPEM, log)
	require.NoError(t, err)

	env := &testEnv{
		gateway: &fakeGateway{},
		channel: newFakeChannel(),
		signer:  signer,
		hook:    hook,
	}

	opts = append([]Option{WithLogger(log)}, opts...)
	env.orch = New(env.gateway, verifier, env.channel, opts...)

	return env
}

// signedPurchase returns a gateway success carrying body and its signature.
func (e *testEnv) signedPurchase(t *testing.T, body string) lcs.ApiOutcome[lcs.PurchaseResponse] {
	payload, err := lcs.DecodePurchaseResponse([]byte(body))
	require.NoError(t, err)

	signature, err := e.signer.Sign([]byte(body))
	require.NoError(t, err)

	return lcs.Success(payload, map[string]string{"Signature": signature})
}

func (e *testEnv) signedVerification(t *testing.T, body string) lcs.ApiOutcome[lcs.VerificationResult] {
	payload, err := lcs.DecodeVerificationResult([]byte(body))
	require.NoError(t, err)

	signature, err := e.signer.Sign([]byte(body))
	require.NoError(t, err)

	return lcs.Success(payload, map[string]string{"signature": signature})
}

// purchaseAsync starts a purchase and returns where its outcome arrives.
func (e *testEnv) purchaseAsync(ctx context.Context, licenseID string) <-chan lcs.OperationOutcome {
	out := make(chan lcs.OperationOutcome, 1)
	go func() {
		out <- e.orch.Purchase(ctx, lcs.SampleAccount(), licenseID)
	}()
	return out
}

func outcome(t *testing.T, ch <-chan lcs.OperationOutcome) lcs.OperationOutcome {
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("operation did not resolve")
		return lcs.OperationOutcome{}
	}
}

const pendingBody = `{"payment_id":"p-1","code":"PAY-123","license_name":"pro-license","amount":"100.00","currency":"CUP"}`
