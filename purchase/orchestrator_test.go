package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/furkansenharputlu/f-license-validator/channel"
	"github.com/furkansenharputlu/f-license-validator/lcs"
)

func code(c int) *int {
	return &c
}

func TestOrchestrator_Purchase(t *testing.T) {
	account := lcs.SampleAccount()

	t.Run("Blank license ID", func(t *testing.T) {
		env := newTestEnv(t)

		for _, id := range []string{"", "   ", "\t\n"} {
			out := env.orch.Purchase(context.Background(), account, id)
			assert.Equal(t, lcs.InvalidArgument, out.Kind)
			assert.Equal(t, lcs.TestUsername, out.Username)
			assert.NotEmpty(t, out.Error)
		}
		assert.Equal(t, int32(0), env.gateway.calls)
	})

	t.Run("Transport exception", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = lcs.TransportException[lcs.PurchaseResponse](errors.New("connection refused"))

		out := env.orch.Purchase(context.Background(), account, lcs.TestLicenseID)
		assert.Equal(t, lcs.PurchaseException, out.Kind)
		assert.Contains(t, out.Error, "connection refused")
		assert.False(t, out.Success)
		assert.Equal(t, lcs.TestUsername, out.Username)
	})

	t.Run("Business error", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = lcs.BusinessError[lcs.PurchaseResponse](code(http.StatusForbidden), "expired token")

		out := env.orch.Purchase(context.Background(), account, lcs.TestLicenseID)

		data, err := json.Marshal(out)
		require.NoError(t, err)
		assert.JSONEq(t, `{"success":false,"paid":false,"error":"expired token","kind":"PURCHASE_FAILED","status_code":403,"username":"furkan"}`, string(data))
	})

	t.Run("Business error without code", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = lcs.BusinessError[lcs.PurchaseResponse](nil, "")

		out := env.orch.Purchase(context.Background(), account, lcs.TestLicenseID)
		assert.Equal(t, lcs.PurchaseFailed, out.Kind)
		assert.Nil(t, out.StatusCode)
		assert.NotEmpty(t, out.Error)
	})

	t.Run("Direct license", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = env.signedPurchase(t, `{"license":"L1"}`)

		out := env.orch.Purchase(context.Background(), account, lcs.TestLicenseID)

		data, err := json.Marshal(out)
		require.NoError(t, err)
		assert.JSONEq(t, `{"success":true,"paid":true,"license":"L1","username":"furkan"}`, string(data))
		assert.Len(t, env.channel.connected, 0)
	})

	t.Run("Missing signature", func(t *testing.T) {
		env := newTestEnv(t)
		payload, _ := lcs.DecodePurchaseResponse([]byte(`{"license":"L1"}`))
		env.gateway.purchase = lcs.Success(payload, nil)

		out := env.orch.Purchase(context.Background(), account, lcs.TestLicenseID)
		assert.Equal(t, lcs.InvalidSignature, out.Kind)
		assert.Empty(t, out.License)
		assert.Equal(t, "No signature header in response", env.hook.LastEntry().Message)
	})

	t.Run("Invalid signature on payment code", func(t *testing.T) {
		env := newTestEnv(t)
		signed := env.signedPurchase(t, pendingBody)
		tampered, _ := lcs.DecodePurchaseResponse([]byte(`{"payment_id":"p-2","code":"OTHER"}`))
		env.gateway.purchase = lcs.Success(tampered, signed.Headers())

		out := env.orch.Purchase(context.Background(), account, lcs.TestLicenseID)
		assert.Equal(t, lcs.InvalidSignature, out.Kind)
		assert.Len(t, env.channel.connected, 0)
	})

	t.Run("Unknown outcome kind", func(t *testing.T) {
		env := newTestEnv(t)
		assert.Panics(t, func() {
			env.orch.Purchase(context.Background(), account, lcs.TestLicenseID)
		})
	})
}

func TestOrchestrator_Confirmation(t *testing.T) {
	t.Run("Paid", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		result := env.purchaseAsync(context.Background(), lcs.TestLicenseID)
		h := env.channel.handle(t)
		assert.Equal(t, lcs.SessionKey{Code: lcs.TestSessionCode, DeviceID: lcs.TestDeviceID}, h.key)

		h.emit(channel.Event{Type: channel.Connected})
		h.emit(channel.Event{Type: channel.PaymentResolved, Payment: channel.Payment{
			PaymentID: "p-1",
			Status:    channel.StatusPaid,
			License:   "pro-license",
		}})

		out := outcome(t, result)
		data, err := json.Marshal(out)
		require.NoError(t, err)
		assert.JSONEq(t, `{"success":true,"paid":true,"license":"pro-license","username":"furkan"}`, string(data))
		assert.Equal(t, int32(1), h.closed())
	})

	t.Run("Rejected", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		result := env.purchaseAsync(context.Background(), lcs.TestLicenseID)
		h := env.channel.handle(t)
		h.emit(channel.Event{Type: channel.PaymentResolved, Payment: channel.Payment{Status: channel.StatusRejected, Reason: "insufficient funds"}})

		out := outcome(t, result)
		assert.Equal(t, lcs.PurchaseFailed, out.Kind)
		assert.Equal(t, "insufficient funds", out.Error)
		assert.False(t, out.Paid)
		assert.Equal(t, lcs.TestUsername, out.Username)
	})

	t.Run("User cancelled", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		result := env.purchaseAsync(context.Background(), lcs.TestLicenseID)
		env.channel.handle(t).emit(channel.Event{Type: channel.PaymentResolved, Payment: channel.Payment{Status: channel.StatusCancelled}})

		out := outcome(t, result)
		assert.Equal(t, lcs.Cancelled, out.Kind)
		assert.False(t, out.Success)
		assert.False(t, out.Paid)
		assert.NotEmpty(t, out.Error)
	})

	t.Run("Channel failed", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		result := env.purchaseAsync(context.Background(), lcs.TestLicenseID)
		h := env.channel.handle(t)
		h.emit(channel.Event{Type: channel.Connected})
		h.emit(channel.Event{Type: channel.Failed, Reason: "network drop"})

		out := outcome(t, result)
		assert.Equal(t, lcs.ChannelError, out.Kind)
		assert.Contains(t, out.Error, "network drop")
		assert.False(t, out.Paid)
		assert.Equal(t, lcs.TestUsername, out.Username)
		assert.Equal(t, int32(1), h.closed())
	})

	t.Run("Disconnect is not terminal", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		result := env.purchaseAsync(context.Background(), lcs.TestLicenseID)
		h := env.channel.handle(t)
		h.emit(channel.Event{Type: channel.Connected})
		h.emit(channel.Event{Type: channel.Disconnected, Reason: "EOF"})
		h.emit(channel.Event{Type: channel.Connected})

		select {
		case <-result:
			t.Fatal("resolved on disconnect")
		case <-time.After(50 * time.Millisecond):
		}

		h.emit(channel.Event{Type: channel.PaymentResolved, Payment: channel.Payment{Status: channel.StatusPaid, License: "L1"}})
		assert.Equal(t, "L1", outcome(t, result).License)
	})

	t.Run("Other payment ignored", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		result := env.purchaseAsync(context.Background(), lcs.TestLicenseID)
		h := env.channel.handle(t)
		h.emit(channel.Event{Type: channel.PaymentResolved, Payment: channel.Payment{PaymentID: "p-9", Status: channel.StatusPaid, License: "other"}})
		h.emit(channel.Event{Type: channel.PaymentResolved, Payment: channel.Payment{PaymentID: "p-1", Status: channel.StatusPaid, License: "mine"}})

		assert.Equal(t, "mine", outcome(t, result).License)
	})

	t.Run("Connect error", func(t *testing.T) {
		env := newTestEnv(t)
		env.channel.connectErr = errors.New("dial refused")
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		out := env.orch.Purchase(context.Background(), lcs.SampleAccount(), lcs.TestLicenseID)
		assert.Equal(t, lcs.ChannelError, out.Kind)
		assert.Contains(t, out.Error, "dial refused")
	})

	t.Run("Deadline before any event", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		result := env.purchaseAsync(ctx, lcs.TestLicenseID)
		h := env.channel.handle(t)

		out := outcome(t, result)
		assert.Equal(t, lcs.Cancelled, out.Kind)
		assert.Equal(t, lcs.TestUsername, out.Username)
		assert.Equal(t, int32(1), h.closed())

		h.callback()(channel.Event{Type: channel.PaymentResolved, Payment: channel.Payment{Status: channel.StatusPaid, License: "late"}})
		assert.Len(t, result, 0)
		assert.Equal(t, "Operation already resolved, ignoring outcome", env.hook.LastEntry().Message)
	})

	t.Run("Confirmation timeout", func(t *testing.T) {
		env := newTestEnv(t, WithConfirmationTimeout(30*time.Millisecond))
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		result := env.purchaseAsync(context.Background(), lcs.TestLicenseID)
		env.channel.handle(t)

		assert.Equal(t, lcs.Cancelled, outcome(t, result).Kind)
	})

	t.Run("Exactly once under concurrent events", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			env := newTestEnv(t)
			env.gateway.purchase = env.signedPurchase(t, pendingBody)

			result := env.purchaseAsync(context.Background(), lcs.TestLicenseID)
			h := env.channel.handle(t)
			cb := h.callback()

			var eg errgroup.Group
			for j := 0; j < 8; j++ {
				eg.Go(func() error {
					cb(channel.Event{Type: channel.Failed, Reason: "network drop"})
					return nil
				})
				eg.Go(func() error {
					cb(channel.Event{Type: channel.PaymentResolved, Payment: channel.Payment{Status: channel.StatusPaid, License: "L1"}})
					return nil
				})
			}
			require.NoError(t, eg.Wait())

			out := outcome(t, result)
			assert.Contains(t, []lcs.ErrorKind{"", lcs.ChannelError}, out.Kind)
			assert.Len(t, result, 0)
			assert.Equal(t, int32(1), h.closed())
		}
	})
}

func TestOrchestrator_Presenter(t *testing.T) {
	t.Run("Presented once", func(t *testing.T) {
		var calls int32
		presented := make(chan Confirmation, 4)
		presenter := PresenterFunc(func(_ context.Context, c Confirmation, done func(bool)) {
			atomic.AddInt32(&calls, 1)
			presented <- c
			done(true)
		})

		env := newTestEnv(t, WithPresenter(presenter))
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		result := env.purchaseAsync(context.Background(), lcs.TestLicenseID)
		h := env.channel.handle(t)
		h.emit(channel.Event{Type: channel.Connected})
		h.emit(channel.Event{Type: channel.Connected})

		c := <-presented
		assert.Equal(t, "PAY-123", c.QrCode.Code)
		assert.Equal(t, "p-1", c.QrCode.PaymentID)
		assert.Equal(t, lcs.TestLicenseID, c.LicenseID)
		assert.Equal(t, lcs.TestUsername, c.Username)

		h.emit(channel.Event{Type: channel.PaymentResolved, Payment: channel.Payment{Status: channel.StatusPaid, License: "L1"}})
		assert.True(t, outcome(t, result).Paid)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("Not presented before connect", func(t *testing.T) {
		var calls int32
		presenter := PresenterFunc(func(_ context.Context, _ Confirmation, done func(bool)) {
			atomic.AddInt32(&calls, 1)
		})

		env := newTestEnv(t, WithPresenter(presenter))
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		result := env.purchaseAsync(context.Background(), lcs.TestLicenseID)
		env.channel.handle(t).emit(channel.Event{Type: channel.Failed, Reason: "no route"})

		assert.Equal(t, lcs.ChannelError, outcome(t, result).Kind)
		assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
	})

	t.Run("Presentation failed", func(t *testing.T) {
		presenter := PresenterFunc(func(_ context.Context, _ Confirmation, done func(bool)) {
			done(false)
		})

		env := newTestEnv(t, WithPresenter(presenter))
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		result := env.purchaseAsync(context.Background(), lcs.TestLicenseID)
		h := env.channel.handle(t)
		h.emit(channel.Event{Type: channel.Connected})

		out := outcome(t, result)
		assert.Equal(t, lcs.PresentationFailed, out.Kind)
		assert.Equal(t, "payment dialog could not be shown", out.Error)
		assert.Equal(t, int32(1), h.closed())
	})

	t.Run("Presenter context ends on resolution", func(t *testing.T) {
		ended := make(chan struct{})
		presenter := PresenterFunc(func(ctx context.Context, _ Confirmation, done func(bool)) {
			done(true)
			<-ctx.Done()
			close(ended)
		})

		env := newTestEnv(t, WithPresenter(presenter))
		env.gateway.purchase = env.signedPurchase(t, pendingBody)

		result := env.purchaseAsync(context.Background(), lcs.TestLicenseID)
		h := env.channel.handle(t)
		h.emit(channel.Event{Type: channel.Connected})
		h.emit(channel.Event{Type: channel.PaymentResolved, Payment: channel.Payment{Status: channel.StatusPaid}})
		outcome(t, result)

		select {
		case <-ended:
		case <-time.After(5 * time.Second):
			t.Fatal("presenter context was not cancelled")
		}
	})
}

func TestOrchestrator_VerifyCurrentLicense(t *testing.T) {
	account := lcs.SampleAccount()

	t.Run("Blank package ID", func(t *testing.T) {
		env := newTestEnv(t)

		out := env.orch.VerifyCurrentLicense(context.Background(), account, " ")
		assert.Equal(t, lcs.InvalidArgument, out.Kind)
		assert.Equal(t, int32(0), env.gateway.calls)
	})

	t.Run("Paid", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.verify = env.signedVerification(t, `{"license":"pro-license"}`)

		out := env.orch.VerifyCurrentLicense(context.Background(), account, lcs.TestPackageID)
		assert.Equal(t, lcs.OperationOutcome{Success: true, Paid: true, License: "pro-license", Username: lcs.TestUsername}, out)
	})

	t.Run("Not paid", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.verify = env.signedVerification(t, `{"license":""}`)

		out := env.orch.VerifyCurrentLicense(context.Background(), account, lcs.TestPackageID)
		assert.True(t, out.Success)
		assert.False(t, out.Paid)
		assert.False(t, out.Failed())
	})

	t.Run("Business error", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.verify = lcs.BusinessError[lcs.VerificationResult](code(http.StatusUnauthorized), "invalid token")

		out := env.orch.VerifyCurrentLicense(context.Background(), account, lcs.TestPackageID)
		assert.Equal(t, lcs.VerificationFailed, out.Kind)
		assert.Equal(t, "invalid token", out.Error)
		assert.Equal(t, http.StatusUnauthorized, *out.StatusCode)
	})

	t.Run("Transport exception", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.verify = lcs.TransportException[lcs.VerificationResult](errors.New("i/o timeout"))

		out := env.orch.VerifyCurrentLicense(context.Background(), account, lcs.TestPackageID)
		assert.Equal(t, lcs.VerificationException, out.Kind)
		assert.Contains(t, out.Error, "i/o timeout")
	})

	t.Run("Invalid signature", func(t *testing.T) {
		env := newTestEnv(t)
		payload, _ := lcs.DecodeVerificationResult([]byte(`{"license":"pro-license"}`))
		env.gateway.verify = lcs.Success(payload, map[string]string{"signature": "forged"})

		out := env.orch.VerifyCurrentLicense(context.Background(), account, lcs.TestPackageID)
		assert.Equal(t, lcs.InvalidSignature, out.Kind)
		assert.False(t, out.Paid)
		assert.Empty(t, out.License)
	})
}

func TestOrchestrator_Metrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	env := newTestEnv(t, WithMetrics(m))

	env.gateway.purchase = env.signedPurchase(t, `{"license":"L1"}`)
	env.orch.Purchase(context.Background(), lcs.SampleAccount(), lcs.TestLicenseID)
	env.orch.Purchase(context.Background(), lcs.SampleAccount(), "")

	env.gateway.verify = env.signedVerification(t, `{"license":""}`)
	env.orch.VerifyCurrentLicense(context.Background(), lcs.SampleAccount(), lcs.TestPackageID)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues(operationPurchase, "paid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues(operationPurchase, string(lcs.InvalidArgument))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.outcomes.WithLabelValues(operationVerify, "not_paid")))
}

func TestNew(t *testing.T) {
	env := newTestEnv(t)
	verifier := env.orch.verifier

	assert.Panics(t, func() { New(nil, verifier, env.channel) })
	assert.Panics(t, func() { New(env.gateway, nil, env.channel) })
	assert.Panics(t, func() { New(env.gateway, verifier, nil) })
}

type recordingVerifier struct {
	envelopes []lcs.SignatureEnvelope
}

func (v *recordingVerifier) VerifyEnvelope(env lcs.SignatureEnvelope) bool {
	v.envelopes = append(v.envelopes, env)
	return true
}

func TestOrchestrator_SignatureEnvelope(t *testing.T) {
	env := newTestEnv(t)
	verifier := &recordingVerifier{}
	orch := New(env.gateway, verifier, env.channel)

	body := `{"license" : "L1"}`
	env.gateway.purchase = env.signedPurchase(t, body)
	env.gateway.verify = env.signedVerification(t, body)

	assert.True(t, orch.Purchase(context.Background(), lcs.SampleAccount(), lcs.TestLicenseID).Success)
	assert.True(t, orch.VerifyCurrentLicense(context.Background(), lcs.SampleAccount(), lcs.TestPackageID).Paid)

	require.Len(t, verifier.envelopes, 2)
	for _, e := range verifier.envelopes {
		assert.Equal(t, body, string(e.Body))
		assert.NotEmpty(t, e.Signature)
	}
}
