package purchase

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/furkansenharputlu/f-license-validator/channel"
	"github.com/furkansenharputlu/f-license-validator/config"
	"github.com/furkansenharputlu/f-license-validator/credentials"
	"github.com/furkansenharputlu/f-license-validator/lcs"
)

func TestValidator(t *testing.T) {
	t.Run("Account from provider", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = env.signedPurchase(t, `{"license":"L1"}`)

		v := NewValidator(env.orch, credentials.Static(lcs.SampleAccount()))
		assert.True(t, v.AccountAvailable(context.Background()))

		out := v.PurchaseLicense(context.Background(), lcs.TestLicenseID)
		assert.Equal(t, lcs.Licensed(lcs.TestUsername, "L1"), out)
		assert.Equal(t, []lcs.AccountContext{lcs.SampleAccount()}, env.gateway.accounts)
	})

	t.Run("Missing account is attempted", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.verify = env.signedVerification(t, `{"license":""}`)

		v := NewValidator(env.orch, nil)
		assert.False(t, v.AccountAvailable(context.Background()))

		out := v.VerifyCurrentLicense(context.Background(), lcs.TestPackageID)
		assert.True(t, out.Success)
		assert.Equal(t, "", out.Username)
		assert.Equal(t, []lcs.AccountContext{{}}, env.gateway.accounts)
	})

	t.Run("Missing account in strict mode", func(t *testing.T) {
		env := newTestEnv(t)
		v := NewValidator(env.orch, credentials.Chain{}, StrictCredentials(true))

		out := v.PurchaseLicense(context.Background(), lcs.TestLicenseID)
		assert.Equal(t, lcs.InvalidArgument, out.Kind)
		assert.Equal(t, "account data unavailable", out.Error)

		out = v.VerifyCurrentLicense(context.Background(), lcs.TestPackageID)
		assert.Equal(t, lcs.InvalidArgument, out.Kind)
		assert.Equal(t, int32(0), env.gateway.calls)
	})

	t.Run("Async", func(t *testing.T) {
		env := newTestEnv(t)
		env.gateway.purchase = env.signedPurchase(t, pendingBody)
		env.gateway.verify = env.signedVerification(t, `{"license":"pro-license"}`)

		v := NewValidator(env.orch, credentials.Static(lcs.SampleAccount()))

		verified := v.VerifyCurrentLicenseAsync(context.Background(), lcs.TestPackageID)
		assert.True(t, outcome(t, verified).Paid)
		_, open := <-verified
		assert.False(t, open)

		purchased := v.PurchaseLicenseAsync(context.Background(), lcs.TestLicenseID)
		h := env.channel.handle(t)
		h.emit(channel.Event{Type: channel.PaymentResolved, Payment: channel.Payment{Status: channel.StatusPaid, License: "pro-license"}})

		assert.Equal(t, "pro-license", outcome(t, purchased).License)
		_, open = <-purchased
		assert.False(t, open)
	})
}

func TestNewValidatorFromConfig(t *testing.T) {
	publicPEM, _ := lcs.SampleKeyPair()

	opts := config.New().Client
	opts.ServerURL = "http://127.0.0.1:1"
	opts.TrustKey = string(publicPEM)
	opts.ConfirmationTimeout = config.Duration(time.Second)

	t.Run("Wired", func(t *testing.T) {
		v, err := NewValidatorFromConfig(opts, Setup{
			Credentials: credentials.Static(lcs.SampleAccount()),
			Registerer:  prometheus.NewRegistry(),
		})
		require.NoError(t, err)
		defer v.Close()

		assert.Equal(t, time.Second, v.orchestrator.confirmationTimeout)
		assert.NotNil(t, v.orchestrator.metrics)

		out := v.VerifyCurrentLicense(context.Background(), lcs.TestPackageID)
		assert.Equal(t, lcs.VerificationException, out.Kind)
		assert.Equal(t, lcs.TestUsername, out.Username)
	})

	t.Run("Strict", func(t *testing.T) {
		strict := opts
		strict.StrictCredentials = true

		v, err := NewValidatorFromConfig(strict, Setup{Credentials: credentials.Chain{}})
		require.NoError(t, err)
		defer v.Close()

		assert.Equal(t, lcs.InvalidArgument, v.PurchaseLicense(context.Background(), lcs.TestLicenseID).Kind)
	})

	t.Run("Misconfigured", func(t *testing.T) {
		noServer := opts
		noServer.ServerURL = ""
		_, err := NewValidatorFromConfig(noServer, Setup{})
		assert.Error(t, err)

		noKey := opts
		noKey.TrustKey = ""
		_, err = NewValidatorFromConfig(noKey, Setup{})
		assert.Error(t, err)

		badKey := opts
		badKey.TrustKey = "not a key"
		_, err = NewValidatorFromConfig(badKey, Setup{})
		assert.Error(t, err)

		badPush := opts
		badPush.PushURL = "ftp://127.0.0.1/ws"
		_, err = NewValidatorFromConfig(badPush, Setup{})
		assert.Error(t, err)
	})
}

func TestDefaultCredentials(t *testing.T) {
	opts := config.ClientOptions{AccountFile: "account.json"}

	chain, ok := DefaultCredentials(opts).(credentials.Chain)
	require.True(t, ok)
	require.Len(t, chain, 2)
	assert.Equal(t, credentials.File{Path: "account.json"}, chain[0])
	assert.Equal(t, credentials.Env{}, chain[1])

	chain = DefaultCredentials(config.ClientOptions{}).(credentials.Chain)
	assert.Len(t, chain, 1)
}
