package purchase

import (
	"context"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/furkansenharputlu/f-license-validator/channel"
	"github.com/furkansenharputlu/f-license-validator/client"
	"github.com/furkansenharputlu/f-license-validator/config"
	"github.com/furkansenharputlu/f-license-validator/credentials"
	"github.com/furkansenharputlu/f-license-validator/lcs"
)

// DefaultPushPath is appended to the server URL when no push URL is configured.
const DefaultPushPath = "/ws/payments"

// Validator runs operations for the account its credential provider returns.
type Validator struct {
	orchestrator *Orchestrator
	credentials  credentials.Provider
	strict       bool
	closer       io.Closer
	log          *logrus.Entry
}

type ValidatorOption func(*Validator)

// StrictCredentials makes operations fail with InvalidArgument instead of running with an
// empty account when the provider has no account data.
func StrictCredentials(strict bool) ValidatorOption {
	return func(v *Validator) {
		v.strict = strict
	}
}

func NewValidator(o *Orchestrator, p credentials.Provider, opts ...ValidatorOption) *Validator {
	if o == nil {
		panic("purchase: orchestrator is required")
	}

	if p == nil {
		p = credentials.Chain{}
	}

	v := &Validator{
		orchestrator: o,
		credentials:  p,
		log:          o.log,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Setup collects what NewValidatorFromConfig needs besides the configuration.
type Setup struct {
	Credentials credentials.Provider
	Presenter   Presenter
	Registerer  prometheus.Registerer
	Log         *logrus.Entry
}

// NewValidatorFromConfig wires the HTTP gateway, the signature verifier and the websocket
// payment channel from the client options. Close the validator to drop open connections.
func NewValidatorFromConfig(opts config.ClientOptions, setup Setup) (*Validator, error) {
	log := setup.Log
	if log == nil {
		log = logrus.WithField("component", "purchase")
	}

	if opts.ServerURL == "" {
		return nil, errors.New("server URL is not configured")
	}

	cert, err := opts.CACert()
	if err != nil {
		return nil, err
	}

	gateway, err := client.NewHTTPGateway(opts.ServerURL, cert,
		client.WithLanguage(opts.Language),
		client.WithTimeout(opts.RequestTimeout.Std()),
		client.WithLogger(log.WithField("component", "gateway")),
	)
	if err != nil {
		return nil, err
	}

	trustKey, err := opts.TrustKeyPEM()
	if err != nil {
		return nil, err
	}

	verifier, err := lcs.NewVerifier(opts.SignatureAlg, trustKey, log.WithField("component", "signature"))
	if err != nil {
		return nil, err
	}

	pushURL := opts.PushURL
	if pushURL == "" {
		pushURL = strings.TrimRight(opts.ServerURL, "/") + DefaultPushPath
	}

	ch, err := channel.NewClient(pushURL,
		channel.WithDialAttempts(opts.DialAttempts),
		channel.WithLogger(log.WithField("component", "channel")),
	)
	if err != nil {
		return nil, err
	}

	orchestratorOpts := []Option{
		WithPresenter(setup.Presenter),
		WithConfirmationTimeout(opts.ConfirmationTimeout.Std()),
		WithLogger(log),
	}
	if setup.Registerer != nil {
		orchestratorOpts = append(orchestratorOpts, WithMetrics(NewMetrics(setup.Registerer)))
	}

	provider := setup.Credentials
	if provider == nil {
		provider = DefaultCredentials(opts)
	}

	v := NewValidator(New(gateway, verifier, ch, orchestratorOpts...), provider, StrictCredentials(opts.StrictCredentials))
	v.closer = ch

	return v, nil
}

// DefaultCredentials reads the account file, then the environment.
func DefaultCredentials(opts config.ClientOptions) credentials.Provider {
	chain := credentials.Chain{}
	if opts.AccountFile != "" {
		chain = append(chain, credentials.File{Path: opts.AccountFile})
	}

	return append(chain, credentials.Env{})
}

// AccountAvailable reports whether the credential provider has account data.
func (v *Validator) AccountAvailable(ctx context.Context) bool {
	return credentials.Available(ctx, v.credentials)
}

// Account returns the account operations would run for.
func (v *Validator) Account(ctx context.Context) (lcs.AccountContext, bool) {
	return v.credentials.FetchAccountContext(ctx)
}

func (v *Validator) PurchaseLicense(ctx context.Context, licenseID string) lcs.OperationOutcome {
	account, ok := v.account(ctx)
	if !ok && v.strict {
		return lcs.Failure(lcs.InvalidArgument, "", "account data unavailable")
	}

	return v.orchestrator.Purchase(ctx, account, licenseID)
}

func (v *Validator) VerifyCurrentLicense(ctx context.Context, packageID string) lcs.OperationOutcome {
	account, ok := v.account(ctx)
	if !ok && v.strict {
		return lcs.Failure(lcs.InvalidArgument, "", "account data unavailable")
	}

	return v.orchestrator.VerifyCurrentLicense(ctx, account, packageID)
}

// PurchaseLicenseAsync runs PurchaseLicense in the background. The channel yields exactly
// one outcome and is then closed.
func (v *Validator) PurchaseLicenseAsync(ctx context.Context, licenseID string) <-chan lcs.OperationOutcome {
	return async(func() lcs.OperationOutcome { return v.PurchaseLicense(ctx, licenseID) })
}

// VerifyCurrentLicenseAsync runs VerifyCurrentLicense in the background.
func (v *Validator) VerifyCurrentLicenseAsync(ctx context.Context, packageID string) <-chan lcs.OperationOutcome {
	return async(func() lcs.OperationOutcome { return v.VerifyCurrentLicense(ctx, packageID) })
}

func (v *Validator) Close() error {
	if v.closer == nil {
		return nil
	}
	return v.closer.Close()
}

func (v *Validator) account(ctx context.Context) (lcs.AccountContext, bool) {
	account, ok := v.credentials.FetchAccountContext(ctx)
	if !ok {
		v.log.Warn("Account data unavailable")
		return lcs.AccountContext{}, false
	}
	return account, true
}

func async(run func() lcs.OperationOutcome) <-chan lcs.OperationOutcome {
	out := make(chan lcs.OperationOutcome, 1)
	go func() {
		defer close(out)
		out <- run()
	}()
	return out
}
