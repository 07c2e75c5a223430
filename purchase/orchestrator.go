// Package purchase runs license purchases and verifications end to end: the RPC, the
// response signature check and, for payments confirmed out of band, the wait on the
// payment channel.
package purchase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/furkansenharputlu/f-license-validator/channel"
	"github.com/furkansenharputlu/f-license-validator/lcs"
)

const (
	operationPurchase = "purchase"
	operationVerify   = "verify"
)

// Gateway performs the licensing RPCs.
type Gateway interface {
	Purchase(ctx context.Context, account lcs.AccountContext, licenseID string) lcs.ApiOutcome[lcs.PurchaseResponse]
	Verify(ctx context.Context, account lcs.AccountContext, packageID string) lcs.ApiOutcome[lcs.VerificationResult]
}

// SignatureVerifier checks a detached response signature.
type SignatureVerifier interface {
	VerifyEnvelope(env lcs.SignatureEnvelope) bool
}

// Orchestrator resolves every call to exactly one lcs.OperationOutcome. Failures are
// reported through the outcome, never as errors or panics.
type Orchestrator struct {
	gateway             Gateway
	verifier            SignatureVerifier
	channel             channel.Channel
	presenter           Presenter
	confirmationTimeout time.Duration
	metrics             *Metrics
	log                 *logrus.Entry
}

type Option func(*Orchestrator)

func WithPresenter(p Presenter) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.presenter = p
		}
	}
}

// WithConfirmationTimeout bounds the wait for a payment confirmation. Zero leaves it to
// the caller's context.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.confirmationTimeout = d
	}
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// New panics when a collaborator is missing.
func New(gateway Gateway, verifier SignatureVerifier, ch channel.Channel, opts ...Option) *Orchestrator {
	if gateway == nil || verifier == nil || ch == nil {
		panic("purchase: gateway, verifier and channel are required")
	}

	o := &Orchestrator{
		gateway:  gateway,
		verifier: verifier,
		channel:  ch,
		log:      logrus.WithField("component", "purchase"),
	}

	for _, opt := range opts {
		opt(o)
	}

	if o.presenter == nil {
		o.presenter = LogPresenter{Log: o.log}
	}

	return o
}

// Purchase buys licenseID for account. A directly granted license resolves at once; a
// payment code waits on the payment channel until the payment settles, the channel
// fails or ctx ends.
func (o *Orchestrator) Purchase(ctx context.Context, account lcs.AccountContext, licenseID string) lcs.OperationOutcome {
	start := time.Now()
	out := o.purchase(ctx, account, licenseID)
	o.metrics.observe(operationPurchase, out, time.Since(start))
	return out
}

func (o *Orchestrator) purchase(ctx context.Context, account lcs.AccountContext, licenseID string) lcs.OperationOutcome {
	username := account.Username
	log := o.log.WithFields(logrus.Fields{
		"license_id": licenseID,
		"device_id":  account.DeviceID,
	})

	if strings.TrimSpace(licenseID) == "" {
		return lcs.Failure(lcs.InvalidArgument, username, "license ID must not be blank")
	}

	res := o.gateway.Purchase(ctx, account, licenseID)

	switch res.Kind() {
	case lcs.KindTransportException:
		log.WithError(res.Cause()).Error("Purchase request failed")
		return lcs.Failure(lcs.PurchaseException, username, "failed to purchase license: "+causeText(res.Cause()))
	case lcs.KindBusinessError:
		log.WithField("status_code", codeText(res.Code())).Warn("Purchase rejected: ", res.Message())
		return lcs.Failure(lcs.PurchaseFailed, username, messageOr(res.Message(), "purchase rejected")).WithStatusCode(res.Code())
	case lcs.KindSuccess:
	default:
		panic(fmt.Sprintf("purchase: unknown outcome kind %d", res.Kind()))
	}

	payload := res.Payload()
	if payload == nil {
		panic("purchase: gateway returned success without a payload")
	}

	if !o.signed(payload, res.Header(lcs.SignatureHeader)) {
		return lcs.Failure(lcs.InvalidSignature, username, "response signature is invalid")
	}

	switch p := payload.(type) {
	case lcs.DirectLicense:
		log.Info("License granted")
		return lcs.Licensed(username, p.License)
	case lcs.QrPending:
		return o.awaitConfirmation(ctx, account, licenseID, p)
	default:
		panic(fmt.Sprintf("purchase: unknown purchase response %T", payload))
	}
}

// VerifyCurrentLicense asks whether account already owns a license for packageID.
func (o *Orchestrator) VerifyCurrentLicense(ctx context.Context, account lcs.AccountContext, packageID string) lcs.OperationOutcome {
	start := time.Now()
	out := o.verify(ctx, account, packageID)
	o.metrics.observe(operationVerify, out, time.Since(start))
	return out
}

func (o *Orchestrator) verify(ctx context.Context, account lcs.AccountContext, packageID string) lcs.OperationOutcome {
	username := account.Username
	log := o.log.WithFields(logrus.Fields{
		"package_id": packageID,
		"device_id":  account.DeviceID,
	})

	if strings.TrimSpace(packageID) == "" {
		return lcs.Failure(lcs.InvalidArgument, username, "package ID must not be blank")
	}

	res := o.gateway.Verify(ctx, account, packageID)

	switch res.Kind() {
	case lcs.KindTransportException:
		log.WithError(res.Cause()).Error("Verification request failed")
		return lcs.Failure(lcs.VerificationException, username, "failed to verify license: "+causeText(res.Cause()))
	case lcs.KindBusinessError:
		log.WithField("status_code", codeText(res.Code())).Warn("Verification rejected: ", res.Message())
		return lcs.Failure(lcs.VerificationFailed, username, messageOr(res.Message(), "verification rejected")).WithStatusCode(res.Code())
	case lcs.KindSuccess:
	default:
		panic(fmt.Sprintf("purchase: unknown outcome kind %d", res.Kind()))
	}

	result := res.Payload()
	if !o.signed(result, res.Header(lcs.SignatureHeader)) {
		return lcs.Failure(lcs.InvalidSignature, username, "response signature is invalid")
	}

	return lcs.OperationOutcome{
		Success:  true,
		Paid:     result.Paid(),
		License:  result.License,
		Username: username,
	}
}

func (o *Orchestrator) signed(body lcs.Signed, signature string) bool {
	env, err := lcs.Envelope(body, signature)
	if err != nil {
		o.log.WithError(err).Warn("Couldn't build signature envelope")
		return false
	}

	return o.verifier.VerifyEnvelope(env)
}

func causeText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func codeText(code *int) string {
	if code == nil {
		return "none"
	}
	return fmt.Sprint(*code)
}

func messageOr(msg, fallback string) string {
	if strings.TrimSpace(msg) == "" {
		return fallback
	}
	return msg
}
