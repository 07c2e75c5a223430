package purchase

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/furkansenharputlu/f-license-validator/channel"
	"github.com/furkansenharputlu/f-license-validator/lcs"
)

// Confirmation is what the user needs to complete a payment out of band.
type Confirmation struct {
	Username  string
	LicenseID string
	QrCode    lcs.QrCode
}

// Presenter shows a pending payment to the user. It is called at most once per purchase,
// after the payment channel is connected. done(false) means the payment could not be
// shown and fails the purchase; ctx ends when the purchase resolves.
type Presenter interface {
	Present(ctx context.Context, c Confirmation, done func(accepted bool))
}

type PresenterFunc func(ctx context.Context, c Confirmation, done func(accepted bool))

func (f PresenterFunc) Present(ctx context.Context, c Confirmation, done func(accepted bool)) {
	f(ctx, c, done)
}

// LogPresenter logs the payment code.
type LogPresenter struct {
	Log *logrus.Entry
}

func (p LogPresenter) Present(_ context.Context, c Confirmation, done func(accepted bool)) {
	log := p.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	log.WithFields(logrus.Fields{
		"license_id": c.LicenseID,
		"payment_id": c.QrCode.PaymentID,
		"code":       c.QrCode.Code,
	}).Info("Waiting for payment")
	done(true)
}

func (o *Orchestrator) awaitConfirmation(ctx context.Context, account lcs.AccountContext, licenseID string, pending lcs.QrPending) lcs.OperationOutcome {
	username := account.Username
	log := o.log.WithFields(logrus.Fields{
		"license_id": licenseID,
		"device_id":  account.DeviceID,
		"payment_id": pending.PaymentID,
	})

	var cancel context.CancelFunc
	if o.confirmationTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.confirmationTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	handle, err := o.channel.Connect(ctx, account.SessionKey())
	if err != nil {
		log.WithError(err).Error("Couldn't open payment channel")
		return lcs.Failure(lcs.ChannelError, username, errors.Wrap(err, "couldn't open payment channel").Error())
	}

	defer func() {
		if err := handle.Close(); err != nil {
			log.WithError(err).Warn("Couldn't release payment channel")
		}
	}()

	start := time.Now()
	g := newGate(log)
	confirmation := Confirmation{Username: username, LicenseID: licenseID, QrCode: pending.QrCode}
	var presented atomic.Bool

	handle.OnEvent(func(ev channel.Event) {
		switch ev.Type {
		case channel.Connected:
			if !presented.CompareAndSwap(false, true) {
				log.Debug("Payment channel reconnected")
				return
			}

			go o.presenter.Present(ctx, confirmation, func(accepted bool) {
				if !accepted {
					log.Error("Payment dialog could not be shown")
					g.resolve(lcs.Failure(lcs.PresentationFailed, username, "payment dialog could not be shown"))
				}
			})
		case channel.Disconnected:
			log.WithField("reason", ev.Reason).Warn("Payment channel disconnected")
		case channel.Failed:
			log.WithField("reason", ev.Reason).Error("Payment channel failed")
			g.resolve(lcs.Failure(lcs.ChannelError, username, errors.Errorf("payment channel failed: %s", ev.Reason).Error()))
		case channel.PaymentResolved:
			if id := ev.Payment.PaymentID; id != "" && pending.PaymentID != "" && id != pending.PaymentID {
				log.WithField("event_payment_id", id).Debug("Ignoring resolution of another payment")
				return
			}

			g.resolve(paymentOutcome(username, ev.Payment))
		default:
			log.WithField("event", ev.Type).Debug("Ignoring payment channel event")
		}
	})

	var out lcs.OperationOutcome
	select {
	case out = <-g.wait():
	case <-ctx.Done():
		g.resolve(lcs.Failure(lcs.Cancelled, username, "purchase cancelled: "+ctx.Err().Error()))
		out = <-g.wait()
	}

	o.metrics.observeConfirmation(time.Since(start))
	log.WithField("kind", out.Kind).Info("Payment confirmation finished")

	return out
}

func paymentOutcome(username string, p channel.Payment) lcs.OperationOutcome {
	switch p.Status {
	case channel.StatusPaid:
		return lcs.Licensed(username, p.License)
	case channel.StatusRejected:
		return lcs.Failure(lcs.PurchaseFailed, username, messageOr(p.Reason, "payment failed"))
	case channel.StatusCancelled:
		return lcs.Failure(lcs.Cancelled, username, messageOr(p.Reason, "payment cancelled by user"))
	default:
		return lcs.Failure(lcs.ChannelError, username, "unknown payment status: "+string(p.Status))
	}
}
