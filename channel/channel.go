// Package channel delivers asynchronous payment confirmations.
//
// A Channel hands out one Handle per pending purchase. Handles opened for the same
// session key share the underlying push connection; closing a Handle only releases
// that subscription. An implementation must emit Failed when the transport cannot be
// established, so a subscriber is never left waiting without either an event or its
// own deadline.
package channel

import (
	"context"
	"errors"

	"github.com/furkansenharputlu/f-license-validator/lcs"
)

// ErrClosed is returned by Connect after the channel has been shut down.
var ErrClosed = errors.New("channel: closed")

type EventType int

const (
	Connected EventType = iota + 1
	Disconnected
	Failed
	PaymentResolved
)

func (t EventType) String() string {
	switch t {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	case PaymentResolved:
		return "payment_resolved"
	default:
		return "unknown"
	}
}

type PaymentStatus string

const (
	StatusPaid      PaymentStatus = "paid"
	StatusRejected  PaymentStatus = "failed"
	StatusCancelled PaymentStatus = "cancelled"
)

// Payment is the terminal result of an out-of-band payment.
type Payment struct {
	PaymentID string        `json:"payment_id,omitempty"`
	Status    PaymentStatus `json:"status"`
	License   string        `json:"license,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Event is one notification on a subscription. Reason is set for Disconnected and
// Failed, Payment for PaymentResolved.
type Event struct {
	Type    EventType
	Reason  string
	Payment Payment
}

// Channel opens confirmation subscriptions.
type Channel interface {
	// Connect subscribes to events for key. An error means nothing was opened.
	Connect(ctx context.Context, key lcs.SessionKey) (Handle, error)
}

// Handle is one subscription.
type Handle interface {
	// OnEvent sets the callback. Events that arrived before it was set are replayed
	// in order. Callbacks for one handle never run concurrently and must not block.
	OnEvent(cb func(Event))

	// Close releases the subscription. Later events are dropped. Safe to call twice.
	Close() error
}
