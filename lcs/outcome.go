package lcs

import "strings"

// OutcomeKind tags which variant of an ApiOutcome is populated.
type OutcomeKind int

const (
	KindSuccess OutcomeKind = iota + 1
	KindBusinessError
	KindTransportException
)

func (k OutcomeKind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindBusinessError:
		return "business_error"
	case KindTransportException:
		return "transport_exception"
	default:
		return "unknown"
	}
}

// ApiOutcome is the result of one RPC: Success, BusinessError or TransportException.
// Exactly one variant is populated; build it with the constructors below.
type ApiOutcome[T any] struct {
	kind    OutcomeKind
	payload T
	headers map[string]string
	code    *int
	message string
	cause   error
}

// Success carries the decoded payload and the response headers. Header names are
// lower-cased so lookups don't depend on the server's casing.
func Success[T any](payload T, headers map[string]string) ApiOutcome[T] {
	normalized := make(map[string]string, len(headers))
	for k, v := range headers {
		normalized[strings.ToLower(k)] = v
	}

	return ApiOutcome[T]{kind: KindSuccess, payload: payload, headers: normalized}
}

// BusinessError is a server-side rejection. code is nil when the server gave none.
func BusinessError[T any](code *int, message string) ApiOutcome[T] {
	return ApiOutcome[T]{kind: KindBusinessError, code: code, message: message}
}

// TransportException is a fault below the business layer: network, decoding, timeouts.
func TransportException[T any](cause error) ApiOutcome[T] {
	return ApiOutcome[T]{kind: KindTransportException, cause: cause}
}

func (o ApiOutcome[T]) Kind() OutcomeKind          { return o.kind }
func (o ApiOutcome[T]) Payload() T                 { return o.payload }
func (o ApiOutcome[T]) Headers() map[string]string { return o.headers }
func (o ApiOutcome[T]) Code() *int                 { return o.code }
func (o ApiOutcome[T]) Message() string            { return o.message }
func (o ApiOutcome[T]) Cause() error               { return o.cause }

// Header returns a response header by case-insensitive name.
func (o ApiOutcome[T]) Header(name string) string {
	return o.headers[strings.ToLower(name)]
}

// ErrorKind classifies a failed OperationOutcome.
type ErrorKind string

const (
	InvalidArgument       ErrorKind = "INVALID_ARGUMENT"
	PurchaseFailed        ErrorKind = "PURCHASE_FAILED"
	PurchaseException     ErrorKind = "PURCHASE_EXCEPTION"
	VerificationFailed    ErrorKind = "VERIFICATION_FAILED"
	VerificationException ErrorKind = "VERIFICATION_EXCEPTION"
	InvalidSignature      ErrorKind = "INVALID_SIGNATURE"
	ChannelError          ErrorKind = "CHANNEL_ERROR"
	Cancelled             ErrorKind = "CANCELLED"
	PresentationFailed    ErrorKind = "PRESENTATION_FAILED"
)

// OperationOutcome is what a purchase or verification resolves to. Every operation
// produces exactly one.
type OperationOutcome struct {
	Success    bool      `json:"success"`
	Paid       bool      `json:"paid"`
	License    string    `json:"license,omitempty"`
	Error      string    `json:"error,omitempty"`
	Kind       ErrorKind `json:"kind,omitempty"`
	StatusCode *int      `json:"status_code,omitempty"`
	Username   string    `json:"username"`
}

// Licensed is a successful, paid outcome.
func Licensed(username, license string) OperationOutcome {
	return OperationOutcome{Success: true, Paid: true, License: license, Username: username}
}

// Failure is an unsuccessful outcome of the given kind.
func Failure(kind ErrorKind, username, message string) OperationOutcome {
	return OperationOutcome{Kind: kind, Error: message, Username: username}
}

// WithStatusCode attaches the server's status code to a failure.
func (o OperationOutcome) WithStatusCode(code *int) OperationOutcome {
	if code != nil {
		c := *code
		o.StatusCode = &c
	}
	return o
}

// Failed reports whether the outcome is an error of any kind.
func (o OperationOutcome) Failed() bool {
	return o.Kind != ""
}
