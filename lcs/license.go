package lcs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// AccountContext identifies the account and device a purchase or verification is made for.
// It is read-only for the lifetime of one operation and is never persisted.
type AccountContext struct {
	Username    string `json:"username" envconfig:"USERNAME"`
	DeviceID    string `json:"device_id" envconfig:"DEVICE_ID"`
	AccessToken string `json:"access_token" envconfig:"ACCESS_TOKEN"`
	SessionCode string `json:"code" envconfig:"CODE"`
}

// SessionKey returns the pair used to correlate a confirmation channel subscription
// with a pending purchase.
func (a AccountContext) SessionKey() SessionKey {
	return SessionKey{Code: a.SessionCode, DeviceID: a.DeviceID}
}

// TokenFingerprint is a short, log-safe digest of the access token.
func (a AccountContext) TokenFingerprint() string {
	if a.AccessToken == "" {
		return ""
	}

	return HexSHA256([]byte(a.AccessToken))
}

// SessionKey is the (code, device) pair of a confirmation channel subscription.
type SessionKey struct {
	Code     string
	DeviceID string
}

func (k SessionKey) String() string {
	return k.Code + "/" + k.DeviceID
}

// QrCode is the pending-confirmation payload: the content the user scans to pay.
type QrCode struct {
	PaymentID   string `json:"payment_id"`
	Code        string `json:"code"`
	LicenseName string `json:"license_name,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
}

// PurchaseResponse is either QrPending or DirectLicense.
type PurchaseResponse interface {
	// Body returns the bytes covered by the response signature.
	Body() ([]byte, error)

	purchaseResponse()
}

// QrPending means payment must be completed out-of-band before the license is granted.
type QrPending struct {
	QrCode
	Raw json.RawMessage `json:"-"`
}

// DirectLicense means the server granted the license without further user action.
type DirectLicense struct {
	License string          `json:"license"`
	Raw     json.RawMessage `json:"-"`
}

func (QrPending) purchaseResponse()     {}
func (DirectLicense) purchaseResponse() {}

func (q QrPending) Body() ([]byte, error) {
	return body(q.Raw, q.QrCode)
}

func (d DirectLicense) Body() ([]byte, error) {
	return body(d.Raw, d)
}

// VerificationResult is the payload of a verify call. A non-empty License means a paid
// license already exists for the package.
type VerificationResult struct {
	License string          `json:"license"`
	Raw     json.RawMessage `json:"-"`
}

func (v VerificationResult) Body() ([]byte, error) {
	return body(v.Raw, v)
}

// Paid reports whether the verification found a license.
func (v VerificationResult) Paid() bool {
	return strings.TrimSpace(v.License) != ""
}

// DecodePurchaseResponse classifies a purchase response body. The original bytes are
// kept so the signature gate checks exactly what the server signed.
func DecodePurchaseResponse(data []byte) (PurchaseResponse, error) {
	var probe struct {
		License *string `json:"license"`
		Code    *string `json:"code"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrap(err, "couldn't unmarshal purchase response")
	}

	raw := append(json.RawMessage(nil), data...)

	if probe.License != nil {
		return DirectLicense{License: *probe.License, Raw: raw}, nil
	}

	if probe.Code != nil && *probe.Code != "" {
		var qr QrCode
		if err := json.Unmarshal(data, &qr); err != nil {
			return nil, errors.Wrap(err, "couldn't unmarshal payment code")
		}
		return QrPending{QrCode: qr, Raw: raw}, nil
	}

	return nil, errors.New("purchase response carries neither a license nor a payment code")
}

// DecodeVerificationResult decodes a verify response body, keeping the original bytes.
func DecodeVerificationResult(data []byte) (VerificationResult, error) {
	var v VerificationResult
	if err := json.Unmarshal(data, &v); err != nil {
		return VerificationResult{}, errors.Wrap(err, "couldn't unmarshal verification response")
	}

	v.Raw = append(json.RawMessage(nil), data...)
	return v, nil
}

func body(raw json.RawMessage, v interface{}) ([]byte, error) {
	if len(raw) > 0 {
		return raw, nil
	}

	return json.Marshal(v)
}

func HexSHA256(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:3])
}
