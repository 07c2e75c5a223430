package lcs

import (
	"strings"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// SignatureHeader is the response header carrying the detached body signature.
const SignatureHeader = "signature"

// DefaultAlg is used when no signature algorithm is configured.
const DefaultAlg = "RS256"

// SignatureEnvelope pairs a response body with the signature presented for it.
type SignatureEnvelope struct {
	Body      []byte
	Signature string
}

// Verifier checks detached response signatures against a provisioned public key.
// It holds no mutable state and is safe for concurrent use.
type Verifier struct {
	method jwt.SigningMethod
	key    interface{}
	log    *logrus.Entry
}

// NewVerifier parses the PEM encoded trust key for the given algorithm.
// Only asymmetric algorithms are accepted: the client never holds a signing secret.
func NewVerifier(alg string, publicKeyPEM []byte, log *logrus.Entry) (*Verifier, error) {
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}

	var key interface{}
	switch method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		key, err = jwt.ParseRSAPublicKeyFromPEM(publicKeyPEM)
	case *jwt.SigningMethodECDSA:
		key, err = jwt.ParseECPublicKeyFromPEM(publicKeyPEM)
	default:
		return nil, errors.Errorf("signature algorithm %s is not supported for verification", method.Alg())
	}
	if err != nil {
		return nil, errors.Wrap(err, "couldn't parse trust key")
	}

	if log == nil {
		log = logrus.WithField("component", "signature")
	}

	return &Verifier{method: method, key: key, log: log}, nil
}

// Verify reports whether signature is a valid signature of message. A missing or empty
// signature is treated exactly like an invalid one.
func (v *Verifier) Verify(message []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		v.log.Error("No signature header in response")
		return false
	}

	if err := v.method.Verify(string(message), normalizeSignature(signature), v.key); err != nil {
		v.log.WithError(err).Error("Response signature verification failed")
		return false
	}

	return true
}

// Signed is a decoded response whose original bytes carry a detached signature.
type Signed interface {
	Body() ([]byte, error)
}

// Envelope pairs the bytes of a signed response with the signature presented for it.
func Envelope(s Signed, signature string) (SignatureEnvelope, error) {
	body, err := s.Body()
	if err != nil {
		return SignatureEnvelope{}, errors.Wrap(err, "couldn't serialize response")
	}

	return SignatureEnvelope{Body: body, Signature: signature}, nil
}

// VerifyEnvelope is Verify on a SignatureEnvelope.
func (v *Verifier) VerifyEnvelope(env SignatureEnvelope) bool {
	return v.Verify(env.Body, env.Signature)
}

// Alg returns the algorithm the verifier checks.
func (v *Verifier) Alg() string {
	return v.method.Alg()
}

// Signer produces detached signatures in the format Verifier accepts.
type Signer struct {
	method jwt.SigningMethod
	key    interface{}
}

// NewSigner parses a PEM encoded private key for the given algorithm.
func NewSigner(alg string, privateKeyPEM []byte) (*Signer, error) {
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}

	var key interface{}
	switch method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS:
		key, err = jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	case *jwt.SigningMethodECDSA:
		key, err = jwt.ParseECPrivateKeyFromPEM(privateKeyPEM)
	default:
		return nil, errors.Errorf("signature algorithm %s is not supported for signing", method.Alg())
	}
	if err != nil {
		return nil, errors.Wrap(err, "couldn't parse signing key")
	}

	return &Signer{method: method, key: key}, nil
}

// NewSignerFromKey wraps an already parsed private key.
func NewSignerFromKey(alg string, key interface{}) (*Signer, error) {
	method, err := signingMethod(alg)
	if err != nil {
		return nil, err
	}

	return &Signer{method: method, key: key}, nil
}

// Sign returns the unpadded base64url signature of message.
func (s *Signer) Sign(message []byte) (string, error) {
	return s.method.Sign(string(message), s.key)
}

func (s *Signer) Alg() string {
	return s.method.Alg()
}

func signingMethod(alg string) (jwt.SigningMethod, error) {
	if alg == "" {
		alg = DefaultAlg
	}

	method := jwt.GetSigningMethod(alg)
	if method == nil {
		return nil, errors.Errorf("unknown signature algorithm: %s", alg)
	}

	return method, nil
}

var base64URL = strings.NewReplacer("+", "-", "/", "_")

// normalizeSignature accepts standard or URL base64, padded or not.
func normalizeSignature(signature string) string {
	return strings.TrimRight(base64URL.Replace(signature), "=")
}
