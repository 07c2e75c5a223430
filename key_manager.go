package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"os"
	"strings"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/furkansenharputlu/f-license-validator/config"
	"github.com/furkansenharputlu/f-license-validator/lcs"
)

// KeyManager holds the key the sandbox signs its responses with.
type KeyManager struct {
	signer    *lcs.Signer
	publicPEM []byte
	id        string
}

// LoadKeyManager loads the signing key from opts.SigningKeyFile. A missing file is
// generated and saved; with no file configured an ephemeral key is used.
func LoadKeyManager(opts config.SandboxOptions) (*KeyManager, error) {
	alg := opts.SignatureAlg
	if alg == "" {
		alg = lcs.DefaultAlg
	}

	if opts.SigningKeyFile == "" {
		logrus.Warn("No signing key file configured, using an ephemeral key")
		key, err := generateKey(alg)
		if err != nil {
			return nil, err
		}
		return newKeyManager(alg, key)
	}

	raw, err := ioutil.ReadFile(opts.SigningKeyFile)
	if os.IsNotExist(err) {
		logrus.Infof("Signing key %s not found, generating one", opts.SigningKeyFile)
		key, err := generateKey(alg)
		if err != nil {
			return nil, err
		}

		if err := savePrivateKey(opts.SigningKeyFile, key); err != nil {
			return nil, err
		}
		return newKeyManager(alg, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "couldn't read signing key %s", opts.SigningKeyFile)
	}

	key, err := parsePrivateKey(alg, raw)
	if err != nil {
		return nil, err
	}

	return newKeyManager(alg, key)
}

func newKeyManager(alg string, key crypto.Signer) (*KeyManager, error) {
	signer, err := lcs.NewSignerFromKey(alg, key)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKIXPublicKey(key.Public())
	if err != nil {
		return nil, errors.Wrap(err, "couldn't marshal public key")
	}

	return &KeyManager{
		signer:    signer,
		publicPEM: pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}),
		id:        lcs.HexSHA256(der),
	}, nil
}

func (m *KeyManager) Signer() *lcs.Signer {
	return m.signer
}

// PublicKeyPEM is what clients provision as their trust key.
func (m *KeyManager) PublicKeyPEM() []byte {
	return m.publicPEM
}

// ID is a short fingerprint of the public key.
func (m *KeyManager) ID() string {
	return m.id
}

func ecAlg(alg string) bool {
	return strings.HasPrefix(alg, "ES")
}

func generateKey(alg string) (crypto.Signer, error) {
	if ecAlg(alg) {
		curve := elliptic.P256()
		switch alg {
		case "ES384":
			curve = elliptic.P384()
		case "ES512":
			curve = elliptic.P521()
		}

		key, err := ecdsa.GenerateKey(curve, rand.Reader)
		return key, errors.Wrap(err, "couldn't generate EC key")
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	return key, errors.Wrap(err, "couldn't generate RSA key")
}

func parsePrivateKey(alg string, raw []byte) (crypto.Signer, error) {
	if ecAlg(alg) {
		key, err := jwt.ParseECPrivateKeyFromPEM(raw)
		return key, errors.Wrap(err, "couldn't parse EC signing key")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(raw)
	return key, errors.Wrap(err, "couldn't parse RSA signing key")
}

func savePrivateKey(path string, key crypto.Signer) error {
	var block *pem.Block
	switch k := key.(type) {
	case *rsa.PrivateKey:
		block = &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k)}
	case *ecdsa.PrivateKey:
		der, err := x509.MarshalECPrivateKey(k)
		if err != nil {
			return errors.Wrap(err, "couldn't marshal EC key")
		}
		block = &pem.Block{Type: "EC PRIVATE KEY", Bytes: der}
	default:
		return errors.Errorf("unsupported key type %T", key)
	}

	return errors.Wrapf(ioutil.WriteFile(path, pem.EncodeToMemory(block), 0600), "couldn't save signing key %s", path)
}
