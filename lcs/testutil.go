package lcs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"io/ioutil"
	"os"
)

const (
	TestUsername    = "furkan"
	TestDeviceID    = "test-device"
	TestAccessToken = "test-access-token"
	TestSessionCode = "test-session-code"

	TestLicenseID   = "5f0c3d7e-license"
	TestPackageID   = "com.example.app"
	TestLicenseName = "pro-license"
)

func SampleAccount(aGen ...func(a *AccountContext)) (a AccountContext) {
	a = AccountContext{
		Username:    TestUsername,
		DeviceID:    TestDeviceID,
		AccessToken: TestAccessToken,
		SessionCode: TestSessionCode,
	}

	if len(aGen) > 0 {
		aGen[0](&a)
	}
	return
}

// SampleKeyPair returns a fresh RSA key pair as PEM: a PKIX public key and a PKCS1 private key.
func SampleKeyPair() (publicPEM []byte, privatePEM []byte) {
	priv, _ := rsa.GenerateKey(rand.Reader, 2048)

	pubDER, _ := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return publicPEM, privatePEM
}

// SampleECKeyPair returns a fresh P-256 key pair as PEM.
func SampleECKeyPair() (publicPEM []byte, privatePEM []byte) {
	priv, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

	pubDER, _ := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	privDER, _ := x509.MarshalECPrivateKey(priv)
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privDER})

	return publicPEM, privatePEM
}

// SampleKeys writes a fresh RSA key pair to temp files. Callers close and remove them.
func SampleKeys() (publicKeyFile *os.File, privateKeyFile *os.File) {
	publicPEM, privatePEM := SampleKeyPair()

	publicKeyFile, _ = ioutil.TempFile("", "public-key.pem")
	_, _ = publicKeyFile.Write(publicPEM)

	privateKeyFile, _ = ioutil.TempFile("", "private-key.pem")
	_, _ = privateKeyFile.Write(privatePEM)

	return publicKeyFile, privateKeyFile
}
