package main

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/furkansenharputlu/f-license-validator/config"
	"github.com/furkansenharputlu/f-license-validator/lcs"
)

func TestLoadKeyManager(t *testing.T) {
	message := []byte(`{"license":"pro-license"}`)

	roundTrip := func(t *testing.T, km *KeyManager) {
		signature, err := km.Signer().Sign(message)
		require.NoError(t, err)

		v, err := lcs.NewVerifier(km.Signer().Alg(), km.PublicKeyPEM(), nil)
		require.NoError(t, err)
		assert.True(t, v.Verify(message, signature))
	}

	t.Run("Ephemeral", func(t *testing.T) {
		km, err := LoadKeyManager(config.SandboxOptions{SignatureAlg: "RS256"})
		require.NoError(t, err)
		roundTrip(t, km)
	})

	t.Run("Generated and reloaded", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "signing.pem")
		opts := config.SandboxOptions{SigningKeyFile: path, SignatureAlg: "RS512"}

		first, err := LoadKeyManager(opts)
		require.NoError(t, err)
		roundTrip(t, first)

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		second, err := LoadKeyManager(opts)
		require.NoError(t, err)
		assert.Equal(t, first.ID(), second.ID())
		assert.Equal(t, first.PublicKeyPEM(), second.PublicKeyPEM())
	})

	t.Run("EC", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "signing.pem")
		opts := config.SandboxOptions{SigningKeyFile: path, SignatureAlg: "ES256"}

		km, err := LoadKeyManager(opts)
		require.NoError(t, err)
		roundTrip(t, km)

		reloaded, err := LoadKeyManager(opts)
		require.NoError(t, err)
		assert.Equal(t, km.ID(), reloaded.ID())
	})

	t.Run("Existing key", func(t *testing.T) {
		_, privatePEM := lcs.SampleKeyPair()
		path := filepath.Join(t.TempDir(), "signing.pem")
		require.NoError(t, ioutil.WriteFile(path, privatePEM, 0600))

		km, err := LoadKeyManager(config.SandboxOptions{SigningKeyFile: path})
		require.NoError(t, err)
		assert.Equal(t, "RS256", km.Signer().Alg())
		roundTrip(t, km)
	})

	t.Run("Invalid key file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "signing.pem")
		require.NoError(t, ioutil.WriteFile(path, []byte("not a key"), 0600))

		_, err := LoadKeyManager(config.SandboxOptions{SigningKeyFile: path, SignatureAlg: "RS256"})
		assert.Error(t, err)
	})
}
