package services_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pandeptwidyaop/formexport/internal/services"
)

func writePEM(t *testing.T, dir, name string, block *pem.Block) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0600))
	return path
}

func writeRSAKey(t *testing.T, dir string) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	path := writePEM(t, dir, "key.pem", &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return path, key
}

func TestReadPrivateKey_PKCS1(t *testing.T) {
	path, key := writeRSAKey(t, t.TempDir())

	got, err := services.ReadPrivateKey(path)
	require.NoError(t, err)
	assert.True(t, key.Equal(got))
}

func TestReadPrivateKey_PKCS8(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	path := writePEM(t, t.TempDir(), "pkcs8.pem", &pem.Block{Type: "PRIVATE KEY", Bytes: der})

	got, err := services.ReadPrivateKey(path)
	require.NoError(t, err)
	assert.True(t, key.Equal(got))
}

func TestReadPrivateKey_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := services.ReadPrivateKey(filepath.Join(dir, "missing.pem"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a key"), 0600))
	_, err = services.ReadPrivateKey(garbage)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid PEM private key")

	encrypted := writePEM(t, dir, "encrypted.pem", &pem.Block{
		Type:    "RSA PRIVATE KEY",
		Headers: map[string]string{"Proc-Type": "4,ENCRYPTED", "DEK-Info": "AES-256-CBC,00000000000000000000000000000000"},
		Bytes:   []byte{1, 2, 3, 4},
	})
	_, err = services.ReadPrivateKey(encrypted)
	assert.ErrorIs(t, err, services.ErrKeyPassphrase)

	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(ecKey)
	require.NoError(t, err)
	ec := writePEM(t, dir, "ec.pem", &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	_, err = services.ReadPrivateKey(ec)
	assert.ErrorIs(t, err, services.ErrKeyNotRSA)
}

func TestKeyFileValidator(t *testing.T) {
	dir := t.TempDir()
	path, _ := writeRSAKey(t, dir)
	v := services.NewKeyFileValidator()

	assert.Empty(t, v.ValidateKeyFile(path))

	problems := v.ValidateKeyFile(filepath.Join(dir, "nope.pem"))
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0], "does not exist")
}
