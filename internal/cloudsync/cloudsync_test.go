package cloudsync

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/dgrayson/pitchcap/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.SetMinLoggingLevel(logger.VERBOSE.Level())
}

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func publicKeyPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestSeal_RoundTripsThroughOpen(t *testing.T) {
	key := generateKey(t)
	plaintext := []byte("[CAMERA]\nDEVICE_IP = 192.168.1.108\n")

	sealed, err := seal(plaintext, &key.PublicKey)
	require.NoError(t, err)
	assert.Equal(t, envelopeAlgorithm, sealed.Algorithm)

	opened, err := open(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSeal_FreshKeyAndIVPerEnvelope(t *testing.T) {
	key := generateKey(t)
	plaintext := []byte("same plaintext")

	first, err := seal(plaintext, &key.PublicKey)
	require.NoError(t, err)
	second, err := seal(plaintext, &key.PublicKey)
	require.NoError(t, err)

	assert.NotEqual(t, first.IV, second.IV)
	assert.NotEqual(t, first.EncryptedKey, second.EncryptedKey)
	assert.NotEqual(t, first.EncryptedData, second.EncryptedData)
}

func TestSeal_EmptyPlaintext(t *testing.T) {
	key := generateKey(t)

	sealed, err := seal(nil, &key.PublicKey)
	require.NoError(t, err)

	opened, err := open(sealed, key)
	require.NoError(t, err)
	assert.Empty(t, opened)
}

func TestPadPKCS7(t *testing.T) {
	// Exactly one block of input gains a full block of padding.
	padded := padPKCS7(make([]byte, 16), 16)
	assert.Len(t, padded, 32)
	assert.EqualValues(t, 16, padded[31])

	padded = padPKCS7([]byte("abc"), 16)
	assert.Len(t, padded, 16)
	assert.EqualValues(t, 13, padded[15])

	unpadded, err := unpadPKCS7(padded, 16)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), unpadded)
}

func TestUnpadPKCS7_RejectsCorruptPadding(t *testing.T) {
	_, err := unpadPKCS7(nil, 16)
	assert.Error(t, err)

	_, err = unpadPKCS7(make([]byte, 15), 16)
	assert.Error(t, err, "length must be block-aligned")

	corrupt := padPKCS7([]byte("abc"), 16)
	corrupt[14] = 0x01
	_, err = unpadPKCS7(corrupt, 16)
	assert.Error(t, err, "padding bytes must agree")

	zero := make([]byte, 16)
	_, err = unpadPKCS7(zero, 16)
	assert.Error(t, err, "padding byte of zero is invalid")
}

func TestParsePublicKey_RejectsNonRSAKeys(t *testing.T) {
	_, err := parsePublicKey([]byte("not pem at all"))
	assert.Error(t, err)
}

func TestBackupFile_ShipsAnOpenableEnvelope(t *testing.T) {
	key := generateKey(t)
	contents := []byte("[YOUTUBE]\nCLIENT_SECRET = hunter2\n")

	configPath := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(configPath, contents, 0o644))

	var received syncRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case publicKeyPathSuffix:
			json.NewEncoder(w).Encode(publicKeyResponse{PublicKey: publicKeyPEM(t, key)})
		case syncPathSuffix:
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := New(Config{EndpointURL: server.URL, Username: "operator"})
	require.NoError(t, client.BackupFile(context.Background(), configPath))

	assert.Equal(t, "operator", received.Username)
	assert.Equal(t, envelopeAlgorithm, received.EncryptedData.Algorithm)

	opened, err := open(&received.EncryptedData, key)
	require.NoError(t, err)
	assert.Equal(t, contents, opened)
}

func TestBackupFile_PropagatesServerRejection(t *testing.T) {
	key := generateKey(t)
	configPath := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(configPath, []byte("x"), 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == publicKeyPathSuffix {
			json.NewEncoder(w).Encode(publicKeyResponse{PublicKey: publicKeyPEM(t, key)})
			return
		}

		http.Error(w, "unknown user", http.StatusForbidden)
	}))
	defer server.Close()

	client := New(Config{EndpointURL: server.URL, Username: "stranger"})
	err := client.BackupFile(context.Background(), configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
