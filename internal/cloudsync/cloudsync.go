package cloudsync

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dgrayson/pitchcap/pkg/logger"
)

var log = logger.Get("CloudSync")

const (
	publicKeyPathSuffix = "/public_key"
	syncPathSuffix      = "/sync"

	envelopeAlgorithm = "AES-256-CBC+RSA-OAEP"
)

type (
	Config struct {
		EndpointURL string
		Username    string
	}

	// envelope is the wire shape of one hybrid-encrypted payload: the data
	// under a fresh AES-256-CBC key, the key itself under the server's RSA
	// public key with OAEP(SHA-256).
	envelope struct {
		EncryptedData string `json:"encrypted_data"`
		EncryptedKey  string `json:"encrypted_key"`
		IV            string `json:"iv"`
		Algorithm     string `json:"algorithm"`
	}

	syncRequest struct {
		Username      string   `json:"username"`
		EncryptedData envelope `json:"encrypted_data"`
	}

	publicKeyResponse struct {
		PublicKey string `json:"public_key"`
	}

	// syncClient backs up the operator's config file to the sync endpoint.
	// The server never sees the plaintext: it stores the envelope and only
	// the holder of the RSA private key can open it.
	syncClient struct {
		config Config
		client *http.Client
	}
)

func New(config Config) *syncClient {
	return &syncClient{
		config: config,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// BackupFile encrypts the file at the path provided and ships it to the
// sync endpoint.
func (sync *syncClient) BackupFile(ctx context.Context, path string) error {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	publicKey, err := sync.fetchPublicKey(ctx)
	if err != nil {
		return err
	}

	sealed, err := seal(plaintext, publicKey)
	if err != nil {
		return err
	}

	body, err := json.Marshal(syncRequest{Username: sync.config.Username, EncryptedData: *sealed})
	if err != nil {
		return err
	}

	endpoint := strings.TrimSuffix(sync.config.EndpointURL, "/") + syncPathSuffix
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := sync.client.Do(request)
	if err != nil {
		return fmt.Errorf("config sync failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		responseBody, _ := io.ReadAll(response.Body)
		return fmt.Errorf("config sync returned %s: %s", response.Status, string(responseBody))
	}

	log.Infof("Config backed up to %s\n", sync.config.EndpointURL)
	return nil
}

func (sync *syncClient) fetchPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	endpoint := strings.TrimSuffix(sync.config.EndpointURL, "/") + publicKeyPathSuffix
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	response, err := sync.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("public key fetch failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("public key fetch returned %s", response.Status)
	}

	var keyResponse publicKeyResponse
	if err := json.NewDecoder(response.Body).Decode(&keyResponse); err != nil {
		return nil, fmt.Errorf("public key response malformed: %w", err)
	}

	return parsePublicKey([]byte(keyResponse.PublicKey))
}

func parsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("public key is not PEM")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("public key unparseable: %w", err)
	}

	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, expected RSA", parsed)
	}

	return rsaKey, nil
}

// seal performs the hybrid encryption: AES-256-CBC with PKCS#7 padding and
// a random 128-bit IV over the plaintext, then RSA-OAEP(SHA-256) over the
// symmetric key.
func seal(plaintext []byte, publicKey *rsa.PublicKey) (*envelope, error) {
	symmetricKey := make([]byte, 32)
	if _, err := rand.Read(symmetricKey); err != nil {
		return nil, err
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(symmetricKey)
	if err != nil {
		return nil, err
	}

	padded := padPKCS7(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	encryptedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, symmetricKey, nil)
	if err != nil {
		return nil, fmt.Errorf("key wrap failed: %w", err)
	}

	return &envelope{
		EncryptedData: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedKey:  base64.StdEncoding.EncodeToString(encryptedKey),
		IV:            base64.StdEncoding.EncodeToString(iv),
		Algorithm:     envelopeAlgorithm,
	}, nil
}

// open reverses seal given the RSA private key. Only used by tests; the
// daemon never holds the private key.
func open(sealed *envelope, privateKey *rsa.PrivateKey) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.EncryptedData)
	if err != nil {
		return nil, err
	}
	encryptedKey, err := base64.StdEncoding.DecodeString(sealed.EncryptedKey)
	if err != nil {
		return nil, err
	}
	iv, err := base64.StdEncoding.DecodeString(sealed.IV)
	if err != nil {
		return nil, err
	}

	symmetricKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, privateKey, encryptedKey, nil)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(symmetricKey)
	if err != nil {
		return nil, err
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext not block-aligned")
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return unpadPKCS7(padded, aes.BlockSize)
}

func padPKCS7(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padding)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	return padded
}

func unpadPKCS7(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(data))
	}

	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize || padding > len(data) {
		return nil, fmt.Errorf("invalid padding byte %d", padding)
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}

	return data[:len(data)-padding], nil
}
