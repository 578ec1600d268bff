package audit

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
)

// Environment variables holding the collector credentials.
const (
	EnvCredentialsUser  = "HOSTNAME"
	EnvCredentialsToken = "CT_KEYCLOAK_BRIDGE_SECRET_TOKEN"
)

// Credentials authenticate the emitter to the HTTP collector with Basic auth.
type Credentials struct {
	Username string
	Password string
}

// CredentialsFromEnv reads the host name and the bridge secret token. It
// reports false when the token is unset.
func CredentialsFromEnv() (Credentials, bool) {
	token := os.Getenv(EnvCredentialsToken)
	if token == "" {
		return Credentials{}, false
	}
	return Credentials{Username: os.Getenv(EnvCredentialsUser), Password: token}, true
}

func (c Credentials) basicAuth() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// Signer signs request bodies for the collector. The result is sent in the
// signature header as is.
type Signer interface {
	Sign(body []byte) (string, error)
}

// RSASigner signs the SHA-256 digest of a body with RSA PKCS #1 v1.5 and
// returns it base64 encoded.
type RSASigner struct {
	key *rsa.PrivateKey
}

// NewRSASigner returns a signer for key.
func NewRSASigner(key *rsa.PrivateKey) *RSASigner {
	return &RSASigner{key: key}
}

// LoadRSASigner reads a PEM encoded PKCS #1 or PKCS #8 RSA private key.
func LoadRSASigner(path string) (*RSASigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("audit: no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return NewRSASigner(key), nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("audit: signing key in %s is %T, not RSA", path, parsed)
	}
	return NewRSASigner(key), nil
}

// Sign implements Signer.
func (s *RSASigner) Sign(body []byte) (string, error) {
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign body: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a signature produced by Sign against the public half.
func (s *RSASigner) Verify(body []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", err)
	}
	digest := sha256.Sum256(body)
	return rsa.VerifyPKCS1v15(&s.key.PublicKey, crypto.SHA256, digest[:], sig)
}
