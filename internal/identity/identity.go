// Package identity holds the enrolled admin identity: an ed25519 keypair
// plus the certificate the certificate authority issued for it. An Identity
// is immutable; re-enrollment produces a new one that replaces the old value
// wholesale.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Identity is an enrolled identity used to sign ledger calls.
type Identity struct {
	enrollID     string
	mspID        string
	privateKey   ed25519.PrivateKey
	certPEM      []byte
	cert         *x509.Certificate
	publicKeyHex string
}

// New builds an Identity from a private key and the PEM certificate issued
// for it. The certificate must carry the key's public half.
func New(enrollID, mspID string, privKey ed25519.PrivateKey, certPEM []byte) (*Identity, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("failed to decode PEM certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}

	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("certificate key is not ed25519")
	}
	if !bytes.Equal(pub, privKey.Public().(ed25519.PublicKey)) {
		return nil, errors.New("certificate does not match private key")
	}

	return &Identity{
		enrollID:     enrollID,
		mspID:        mspID,
		privateKey:   privKey,
		certPEM:      append([]byte(nil), certPEM...),
		cert:         cert,
		publicKeyHex: hex.EncodeToString(pub),
	}, nil
}

// EnrollID is the CA enrollment id this identity was issued for.
func (i *Identity) EnrollID() string { return i.enrollID }

// MSPID is the membership service provider the identity belongs to.
func (i *Identity) MSPID() string { return i.mspID }

// PrivateKey returns the raw private key
func (i *Identity) PrivateKey() ed25519.PrivateKey { return i.privateKey }

// CertificatePEM returns the enrollment certificate in PEM form.
func (i *Identity) CertificatePEM() []byte { return i.certPEM }

// Certificate returns the parsed enrollment certificate.
func (i *Identity) Certificate() *x509.Certificate { return i.cert }

// PublicKeyHex is the hex-encoded public key, used as the signer id on
// ledger transactions.
func (i *Identity) PublicKeyHex() string { return i.publicKeyHex }

// Expired reports whether the certificate is no longer valid at t.
func (i *Identity) Expired(t time.Time) bool {
	return t.After(i.cert.NotAfter)
}

// Sign signs the provided message with the identity's private key
func (i *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(i.privateKey, message)
}

// Verify verifies a signature against a message using the identity's public key
func (i *Identity) Verify(message, signature []byte) bool {
	return ed25519.Verify(i.privateKey.Public().(ed25519.PublicKey), message, signature)
}

// GenerateKey creates a fresh ed25519 key for an enrollment request.
func GenerateKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return priv, nil
}

// NewSelfSigned creates a fresh key and a self-signed certificate that may
// also sign other certificates. Used for the in-process authority root and in
// demo mode.
func NewSelfSigned(enrollID, mspID string, validity time.Duration) (*Identity, error) {
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: enrollID, Organization: []string{mspID}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	return New(enrollID, mspID, key, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

// CreateCSR builds a PEM certificate signing request for enrollID.
func CreateCSR(enrollID string, privKey ed25519.PrivateKey) ([]byte, error) {
	tmpl := &x509.CertificateRequest{
		Subject: pkix.Name{CommonName: enrollID},
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, privKey)
	if err != nil {
		return nil, fmt.Errorf("create csr: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// EncodeKey encodes a private key as PKCS8 PEM.
func EncodeKey(privKey ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// DecodeKey parses a PKCS8 PEM ed25519 private key.
func DecodeKey(keyPEM []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("failed to decode PEM block from key file")
	}

	genericKey, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	privKey, ok := genericKey.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("key is not an ed25519 private key")
	}
	return privKey, nil
}
