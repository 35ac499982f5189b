package enroll

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"vehicles.ledger/vtrack/internal/identity"
)

// Request carries what an authority needs to issue an enrollment certificate.
type Request struct {
	URL          string
	CAName       string
	EnrollID     string
	EnrollSecret string
	MSPID        string
}

// Authority issues identities.
type Authority interface {
	Enroll(ctx context.Context, req Request) (*identity.Identity, error)
}

// HTTPAuthority talks to a fabric-ca style REST endpoint.
type HTTPAuthority struct {
	client *http.Client
}

// NewHTTPAuthority returns an authority using client, or a client with a
// sane timeout when nil.
func NewHTTPAuthority(client *http.Client) *HTTPAuthority {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPAuthority{client: client}
}

type enrollBody struct {
	CertificateRequest string `json:"certificate_request"`
	CAName             string `json:"caname,omitempty"`
}

type enrollResponse struct {
	Success bool `json:"success"`
	Result  struct {
		Cert string `json:"Cert"`
	} `json:"result"`
	Errors []struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Enroll generates a key, sends a CSR and builds the identity from the
// returned certificate.
func (a *HTTPAuthority) Enroll(ctx context.Context, req Request) (*identity.Identity, error) {
	key, err := identity.GenerateKey()
	if err != nil {
		return nil, err
	}
	csr, err := identity.CreateCSR(req.EnrollID, key)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(enrollBody{CertificateRequest: string(csr), CAName: req.CAName})
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(req.URL, "/") + "/api/v1/enroll"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build enroll request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(req.EnrollID, req.EnrollSecret)

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("enroll request: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read enroll response: %w", err)
	}

	var out enrollResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode enroll response (status %d): %w", resp.StatusCode, err)
	}
	if !out.Success || resp.StatusCode != http.StatusOK {
		msg := http.StatusText(resp.StatusCode)
		if len(out.Errors) > 0 {
			msg = out.Errors[0].Message
		}
		return nil, fmt.Errorf("authority rejected enrollment: %s", msg)
	}

	certPEM, err := base64.StdEncoding.DecodeString(out.Result.Cert)
	if err != nil {
		return nil, fmt.Errorf("decode certificate: %w", err)
	}
	return identity.New(req.EnrollID, req.MSPID, key, certPEM)
}

// LocalAuthority is an in-process certificate authority for demo mode. It
// accepts any enrollment id whose secret matches the registered one.
type LocalAuthority struct {
	mu       sync.Mutex
	root     *identity.Identity
	secrets  map[string]string
	validity time.Duration
	serial   int64
}

// NewLocalAuthority creates an authority with a fresh root and the given
// registered users (enroll id -> secret).
func NewLocalAuthority(mspID string, users map[string]string, validity time.Duration) (*LocalAuthority, error) {
	root, err := identity.NewSelfSigned("local-ca", mspID, 10*365*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("create local root: %w", err)
	}
	secrets := make(map[string]string, len(users))
	for id, secret := range users {
		secrets[id] = secret
	}
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}
	return &LocalAuthority{root: root, secrets: secrets, validity: validity}, nil
}

// Root returns the authority's root certificate.
func (a *LocalAuthority) Root() *x509.Certificate { return a.root.Certificate() }

// Enroll issues a certificate signed by the local root.
func (a *LocalAuthority) Enroll(ctx context.Context, req Request) (*identity.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	secret, ok := a.secrets[req.EnrollID]
	a.serial++
	serial := a.serial
	a.mu.Unlock()
	if !ok || secret != req.EnrollSecret {
		return nil, errors.New("authority rejected enrollment: invalid credentials")
	}

	key, err := identity.GenerateKey()
	if err != nil {
		return nil, err
	}
	nonce, err := rand.Int(rand.Reader, big.NewInt(1<<30))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: new(big.Int).Add(new(big.Int).Lsh(big.NewInt(serial), 32), nonce),
		Subject:      pkix.Name{CommonName: req.EnrollID, Organization: []string{req.MSPID}},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(a.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.root.Certificate(), key.Public(), a.root.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("issue certificate: %w", err)
	}
	return identity.New(req.EnrollID, req.MSPID, key, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}
