package actions

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/raidan-labs/provisiond/pkg/engine"
)

// Origin certificate files written to out_dir.
const (
	OriginCertFile = "origin.pem"
	OriginKeyFile  = "origin.key"
)

const (
	defaultValidityDays = 5475
	renewBefore         = 30 * 24 * time.Hour
)

type certificateResult struct {
	ID          string `json:"id"`
	Certificate string `json:"certificate"`
	ExpiresOn   string `json:"expires_on"`
}

// originCertificate issues a Cloudflare origin certificate for the
// requested hostnames. A certificate already in out_dir that covers them
// and is not close to expiry is kept.
func (c *Cloudflare) originCertificate(ctx context.Context, client *cfClient, req engine.ActionRequest) (string, error) {
	if err := required(req, "out_dir"); err != nil {
		return "", err
	}
	hostnames := list(req.Param("hostnames"))
	if len(hostnames) == 0 {
		hostnames = []string{req.Param("zone"), "*." + req.Param("zone")}
	}
	validity := defaultValidityDays
	if v := req.Param("validity_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return "", engine.NewFatalError(fmt.Sprintf("invalid validity_days %q", v), err).WithCode(engine.ErrCodeValidation)
		}
		validity = n
	}

	dir := req.Param("out_dir")
	certPath := filepath.Join(dir, OriginCertFile)
	keyPath := filepath.Join(dir, OriginKeyFile)
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	if cert, ok := loadCertificate(certPath, keyPath); ok && covers(cert, hostnames) && cert.NotAfter.Sub(now()) > renewBefore {
		return fmt.Sprintf("origin certificate %s valid until %s", certPath, cert.NotAfter.Format(time.DateOnly)), nil
	}

	key, csr, err := newCSR(hostnames)
	if err != nil {
		return "", engine.NewFatalError("cannot create certificate request", err)
	}
	body := map[string]interface{}{
		"hostnames":          hostnames,
		"requested_validity": validity,
		"request_type":       "origin-ecc",
		"csr":                string(csr),
	}
	var result certificateResult
	if _, err := client.do(ctx, http.MethodPost, "/certificates", body, &result); err != nil {
		return "", fmt.Errorf("issue origin certificate: %w", err)
	}
	if result.Certificate == "" {
		return "", engine.NewFatalError("origin certificate response has no certificate", nil)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", engine.NewFatalError("cannot create "+dir, err)
	}
	if err := os.WriteFile(keyPath, key, 0o600); err != nil {
		return "", engine.NewFatalError("cannot write "+keyPath, err)
	}
	if err := os.WriteFile(certPath, []byte(result.Certificate), 0o644); err != nil {
		return "", engine.NewFatalError("cannot write "+certPath, err)
	}
	return fmt.Sprintf("origin certificate %s issued for %v", result.ID, hostnames), nil
}

// newCSR returns a PEM encoded P-256 key and a CSR for hostnames.
func newCSR(hostnames []string) (keyPEM, csrPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: hostnames[0]},
		DNSNames: hostnames,
	}, key)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	csrPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	return keyPEM, csrPEM, nil
}

func loadCertificate(certPath, keyPath string) (*x509.Certificate, bool) {
	if _, err := os.Stat(keyPath); err != nil {
		return nil, false
	}
	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, false
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, false
	}
	return cert, true
}

func covers(cert *x509.Certificate, hostnames []string) bool {
	for _, h := range hostnames {
		if cert.VerifyHostname(h) != nil && !contains(cert.DNSNames, h) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
