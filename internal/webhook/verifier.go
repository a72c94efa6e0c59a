/**
 * @description
 * Authenticity checks for inbound Visa Direct notifications. Both schemes work
 * on the raw request bytes exactly as received and never look at decoded JSON.
 *
 * Key features:
 * - HMACVerifier: shared-secret HMAC-SHA256, constant-time comparison.
 * - CertificateVerifier: signer certificate chained to a trusted root, checked
 *   for its validity window and expected issuer, then used to verify the
 *   signature over the body.
 *
 * Callers only ever learn "valid" or ErrInvalidSignature.
 */
package webhook

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

// ErrInvalidSignature is the only verification error exposed to callers.
var ErrInvalidSignature = errors.New("invalid signature")

// Verifier decides whether a raw body was produced by the network.
type Verifier interface {
	Verify(rawBody []byte, signatureHeader string) bool
}

// HMACVerifier checks a hex HMAC-SHA256 of the raw body. The header may carry
// a "sha256=" prefix.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) (*HMACVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("webhook hmac secret is required")
	}
	return &HMACVerifier{secret: []byte(secret)}, nil
}

// Sign returns the header value the network would send for body.
func (v *HMACVerifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (v *HMACVerifier) Verify(rawBody []byte, signatureHeader string) bool {
	header := strings.TrimSpace(signatureHeader)
	if len(header) > len("sha256=") && strings.EqualFold(header[:len("sha256=")], "sha256=") {
		header = header[len("sha256="):]
	}
	provided, err := hex.DecodeString(header)
	if err != nil {
		provided = nil
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(rawBody)
	return hmac.Equal(provided, mac.Sum(nil))
}

// CertificateVerifier checks a "<base64 DER certificate>.<base64 signature>"
// header against a trusted root pool.
type CertificateVerifier struct {
	roots          *x509.CertPool
	intermediates  *x509.CertPool
	issuerContains string
	now            func() time.Time
}

// CertificateOption customizes a CertificateVerifier.
type CertificateOption func(*CertificateVerifier)

// WithIntermediates adds intermediate certificates used to build the chain.
func WithIntermediates(pool *x509.CertPool) CertificateOption {
	return func(v *CertificateVerifier) { v.intermediates = pool }
}

// WithClock replaces the clock used for the validity window.
func WithClock(now func() time.Time) CertificateOption {
	return func(v *CertificateVerifier) { v.now = now }
}

func NewCertificateVerifier(roots *x509.CertPool, issuerContains string, opts ...CertificateOption) (*CertificateVerifier, error) {
	if roots == nil {
		return nil, errors.New("webhook certificate verifier requires a root pool")
	}
	v := &CertificateVerifier{
		roots:          roots,
		issuerContains: strings.TrimSpace(issuerContains),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Verify runs every check regardless of earlier failures so the time taken
// does not reveal which one failed.
func (v *CertificateVerifier) Verify(rawBody []byte, signatureHeader string) bool {
	certPart, sigPart, _ := strings.Cut(strings.TrimSpace(signatureHeader), ".")
	der, derErr := base64.StdEncoding.DecodeString(certPart)
	sig, sigErr := base64.StdEncoding.DecodeString(sigPart)

	cert, parseErr := x509.ParseCertificate(der)
	if parseErr != nil || derErr != nil {
		cert = &x509.Certificate{}
	}

	now := v.now()
	chainOK := v.chainValid(cert, now)
	windowOK := !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)
	issuerOK := v.issuerContains == "" || strings.Contains(cert.Issuer.String(), v.issuerContains)
	sigOK := verifyBodySignature(cert, rawBody, sig)

	ok := derErr == nil
	ok = (sigErr == nil) && ok
	ok = (parseErr == nil) && ok
	ok = chainOK && ok
	ok = windowOK && ok
	ok = issuerOK && ok
	ok = sigOK && ok
	return ok
}

func (v *CertificateVerifier) chainValid(cert *x509.Certificate, now time.Time) bool {
	if cert.Raw == nil {
		return false
	}
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: v.intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err == nil
}

func verifyBodySignature(cert *x509.Certificate, body, sig []byte) bool {
	digest := sha256.Sum256(body)
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig) == nil
	case *ecdsa.PublicKey:
		return ecdsa.VerifyASN1(pub, digest[:], sig)
	default:
		return false
	}
}

// Check wraps a Verifier so callers get ErrInvalidSignature instead of a bool.
func Check(v Verifier, rawBody []byte, signatureHeader string) error {
	if v == nil || !v.Verify(rawBody, signatureHeader) {
		return ErrInvalidSignature
	}
	return nil
}
