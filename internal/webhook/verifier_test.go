package webhook

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"math/big"
	"testing"
	"time"
)

func TestHMACVerifierAcceptsOwnSignature(t *testing.T) {
	v, err := NewHMACVerifier("whsec")
	if err != nil {
		t.Fatalf("NewHMACVerifier returned error: %v", err)
	}
	body := []byte(`{"eventId":"evt_1", "actionCode":"00"}`)
	sig := v.Sign(body)

	if !v.Verify(body, sig) {
		t.Fatal("expected signature to verify")
	}
	if !v.Verify(body, "sha256="+sig) {
		t.Fatal("expected prefixed signature to verify")
	}
	if err := Check(v, body, sig); err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
}

func TestHMACVerifierRejectsEverySingleByteMutation(t *testing.T) {
	v, _ := NewHMACVerifier("whsec")
	body := []byte(`{"eventId":"evt_1","status":"SUCCESS"}`)
	sig := v.Sign(body)

	for i := range body {
		tampered := append([]byte(nil), body...)
		tampered[i] ^= 0x01
		if v.Verify(tampered, sig) {
			t.Fatalf("mutation at byte %d was accepted", i)
		}
	}
}

func TestHMACVerifierRejectsGarbageHeaders(t *testing.T) {
	v, _ := NewHMACVerifier("whsec")
	other, _ := NewHMACVerifier("other")
	body := []byte(`{}`)

	for _, header := range []string{"", "sha256=", "not-hex", other.Sign(body)} {
		if err := Check(v, body, header); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("header %q: expected ErrInvalidSignature, got %v", header, err)
		}
	}
}

func TestNewHMACVerifierRequiresSecret(t *testing.T) {
	if _, err := NewHMACVerifier("  "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}

type testPKI struct {
	roots   *x509.CertPool
	leafDER []byte
	leafKey *ecdsa.PrivateKey
}

func newTestPKI(t *testing.T, issuerOrg string, notBefore, notAfter time.Time) testPKI {
	t.Helper()
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Webhook Root", Organization: []string{issuerOrg}},
		NotBefore:             time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:              time.Date(2040, 1, 1, 0, 0, 0, 0, time.UTC),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create ca: %v", err)
	}
	caCert, _ := x509.ParseCertificate(caDER)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate leaf key: %v", err)
	}
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "webhooks.visa.test"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, caCert, &leafKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create leaf: %v", err)
	}

	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	return testPKI{roots: roots, leafDER: leafDER, leafKey: leafKey}
}

func (p testPKI) header(t *testing.T, body []byte) string {
	t.Helper()
	digest := sha256.Sum256(body)
	sig, err := ecdsa.SignASN1(rand.Reader, p.leafKey, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(p.leafDER) + "." + base64.StdEncoding.EncodeToString(sig)
}

func TestCertificateVerifier(t *testing.T) {
	notBefore := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	inWindow := func() time.Time { return time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC) }
	expired := func() time.Time { return time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC) }

	pki := newTestPKI(t, "Visa Inc", notBefore, notAfter)
	untrusted := newTestPKI(t, "Visa Inc", notBefore, notAfter)
	body := []byte(`{"eventId":"evt_9","actionCode":"00"}`)
	header := pki.header(t, body)

	tests := []struct {
		name   string
		roots  *x509.CertPool
		issuer string
		clock  func() time.Time
		body   []byte
		header string
		want   bool
	}{
		{name: "valid", roots: pki.roots, issuer: "Visa", clock: inWindow, body: body, header: header, want: true},
		{name: "expired", roots: pki.roots, issuer: "Visa", clock: expired, body: body, header: header},
		{name: "wrong issuer", roots: pki.roots, issuer: "Mastercard", clock: inWindow, body: body, header: header},
		{name: "untrusted root", roots: untrusted.roots, issuer: "Visa", clock: inWindow, body: body, header: header},
		{name: "tampered body", roots: pki.roots, issuer: "Visa", clock: inWindow, body: []byte(`{"eventId":"evt_9","actionCode":"05"}`), header: header},
		{name: "malformed header", roots: pki.roots, issuer: "Visa", clock: inWindow, body: body, header: "%%%"},
		{name: "empty header", roots: pki.roots, issuer: "Visa", clock: inWindow, body: body, header: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewCertificateVerifier(tt.roots, tt.issuer, WithClock(tt.clock))
			if err != nil {
				t.Fatalf("NewCertificateVerifier returned error: %v", err)
			}
			if got := v.Verify(tt.body, tt.header); got != tt.want {
				t.Fatalf("expected %t, got %t", tt.want, got)
			}
		})
	}
}
