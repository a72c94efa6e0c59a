package visaclient

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeTestPKI generates a CA and a client certificate signed by it, writes
// them to a temp dir and returns fully populated sources.
func writeTestPKI(t *testing.T) CredentialSources {
	t.Helper()
	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate ca key: %v", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA", Organization: []string{"Visa Test"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create ca: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse ca: %v", err)
	}

	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "merchant-client"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	clientDER, err := x509.CreateCertificate(rand.Reader, clientTmpl, caCert, &clientKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("create client cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(clientKey)
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}

	caPath := filepath.Join(dir, "root.pem")
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	writePEM(t, caPath, "CERTIFICATE", caDER)
	writePEM(t, certPath, "CERTIFICATE", clientDER)
	writePEM(t, keyPath, "EC PRIVATE KEY", keyDER)

	return CredentialSources{
		APIKey:             Source{Env: "VISA_API_KEY", Value: "api-key-abcd1234"},
		KeyID:              Source{Env: "VISA_KEY_ID", Value: "key-123"},
		SharedSecret:       Source{Env: "VISA_SHARED_SECRET", Value: "shared-secret"},
		OrganizationID:     Source{Env: "VISA_ORGANIZATION_ID", Value: "org-9"},
		CertificatePath:    Source{Env: "VISA_CLIENT_CERT_PATH", Value: certPath},
		PrivateKeyPath:     Source{Env: "VISA_PRIVATE_KEY_PATH", Value: keyPath},
		KeystorePath:       Source{Env: "VISA_KEYSTORE_PATH"},
		KeystorePassword:   Source{Env: "VISA_KEYSTORE_PASSWORD"},
		RootCAPath:         Source{Env: "VISA_ROOT_CA_PATH", Value: caPath},
		IntermediateCAPath: Source{Env: "VISA_INTERMEDIATE_CA_PATH"},
	}
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func loadTestCredentials(t *testing.T) *Credentials {
	t.Helper()
	creds, err := LoadCredentials(writeTestPKI(t))
	if err != nil {
		t.Fatalf("LoadCredentials returned error: %v", err)
	}
	return creds
}
