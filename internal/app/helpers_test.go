package app

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/visadirect-service/internal/domain"
	"github.com/transfa/visadirect-service/internal/store"
	"github.com/transfa/visadirect-service/pkg/visaclient"
)

// fakeTransport answers network calls from a handler and records every call.
type fakeTransport struct {
	mu      sync.Mutex
	calls   []visaclient.Request
	handler func(req visaclient.Request) (*visaclient.Response, error)
}

func (f *fakeTransport) Do(ctx context.Context, req visaclient.Request) (*visaclient.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	handler := f.handler
	f.mu.Unlock()
	return handler(req)
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeTransport) lastCall() visaclient.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func jsonResponse(status int, body string) *visaclient.Response {
	return &visaclient.Response{StatusCode: status, Body: []byte(body)}
}

// actionCodeTransport answers every call with a 200 and the given action code.
func actionCodeTransport(code string) *fakeTransport {
	return &fakeTransport{handler: func(req visaclient.Request) (*visaclient.Response, error) {
		return jsonResponse(200, `{"transactionIdentifier":381228649430011,"actionCode":"`+code+`","approvalCode":"98765"}`), nil
	}}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.TransferStatusEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	return nil
}

func (p *recordingPublisher) PublishStatusEvent(ctx context.Context, event domain.TransferStatusEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) statuses() []domain.TransferStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.TransferStatus, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Status)
	}
	return out
}

func strPtr(v string) *string { return &v }

func mustUUID(t *testing.T, v string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(v)
	if err != nil {
		t.Fatalf("invalid uuid %q: %v", v, err)
	}
	return id
}

func testSettings() Settings {
	return Settings{
		AcquiringBIN:          "408999",
		AcquirerCountryCode:   "826",
		BusinessApplicationID: "PP",
		CardAcceptor:          visaclient.CardAcceptor{Name: "Transfa", TerminalID: "TID-0001", IDCode: "CA-IDCode-77765", Address: visaclient.Address{Country: "GBR"}},
		DefaultCurrency:       "GBP",
		SupportedCurrencies:   []string{"GBP", "USD", "EUR"},
	}
}

func newTestService(t *testing.T, transport Transport) (*Service, *store.SQLiteRepository, *recordingPublisher) {
	t.Helper()
	repo, err := store.NewSQLiteRepository(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteRepository returned error: %v", err)
	}
	t.Cleanup(repo.Close)
	publisher := &recordingPublisher{}
	return NewService(transport, repo, publisher, testSettings()), repo, publisher
}

func validTransferRequest() domain.TransferRequest {
	return domain.TransferRequest{
		SenderAccountRef:    "4111111111111111",
		RecipientAccountRef: "4242424242424242",
		Amount:              mustDecimal("100.00"),
		Currency:            "GBP",
		SenderName:          "Ada Sender",
		RecipientName:       "Bob Recipient",
		Purpose:             "family support",
	}
}

// writeTestCredentials writes a self-signed client certificate and returns
// loaded credentials for building a real visaclient.Client.
func writeTestCredentials(t *testing.T) *visaclient.Credentials {
	t.Helper()
	dir := t.TempDir()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "visadirect-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}

	creds, err := visaclient.LoadCredentials(visaclient.CredentialSources{
		APIKey:          visaclient.Source{Env: "VISA_API_KEY", Value: "api-key-abcd1234"},
		KeyID:           visaclient.Source{Env: "VISA_KEY_ID", Value: "key-123"},
		SharedSecret:    visaclient.Source{Env: "VISA_SHARED_SECRET", Value: "shared-secret"},
		OrganizationID:  visaclient.Source{Env: "VISA_ORGANIZATION_ID", Value: "org-9"},
		CertificatePath: visaclient.Source{Env: "VISA_CLIENT_CERT_PATH", Value: certPath},
		PrivateKeyPath:  visaclient.Source{Env: "VISA_PRIVATE_KEY_PATH", Value: keyPath},
		RootCAPath:      visaclient.Source{Env: "VISA_ROOT_CA_PATH", Value: certPath},
	})
	if err != nil {
		t.Fatalf("LoadCredentials returned error: %v", err)
	}
	return creds
}
