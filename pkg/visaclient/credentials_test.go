package visaclient

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/transfa/visadirect-service/internal/domain"
)

func TestLoadCredentials_ListsEveryMissingVariable(t *testing.T) {
	src := CredentialSources{
		APIKey:          Source{Env: "VISA_API_KEY"},
		KeyID:           Source{Env: "VISA_KEY_ID", Value: "key"},
		SharedSecret:    Source{Env: "VISA_SHARED_SECRET"},
		OrganizationID:  Source{Env: "VISA_ORGANIZATION_ID", Value: "  "},
		CertificatePath: Source{Env: "VISA_CLIENT_CERT_PATH"},
		PrivateKeyPath:  Source{Env: "VISA_PRIVATE_KEY_PATH", Value: "/does/not/exist.pem"},
		RootCAPath:      Source{Env: "VISA_ROOT_CA_PATH"},
	}

	_, err := LoadCredentials(src)
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}

	want := []string{"VISA_API_KEY", "VISA_SHARED_SECRET", "VISA_ORGANIZATION_ID", "VISA_ROOT_CA_PATH", "VISA_CLIENT_CERT_PATH"}
	if fmt.Sprint(cfgErr.Missing) != fmt.Sprint(want) {
		t.Fatalf("expected missing %v, got %v", want, cfgErr.Missing)
	}
	if len(cfgErr.MissingFiles) != 0 {
		t.Fatalf("file checks must not run before every variable is present, got %v", cfgErr.MissingFiles)
	}
	for _, name := range want {
		if !strings.Contains(err.Error(), name) {
			t.Fatalf("expected error message to name %s, got %q", name, err.Error())
		}
	}
}

func TestLoadCredentials_ListsEveryMissingFile(t *testing.T) {
	src := writeTestPKI(t)
	dir := t.TempDir()
	src.CertificatePath.Value = filepath.Join(dir, "missing-cert.pem")
	src.RootCAPath.Value = filepath.Join(dir, "missing-root.pem")

	_, err := LoadCredentials(src)
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if len(cfgErr.MissingFiles) != 2 {
		t.Fatalf("expected two missing files, got %v", cfgErr.MissingFiles)
	}
	joined := strings.Join(cfgErr.MissingFiles, ",")
	if !strings.Contains(joined, "VISA_CLIENT_CERT_PATH") || !strings.Contains(joined, "VISA_ROOT_CA_PATH") {
		t.Fatalf("expected both variables to be named, got %v", cfgErr.MissingFiles)
	}
}

func TestLoadCredentials_KeystoreReplacesCertificatePair(t *testing.T) {
	src := CredentialSources{
		APIKey:          Source{Env: "VISA_API_KEY", Value: "k"},
		KeyID:           Source{Env: "VISA_KEY_ID", Value: "k"},
		SharedSecret:    Source{Env: "VISA_SHARED_SECRET", Value: "s"},
		OrganizationID:  Source{Env: "VISA_ORGANIZATION_ID", Value: "o"},
		CertificatePath: Source{Env: "VISA_CLIENT_CERT_PATH"},
		PrivateKeyPath:  Source{Env: "VISA_PRIVATE_KEY_PATH"},
		KeystorePath:    Source{Env: "VISA_KEYSTORE_PATH", Value: filepath.Join(t.TempDir(), "store.p12")},
		RootCAPath:      Source{Env: "VISA_ROOT_CA_PATH", Value: filepath.Join(t.TempDir(), "root.pem")},
	}

	_, err := LoadCredentials(src)
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if len(cfgErr.Missing) != 0 {
		t.Fatalf("certificate pair must not be required with a keystore, got %v", cfgErr.Missing)
	}
	if len(cfgErr.MissingFiles) != 2 {
		t.Fatalf("expected keystore and root ca to be reported missing, got %v", cfgErr.MissingFiles)
	}
}

func TestLoadCredentials_LoadsCertificatePair(t *testing.T) {
	creds := loadTestCredentials(t)

	if creds.APIKey() != "api-key-abcd1234" || creds.KeyID() != "key-123" || creds.OrganizationID() != "org-9" {
		t.Fatalf("unexpected identifiers: %s", creds)
	}
	if string(creds.SharedSecret()) != "shared-secret" {
		t.Fatalf("unexpected shared secret")
	}
	if creds.RootCAs() == nil {
		t.Fatal("expected root CA pool")
	}
	if len(creds.TLSCertificate().Certificate) == 0 {
		t.Fatal("expected client certificate chain")
	}
	if !strings.Contains(creds.CertificateSubject(), "merchant-client") {
		t.Fatalf("unexpected subject %q", creds.CertificateSubject())
	}
	if creds.UsesKeystore() {
		t.Fatal("expected PEM pair, not keystore")
	}
}

func TestLoadCredentials_RejectsGarbageRootCA(t *testing.T) {
	src := writeTestPKI(t)
	src.RootCAPath.Value = src.PrivateKeyPath.Value

	_, err := LoadCredentials(src)
	var cfgErr *domain.ConfigurationError
	if !errors.As(err, &cfgErr) || len(cfgErr.Invalid) == 0 {
		t.Fatalf("expected invalid configuration error, got %v", err)
	}
}

func TestCredentialsStringMasksSecrets(t *testing.T) {
	creds := loadTestCredentials(t)

	for _, s := range []string{creds.String(), fmt.Sprintf("%#v", creds)} {
		if strings.Contains(s, "api-key-abcd1234") || strings.Contains(s, "shared-secret") {
			t.Fatalf("secret leaked in %q", s)
		}
		if !strings.Contains(s, "1234") {
			t.Fatalf("expected last four characters to remain visible in %q", s)
		}
	}
}

func TestMaskTail(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "4111111111111111", want: "************1111"},
		{input: "abcd", want: "****"},
		{input: "", want: ""},
	}
	for _, tt := range tests {
		if got := MaskTail(tt.input); got != tt.want {
			t.Fatalf("MaskTail(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
