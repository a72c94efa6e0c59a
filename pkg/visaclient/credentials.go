/**
 * @description
 * Credential loading for the Visa Direct client. All certificate, key and CA
 * material is read once, here, and handed to the transport as an immutable
 * value. Loading happens in three passes so that a misconfigured deployment
 * reports every problem at once:
 *
 *  1. every required variable is checked for presence (no file access yet),
 *  2. every referenced file is checked for existence,
 *  3. files are read and parsed.
 *
 * @dependencies
 * - golang.org/x/crypto/pkcs12: decodes the optional PKCS#12 keystore.
 */
package visaclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/transfa/visadirect-service/internal/domain"
	"golang.org/x/crypto/pkcs12"
)

// Source is one configuration input together with the variable it came from.
type Source struct {
	Env   string
	Value string
}

func (s Source) present() bool {
	return strings.TrimSpace(s.Value) != ""
}

// CredentialSources lists every input the loader understands.
type CredentialSources struct {
	APIKey             Source
	KeyID              Source
	SharedSecret       Source
	OrganizationID     Source
	CertificatePath    Source
	PrivateKeyPath     Source
	KeystorePath       Source
	KeystorePassword   Source
	RootCAPath         Source
	IntermediateCAPath Source
}

// Credentials holds everything needed to authenticate to the network.
// It is immutable after LoadCredentials returns and safe for concurrent reads.
type Credentials struct {
	apiKey         string
	keyID          string
	sharedSecret   []byte
	organizationID string
	certificate    []byte
	privateKey     []byte
	keystore       []byte
	rootCA         []byte
	intermediateCA []byte

	tlsCert tls.Certificate
	caPool  *x509.CertPool
}

// LoadCredentials validates and loads the credential set described by src.
func LoadCredentials(src CredentialSources) (*Credentials, error) {
	useKeystore := src.KeystorePath.present()

	// Pass 1: presence of every required variable.
	cfgErr := &domain.ConfigurationError{}
	required := []Source{src.APIKey, src.KeyID, src.SharedSecret, src.OrganizationID, src.RootCAPath}
	if !useKeystore {
		required = append(required, src.CertificatePath, src.PrivateKeyPath)
	}
	for _, s := range required {
		if !s.present() {
			cfgErr.Missing = append(cfgErr.Missing, s.Env)
		}
	}
	if cfgErr.HasProblems() {
		return nil, cfgErr
	}

	// Pass 2: existence of every referenced file.
	files := []Source{src.RootCAPath}
	if useKeystore {
		files = append(files, src.KeystorePath)
	} else {
		files = append(files, src.CertificatePath, src.PrivateKeyPath)
	}
	if src.IntermediateCAPath.present() {
		files = append(files, src.IntermediateCAPath)
	}
	for _, f := range files {
		if _, err := os.Stat(strings.TrimSpace(f.Value)); err != nil {
			cfgErr.MissingFiles = append(cfgErr.MissingFiles, fmt.Sprintf("%s (%s)", f.Env, strings.TrimSpace(f.Value)))
		}
	}
	if cfgErr.HasProblems() {
		return nil, cfgErr
	}

	// Pass 3: read and parse.
	creds := &Credentials{
		apiKey:         strings.TrimSpace(src.APIKey.Value),
		keyID:          strings.TrimSpace(src.KeyID.Value),
		sharedSecret:   []byte(strings.TrimSpace(src.SharedSecret.Value)),
		organizationID: strings.TrimSpace(src.OrganizationID.Value),
	}

	var err error
	if creds.rootCA, err = readFile(src.RootCAPath); err != nil {
		return nil, err
	}
	if src.IntermediateCAPath.present() {
		if creds.intermediateCA, err = readFile(src.IntermediateCAPath); err != nil {
			return nil, err
		}
	}

	if useKeystore {
		if creds.keystore, err = readFile(src.KeystorePath); err != nil {
			return nil, err
		}
		creds.tlsCert, err = decodeKeystore(creds.keystore, src.KeystorePassword.Value)
		if err != nil {
			return nil, &domain.ConfigurationError{Invalid: []string{fmt.Sprintf("%s: %v", src.KeystorePath.Env, err)}}
		}
	} else {
		if creds.certificate, err = readFile(src.CertificatePath); err != nil {
			return nil, err
		}
		if creds.privateKey, err = readFile(src.PrivateKeyPath); err != nil {
			return nil, err
		}
		creds.tlsCert, err = tls.X509KeyPair(creds.certificate, creds.privateKey)
		if err != nil {
			return nil, &domain.ConfigurationError{Invalid: []string{fmt.Sprintf("%s/%s: %v", src.CertificatePath.Env, src.PrivateKeyPath.Env, err)}}
		}
	}

	creds.caPool = x509.NewCertPool()
	if !creds.caPool.AppendCertsFromPEM(creds.rootCA) {
		return nil, &domain.ConfigurationError{Invalid: []string{src.RootCAPath.Env + ": no PEM certificates found"}}
	}
	if len(creds.intermediateCA) > 0 && !creds.caPool.AppendCertsFromPEM(creds.intermediateCA) {
		return nil, &domain.ConfigurationError{Invalid: []string{src.IntermediateCAPath.Env + ": no PEM certificates found"}}
	}

	return creds, nil
}

func readFile(s Source) ([]byte, error) {
	data, err := os.ReadFile(strings.TrimSpace(s.Value))
	if err != nil {
		return nil, &domain.ConfigurationError{Invalid: []string{fmt.Sprintf("%s: %v", s.Env, err)}}
	}
	return data, nil
}

func decodeKeystore(data []byte, password string) (tls.Certificate, error) {
	key, cert, err := pkcs12.Decode(data, password)
	if err != nil {
		return tls.Certificate{}, err
	}
	if cert == nil || key == nil {
		return tls.Certificate{}, errors.New("keystore does not contain a certificate and private key")
	}
	return tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}, nil
}

func (c *Credentials) APIKey() string         { return c.apiKey }
func (c *Credentials) KeyID() string          { return c.keyID }
func (c *Credentials) OrganizationID() string { return c.organizationID }

// SharedSecret returns a copy of the HMAC signing key.
func (c *Credentials) SharedSecret() []byte {
	out := make([]byte, len(c.sharedSecret))
	copy(out, c.sharedSecret)
	return out
}

// TLSCertificate is the client certificate presented during the handshake.
func (c *Credentials) TLSCertificate() tls.Certificate { return c.tlsCert }

// RootCAs is the trusted pool built from the root and intermediate CA files.
func (c *Credentials) RootCAs() *x509.CertPool { return c.caPool }

// UsesKeystore reports whether the client certificate came from a PKCS#12 keystore.
func (c *Credentials) UsesKeystore() bool { return len(c.keystore) > 0 }

// CertificateSubject returns the client certificate subject, for startup logs.
func (c *Credentials) CertificateSubject() string {
	leaf := c.tlsCert.Leaf
	if leaf == nil && len(c.tlsCert.Certificate) > 0 {
		parsed, err := x509.ParseCertificate(c.tlsCert.Certificate[0])
		if err != nil {
			return ""
		}
		leaf = parsed
	}
	if leaf == nil {
		return ""
	}
	return leaf.Subject.String()
}

// String never prints secrets in full.
func (c *Credentials) String() string {
	return fmt.Sprintf("visa credentials api_key=%s key_id=%s organization_id=%s shared_secret=%s keystore=%t",
		MaskTail(c.apiKey), MaskTail(c.keyID), c.organizationID, MaskTail(string(c.sharedSecret)), c.UsesKeystore())
}

// GoString keeps %#v from dumping key material.
func (c *Credentials) GoString() string { return c.String() }

// MaskTail keeps only the last 4 characters of a sensitive value.
func MaskTail(v string) string {
	v = strings.TrimSpace(v)
	if len(v) <= 4 {
		return strings.Repeat("*", len(v))
	}
	return strings.Repeat("*", len(v)-4) + v[len(v)-4:]
}
