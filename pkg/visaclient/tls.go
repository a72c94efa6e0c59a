package visaclient

import (
	"crypto/tls"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/transfa/visadirect-service/internal/domain"
)

// Environment selects the network endpoint and the TLS policy.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// Default base URLs per environment.
const (
	SandboxBaseURL    = "https://sandbox.api.visa.com"
	ProductionBaseURL = "https://api.visa.com"
)

// ParseEnvironment accepts the configured value; anything unrecognized is
// treated as production so that relaxed TLS is never enabled by accident.
func ParseEnvironment(v string) Environment {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "sandbox", "sbx", "test", "development", "dev":
		return EnvironmentSandbox
	default:
		return EnvironmentProduction
	}
}

// BaseURL returns the default endpoint for the environment.
func (e Environment) BaseURL() string {
	if e == EnvironmentSandbox {
		return SandboxBaseURL
	}
	return ProductionBaseURL
}

// TLSPolicy is the explicit, auditable certificate-verification setting.
type TLSPolicy struct {
	Environment        Environment
	InsecureSkipVerify bool
}

// Validate refuses relaxed verification outside sandbox.
func (p TLSPolicy) Validate() error {
	if p.InsecureSkipVerify && p.Environment != EnvironmentSandbox {
		return &domain.ConfigurationError{Invalid: []string{"VISA_TLS_INSECURE_SKIP_VERIFY may only be enabled when VISA_ENVIRONMENT=sandbox"}}
	}
	return nil
}

// newTLSConfig builds the mutual TLS configuration from loaded credentials.
func newTLSConfig(creds *Credentials, policy TLSPolicy) (*tls.Config, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{creds.TLSCertificate()},
		RootCAs:      creds.RootCAs(),
	}
	if policy.InsecureSkipVerify {
		log.Printf("level=warn component=visa_client msg=\"server certificate verification disabled\" tls_verify=disabled environment=%s", policy.Environment)
		cfg.InsecureSkipVerify = true
	} else {
		log.Printf("level=info component=visa_client msg=\"server certificate verification enabled\" tls_verify=enabled environment=%s", policy.Environment)
	}
	return cfg, nil
}

// newHTTPClient builds the pooled client. connectTimeout bounds dial plus TLS
// handshake; the total request deadline is applied per call.
func newHTTPClient(tlsCfg *tls.Config, connectTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   connectTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
	return &http.Client{Transport: transport}
}
