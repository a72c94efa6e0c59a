/**
 * @description
 * This package handles the configuration management for the visadirect-service.
 * It uses the Viper library to read configuration from environment variables
 * and an optional .env file, and validates that every required setting is
 * present before the service starts.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/transfa/visadirect-service/internal/domain"
	"github.com/transfa/visadirect-service/pkg/visaclient"
)

// Webhook verification schemes.
const (
	WebhookSchemeHMAC        = "hmac"
	WebhookSchemeCertificate = "certificate"
)

// Config holds all the configuration variables for the visadirect-service.
type Config struct {
	AppEnv      string `mapstructure:"APP_ENV"`
	ServerPort  string `mapstructure:"SERVER_PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	RedisPrefix string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`

	InternalAPIKey            string `mapstructure:"INTERNAL_API_KEY"`
	OperatorJWTSecret         string `mapstructure:"OPERATOR_JWT_SECRET"`
	OperatorJWTIssuer         string `mapstructure:"OPERATOR_JWT_ISSUER"`
	OperatorMutationPerMinute int    `mapstructure:"OPERATOR_MUTATION_RATE_LIMIT_PER_MINUTE"`
	OperatorQueryPerMinute    int    `mapstructure:"OPERATOR_QUERY_RATE_LIMIT_PER_MINUTE"`
	CORSAllowedOrigins        string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	VisaEnvironment       string `mapstructure:"VISA_ENVIRONMENT"`
	VisaAPIBaseURL        string `mapstructure:"VISA_API_BASE_URL"`
	VisaAPIKey            string `mapstructure:"VISA_API_KEY"`
	VisaKeyID             string `mapstructure:"VISA_KEY_ID"`
	VisaSharedSecret      string `mapstructure:"VISA_SHARED_SECRET"`
	VisaOrganizationID    string `mapstructure:"VISA_ORGANIZATION_ID"`
	VisaClientCertPath    string `mapstructure:"VISA_CLIENT_CERT_PATH"`
	VisaPrivateKeyPath    string `mapstructure:"VISA_PRIVATE_KEY_PATH"`
	VisaKeystorePath      string `mapstructure:"VISA_KEYSTORE_PATH"`
	VisaKeystorePassword  string `mapstructure:"VISA_KEYSTORE_PASSWORD"`
	VisaRootCAPath        string `mapstructure:"VISA_ROOT_CA_PATH"`
	VisaIntermediateCA    string `mapstructure:"VISA_INTERMEDIATE_CA_PATH"`
	VisaInsecureSkipTLS   bool   `mapstructure:"VISA_TLS_INSECURE_SKIP_VERIFY"`
	VisaConnectTimeoutMs  int    `mapstructure:"VISA_CONNECT_TIMEOUT_MS"`
	VisaRequestTimeoutMs  int    `mapstructure:"VISA_REQUEST_TIMEOUT_MS"`
	VisaRetryMaxAttempts  int    `mapstructure:"VISA_RETRY_MAX_ATTEMPTS"`
	VisaRetryInitialMs    int    `mapstructure:"VISA_RETRY_INITIAL_BACKOFF_MS"`
	VisaRetryMaxMs        int    `mapstructure:"VISA_RETRY_MAX_BACKOFF_MS"`
	CheckConnectivityBoot bool   `mapstructure:"VISA_CHECK_CONNECTIVITY_ON_BOOT"`

	AcquiringBIN          string `mapstructure:"VISA_ACQUIRING_BIN"`
	AcquirerCountryCode   string `mapstructure:"VISA_ACQUIRER_COUNTRY_CODE"`
	BusinessApplicationID string `mapstructure:"VISA_BUSINESS_APPLICATION_ID"`
	SourceOfFundsCode     string `mapstructure:"VISA_SOURCE_OF_FUNDS_CODE"`
	CardAcceptorName      string `mapstructure:"VISA_CARD_ACCEPTOR_NAME"`
	CardAcceptorTerminal  string `mapstructure:"VISA_CARD_ACCEPTOR_TERMINAL_ID"`
	CardAcceptorIDCode    string `mapstructure:"VISA_CARD_ACCEPTOR_ID_CODE"`
	CardAcceptorCountry   string `mapstructure:"VISA_CARD_ACCEPTOR_COUNTRY"`
	DefaultCurrency       string `mapstructure:"DEFAULT_CURRENCY"`
	SupportedCurrencies   string `mapstructure:"SUPPORTED_CURRENCIES"`

	WebhookScheme     string `mapstructure:"VISA_WEBHOOK_SCHEME"`
	WebhookSecret     string `mapstructure:"VISA_WEBHOOK_SECRET"`
	WebhookRootCAPath string `mapstructure:"VISA_WEBHOOK_ROOT_CA_PATH"`
	WebhookIssuer     string `mapstructure:"VISA_WEBHOOK_ISSUER"`
	WebhookDedupeTTL  int    `mapstructure:"VISA_WEBHOOK_DEDUPE_TTL_SECONDS"`

	ReconcileSchedule      string `mapstructure:"RECONCILE_SCHEDULE"`
	ReconcileMinAgeSeconds int    `mapstructure:"RECONCILE_MIN_AGE_SECONDS"`
	ReconcileBatchSize     int    `mapstructure:"RECONCILE_BATCH_SIZE"`
}

var boundKeys = []string{
	"APP_ENV", "SERVER_PORT", "PORT", "DATABASE_URL", "REDIS_URL", "REDIS_KEY_PREFIX", "RABBITMQ_URL",
	"INTERNAL_API_KEY", "OPERATOR_JWT_SECRET", "OPERATOR_JWT_ISSUER",
	"OPERATOR_MUTATION_RATE_LIMIT_PER_MINUTE", "OPERATOR_QUERY_RATE_LIMIT_PER_MINUTE", "CORS_ALLOWED_ORIGINS",
	"VISA_ENVIRONMENT", "VISA_API_BASE_URL", "VISA_API_KEY", "VISA_KEY_ID", "VISA_SHARED_SECRET", "VISA_ORGANIZATION_ID",
	"VISA_CLIENT_CERT_PATH", "VISA_PRIVATE_KEY_PATH", "VISA_KEYSTORE_PATH", "VISA_KEYSTORE_PASSWORD",
	"VISA_ROOT_CA_PATH", "VISA_INTERMEDIATE_CA_PATH", "VISA_TLS_INSECURE_SKIP_VERIFY",
	"VISA_CONNECT_TIMEOUT_MS", "VISA_REQUEST_TIMEOUT_MS", "VISA_RETRY_MAX_ATTEMPTS",
	"VISA_RETRY_INITIAL_BACKOFF_MS", "VISA_RETRY_MAX_BACKOFF_MS", "VISA_CHECK_CONNECTIVITY_ON_BOOT",
	"VISA_ACQUIRING_BIN", "VISA_ACQUIRER_COUNTRY_CODE", "VISA_BUSINESS_APPLICATION_ID", "VISA_SOURCE_OF_FUNDS_CODE",
	"VISA_CARD_ACCEPTOR_NAME", "VISA_CARD_ACCEPTOR_TERMINAL_ID", "VISA_CARD_ACCEPTOR_ID_CODE", "VISA_CARD_ACCEPTOR_COUNTRY",
	"DEFAULT_CURRENCY", "SUPPORTED_CURRENCIES",
	"VISA_WEBHOOK_SCHEME", "VISA_WEBHOOK_SECRET", "VISA_WEBHOOK_ROOT_CA_PATH", "VISA_WEBHOOK_ISSUER",
	"VISA_WEBHOOK_DEDUPE_TTL_SECONDS",
	"RECONCILE_SCHEDULE", "RECONCILE_MIN_AGE_SECONDS", "RECONCILE_BATCH_SIZE",
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("APP_ENV", "development")
	viper.SetDefault("SERVER_PORT", "8090")
	viper.SetDefault("DATABASE_URL", "sqlite://visadirect.db")
	viper.SetDefault("REDIS_KEY_PREFIX", "visadirect")
	viper.SetDefault("OPERATOR_JWT_ISSUER", "transfa-operator")
	viper.SetDefault("OPERATOR_MUTATION_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("OPERATOR_QUERY_RATE_LIMIT_PER_MINUTE", 120)
	viper.SetDefault("VISA_CONNECT_TIMEOUT_MS", 10000)
	viper.SetDefault("VISA_REQUEST_TIMEOUT_MS", 30000)
	viper.SetDefault("VISA_RETRY_MAX_ATTEMPTS", 3)
	viper.SetDefault("VISA_RETRY_INITIAL_BACKOFF_MS", 200)
	viper.SetDefault("VISA_RETRY_MAX_BACKOFF_MS", 5000)
	viper.SetDefault("VISA_BUSINESS_APPLICATION_ID", "PP")
	viper.SetDefault("VISA_SOURCE_OF_FUNDS_CODE", "05")
	viper.SetDefault("DEFAULT_CURRENCY", "USD")
	viper.SetDefault("SUPPORTED_CURRENCIES", "USD,GBP,EUR")
	viper.SetDefault("VISA_WEBHOOK_SCHEME", WebhookSchemeHMAC)
	viper.SetDefault("VISA_WEBHOOK_DEDUPE_TTL_SECONDS", 86400)
	viper.SetDefault("RECONCILE_SCHEDULE", "@every 1m")
	viper.SetDefault("RECONCILE_MIN_AGE_SECONDS", 120)
	viper.SetDefault("RECONCILE_BATCH_SIZE", 50)

	for _, key := range boundKeys {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.VisaEnvironment = strings.ToLower(strings.TrimSpace(config.VisaEnvironment))
	config.WebhookScheme = strings.ToLower(strings.TrimSpace(config.WebhookScheme))
	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	return config, nil
}

// Environment returns the parsed Visa environment.
func (c Config) Environment() visaclient.Environment {
	return visaclient.ParseEnvironment(c.VisaEnvironment)
}

// Validate reports every missing or inconsistent setting at once.
func (c Config) Validate() error {
	cfgErr := &domain.ConfigurationError{}
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			cfgErr.Missing = append(cfgErr.Missing, key)
		}
	}

	require("DATABASE_URL", c.DatabaseURL)
	require("VISA_ENVIRONMENT", c.VisaEnvironment)
	require("VISA_API_KEY", c.VisaAPIKey)
	require("VISA_KEY_ID", c.VisaKeyID)
	require("VISA_SHARED_SECRET", c.VisaSharedSecret)
	require("VISA_ORGANIZATION_ID", c.VisaOrganizationID)
	require("VISA_ROOT_CA_PATH", c.VisaRootCAPath)
	if strings.TrimSpace(c.VisaKeystorePath) == "" {
		require("VISA_CLIENT_CERT_PATH", c.VisaClientCertPath)
		require("VISA_PRIVATE_KEY_PATH", c.VisaPrivateKeyPath)
	}
	require("VISA_ACQUIRING_BIN", c.AcquiringBIN)
	if strings.TrimSpace(c.InternalAPIKey) == "" && strings.TrimSpace(c.OperatorJWTSecret) == "" {
		cfgErr.Missing = append(cfgErr.Missing, "INTERNAL_API_KEY or OPERATOR_JWT_SECRET")
	}

	switch c.WebhookScheme {
	case WebhookSchemeHMAC:
		require("VISA_WEBHOOK_SECRET", c.WebhookSecret)
	case WebhookSchemeCertificate:
		require("VISA_WEBHOOK_ROOT_CA_PATH", c.WebhookRootCAPath)
		require("VISA_WEBHOOK_ISSUER", c.WebhookIssuer)
	default:
		cfgErr.Invalid = append(cfgErr.Invalid, "VISA_WEBHOOK_SCHEME must be hmac or certificate, got "+c.WebhookScheme)
	}

	switch c.VisaEnvironment {
	case "", string(visaclient.EnvironmentSandbox), string(visaclient.EnvironmentProduction):
	default:
		cfgErr.Invalid = append(cfgErr.Invalid, "VISA_ENVIRONMENT must be sandbox or production, got "+c.VisaEnvironment)
	}
	if err := (visaclient.TLSPolicy{Environment: c.Environment(), InsecureSkipVerify: c.VisaInsecureSkipTLS}).Validate(); err != nil {
		cfgErr.Invalid = append(cfgErr.Invalid, "VISA_TLS_INSECURE_SKIP_VERIFY is only allowed in sandbox")
	}
	if c.VisaRequestTimeoutMs <= 0 || c.VisaConnectTimeoutMs <= 0 {
		cfgErr.Invalid = append(cfgErr.Invalid, "VISA_CONNECT_TIMEOUT_MS and VISA_REQUEST_TIMEOUT_MS must be positive")
	}

	if cfgErr.HasProblems() {
		return cfgErr
	}
	return nil
}

// CredentialSources maps the loaded settings onto the credential loader input.
func (c Config) CredentialSources() visaclient.CredentialSources {
	return visaclient.CredentialSources{
		APIKey:             visaclient.Source{Env: "VISA_API_KEY", Value: c.VisaAPIKey},
		KeyID:              visaclient.Source{Env: "VISA_KEY_ID", Value: c.VisaKeyID},
		SharedSecret:       visaclient.Source{Env: "VISA_SHARED_SECRET", Value: c.VisaSharedSecret},
		OrganizationID:     visaclient.Source{Env: "VISA_ORGANIZATION_ID", Value: c.VisaOrganizationID},
		CertificatePath:    visaclient.Source{Env: "VISA_CLIENT_CERT_PATH", Value: c.VisaClientCertPath},
		PrivateKeyPath:     visaclient.Source{Env: "VISA_PRIVATE_KEY_PATH", Value: c.VisaPrivateKeyPath},
		KeystorePath:       visaclient.Source{Env: "VISA_KEYSTORE_PATH", Value: c.VisaKeystorePath},
		KeystorePassword:   visaclient.Source{Env: "VISA_KEYSTORE_PASSWORD", Value: c.VisaKeystorePassword},
		RootCAPath:         visaclient.Source{Env: "VISA_ROOT_CA_PATH", Value: c.VisaRootCAPath},
		IntermediateCAPath: visaclient.Source{Env: "VISA_INTERMEDIATE_CA_PATH", Value: c.VisaIntermediateCA},
	}
}

// ClientOptions builds the transport options.
func (c Config) ClientOptions() visaclient.Options {
	return visaclient.Options{
		BaseURL:            c.VisaAPIBaseURL,
		Environment:        c.Environment(),
		InsecureSkipVerify: c.VisaInsecureSkipTLS,
		ConnectTimeout:     time.Duration(c.VisaConnectTimeoutMs) * time.Millisecond,
		RequestTimeout:     time.Duration(c.VisaRequestTimeoutMs) * time.Millisecond,
		Retry: visaclient.RetryPolicy{
			MaxAttempts:    c.VisaRetryMaxAttempts,
			InitialBackoff: time.Duration(c.VisaRetryInitialMs) * time.Millisecond,
			MaxBackoff:     time.Duration(c.VisaRetryMaxMs) * time.Millisecond,
			Multiplier:     2,
		},
	}
}

// Currencies splits SUPPORTED_CURRENCIES.
func (c Config) Currencies() []string {
	var out []string
	for _, part := range strings.Split(c.SupportedCurrencies, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS, defaulting to any http(s) origin.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, part := range strings.Split(c.CORSAllowedOrigins, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return []string{"https://*", "http://*"}
	}
	return out
}
