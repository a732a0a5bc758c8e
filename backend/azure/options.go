package azure

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/grokify/objectstore"
	"github.com/grokify/objectstore/internal/config"
)

// Azurite defaults.
const (
	EmulatorAccount = "devstoreaccount1"
	EmulatorKey     = "Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw=="
	EmulatorHost    = "http://127.0.0.1:10000"
)

// CredentialKind names the way the backend authenticates.
type CredentialKind int

const (
	CredentialNone CredentialKind = iota
	CredentialAccountKey
	CredentialSAS
	CredentialClientSecret
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialAccountKey:
		return "account_key"
	case CredentialSAS:
		return "sas"
	case CredentialClientSecret:
		return "client_secret"
	}
	return "none"
}

// Config holds configuration for the Azure Blob Storage backend.
type Config struct {
	// Account is the storage account name (required unless UseEmulator).
	Account string

	// Container is the blob container (required).
	Container string

	// AccountKey is a shared account key.
	AccountKey string

	// SASToken is a shared access signature query string, with or without
	// the leading "?".
	SASToken string

	// ClientID, ClientSecret and TenantID authenticate a service principal.
	ClientID     string
	ClientSecret string
	TenantID     string

	// Endpoint overrides the blob service URL,
	// https://<account>.blob.core.windows.net by default.
	Endpoint string

	// UseEmulator targets a local Azurite instance.
	UseEmulator bool

	// AllowHTTP permits a plain-HTTP endpoint.
	AllowHTTP bool
}

// ConfigFromMap creates a Config from a root URL and an option map.
// The URL host names the container and, in the
// container@account.dfs.core.windows.net form, the account. Keys absent
// from the map are read from environment variables with an AZURE_ or
// OBJECT_STORE_ prefix, upper-cased.
//
// Supported keys (aliases separated by slashes):
//   - azure_storage_account_name / account_name
//   - azure_storage_account_key / azure_storage_access_key / azure_storage_master_key /
//     azure_storage_key / account_key / access_key
//   - azure_storage_sas_token / azure_storage_sas_key / sas_token / sas_key
//   - azure_storage_client_id / azure_client_id / client_id
//   - azure_storage_client_secret / azure_client_secret / client_secret
//   - azure_storage_tenant_id / azure_storage_authority_id / azure_tenant_id /
//     azure_authority_id / tenant_id / authority_id
//   - azure_storage_use_emulator / object_store_use_emulator / use_emulator
//   - azure_storage_endpoint / endpoint
//   - azure_allow_http / allow_http
func ConfigFromMap(loc objectstore.StorageURL, m map[string]string) (Config, error) {
	opts := config.FromEnv(m, "azure_", "object_store_")
	mapOnly := config.New(m)

	cfg := Config{Container: loc.Bucket}

	accountAliases := []string{"azure_storage_account_name", "account_name"}
	cfg.Account = mapOnly.String(accountAliases...)
	if cfg.Account == "" {
		cfg.Account = loc.Account
	}
	if cfg.Account == "" {
		cfg.Account = opts.String(accountAliases...)
	}

	cfg.AccountKey = opts.String("azure_storage_account_key", "azure_storage_access_key",
		"azure_storage_master_key", "azure_storage_key", "account_key", "access_key")
	cfg.SASToken = opts.String("azure_storage_sas_token", "azure_storage_sas_key", "sas_token", "sas_key")
	cfg.ClientID = opts.String("azure_storage_client_id", "azure_client_id", "client_id")
	cfg.ClientSecret = opts.String("azure_storage_client_secret", "azure_client_secret", "client_secret")
	cfg.TenantID = opts.String("azure_storage_tenant_id", "azure_storage_authority_id",
		"azure_tenant_id", "azure_authority_id", "tenant_id", "authority_id")
	cfg.Endpoint = opts.String("azure_storage_endpoint", "endpoint")
	cfg.UseEmulator, _ = opts.Bool("azure_storage_use_emulator", "object_store_use_emulator", "use_emulator")
	cfg.AllowHTTP, _ = opts.Bool("azure_allow_http", "allow_http")

	if cfg.UseEmulator {
		if cfg.Account == "" {
			cfg.Account = EmulatorAccount
		}
		if cfg.AccountKey == "" && cfg.SASToken == "" && cfg.Account == EmulatorAccount {
			cfg.AccountKey = EmulatorKey
		}
		cfg.AllowHTTP = true
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Credential returns the credential the configuration selects: an account
// key, then a SAS token, then a complete service principal.
func (c Config) Credential() CredentialKind {
	switch {
	case c.AccountKey != "":
		return CredentialAccountKey
	case c.SASToken != "":
		return CredentialSAS
	case c.ClientID != "" && c.ClientSecret != "" && c.TenantID != "":
		return CredentialClientSecret
	}
	return CredentialNone
}

// ServiceURL returns the blob service endpoint.
func (c Config) ServiceURL() string {
	switch {
	case c.Endpoint != "":
		return strings.TrimSuffix(c.Endpoint, "/") + "/"
	case c.UseEmulator:
		return EmulatorHost + "/" + c.Account + "/"
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net/", c.Account)
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	if c.Account == "" {
		return ErrAccountRequired
	}
	if c.Container == "" {
		return ErrContainerRequired
	}
	if c.Credential() == CredentialNone {
		return fmt.Errorf("%w: azure account %s has no account key, SAS token or complete client secret",
			objectstore.ErrMissingCredential, c.Account)
	}
	if c.SASToken != "" {
		if _, err := url.ParseQuery(strings.TrimPrefix(c.SASToken, "?")); err != nil {
			return fmt.Errorf("azure: invalid SAS token: %w", err)
		}
	}
	return nil
}
