package azure

import (
	"context"
	"errors"
	"math"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/grokify/objectstore"
	"github.com/grokify/objectstore/internal/storetest"
)

// Integration tests run against Azurite or a real account.
// Set these environment variables to run them:
//   - OBJECTSTORE_AZURE_TEST_CONTAINER: an existing container
//   - OBJECTSTORE_AZURE_TEST_EMULATOR: "true" to use Azurite on 127.0.0.1:10000
//   - AZURE_STORAGE_ACCOUNT_NAME / AZURE_STORAGE_ACCOUNT_KEY: for a real account

func getTestBackend(t *testing.T) *Backend {
	name := os.Getenv("OBJECTSTORE_AZURE_TEST_CONTAINER")
	if name == "" {
		t.Skip("OBJECTSTORE_AZURE_TEST_CONTAINER not set, skipping integration test")
	}

	options := map[string]string{}
	if os.Getenv("OBJECTSTORE_AZURE_TEST_EMULATOR") == "true" {
		options["use_emulator"] = "true"
	}
	cfg, err := ConfigFromMap(objectstore.StorageURL{Kind: objectstore.KindAzure, Bucket: name}, options)
	if err != nil {
		t.Fatalf("ConfigFromMap failed: %v", err)
	}
	backend, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("Failed to create Azure backend: %v", err)
	}
	return backend
}

// clearEnv hides Azure settings of the machine running the tests.
func clearEnv(t *testing.T) {
	for _, name := range []string{
		"AZURE_STORAGE_ACCOUNT_NAME", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_ACCESS_KEY",
		"AZURE_STORAGE_MASTER_KEY", "AZURE_STORAGE_KEY", "AZURE_STORAGE_SAS_TOKEN", "AZURE_STORAGE_SAS_KEY",
		"AZURE_STORAGE_CLIENT_ID", "AZURE_CLIENT_ID", "AZURE_STORAGE_CLIENT_SECRET", "AZURE_CLIENT_SECRET",
		"AZURE_STORAGE_TENANT_ID", "AZURE_STORAGE_AUTHORITY_ID", "AZURE_TENANT_ID", "AZURE_AUTHORITY_ID",
		"AZURE_STORAGE_USE_EMULATOR", "OBJECT_STORE_USE_EMULATOR", "AZURE_STORAGE_ENDPOINT", "AZURE_ALLOW_HTTP",
	} {
		t.Setenv(name, "")
	}
}

func TestConfigFromMapAccountFromURL(t *testing.T) {
	clearEnv(t)

	loc, err := objectstore.ParseURL("abfss://data@myaccount.dfs.core.windows.net/some/prefix")
	if err != nil {
		t.Fatalf("ParseURL failed: %v", err)
	}
	cfg, err := ConfigFromMap(loc, map[string]string{"azure_storage_account_key": "a2V5"})
	if err != nil {
		t.Fatalf("ConfigFromMap failed: %v", err)
	}
	if cfg.Account != "myaccount" {
		t.Errorf("Account = %q, want myaccount", cfg.Account)
	}
	if cfg.Container != "data" {
		t.Errorf("Container = %q, want data", cfg.Container)
	}
	if cfg.Credential() != CredentialAccountKey {
		t.Errorf("Credential = %v, want account_key", cfg.Credential())
	}
	if got := cfg.ServiceURL(); got != "https://myaccount.blob.core.windows.net/" {
		t.Errorf("ServiceURL = %q", got)
	}
}

func TestConfigFromMapAliases(t *testing.T) {
	clearEnv(t)
	loc := objectstore.StorageURL{Kind: objectstore.KindAzure, Bucket: "c"}

	tests := []struct {
		name    string
		options map[string]string
		want    CredentialKind
	}{
		{"account key", map[string]string{"account_name": "a", "access_key": "k"}, CredentialAccountKey},
		{"master key", map[string]string{"account_name": "a", "azure_storage_master_key": "k"}, CredentialAccountKey},
		{"sas token", map[string]string{"account_name": "a", "sas_token": "?sv=2022&sig=x"}, CredentialSAS},
		{"sas key", map[string]string{"azure_storage_account_name": "a", "azure_storage_sas_key": "sv=2022&sig=x"}, CredentialSAS},
		{"client secret", map[string]string{"account_name": "a", "client_id": "id", "client_secret": "s", "authority_id": "t"}, CredentialClientSecret},
		{"key wins over sas", map[string]string{"account_name": "a", "account_key": "k", "sas_key": "sv=1"}, CredentialAccountKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ConfigFromMap(loc, tt.options)
			if err != nil {
				t.Fatalf("ConfigFromMap failed: %v", err)
			}
			if cfg.Credential() != tt.want {
				t.Errorf("Credential = %v, want %v", cfg.Credential(), tt.want)
			}
		})
	}
}

func TestConfigFromMapErrors(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name    string
		loc     objectstore.StorageURL
		options map[string]string
		wantIs  error
	}{
		{"no account", objectstore.StorageURL{Bucket: "c"}, nil, ErrAccountRequired},
		{"no container", objectstore.StorageURL{}, map[string]string{"account_name": "a", "account_key": "k"}, ErrContainerRequired},
		{"no credential", objectstore.StorageURL{Bucket: "c"}, map[string]string{"account_name": "a"}, objectstore.ErrMissingCredential},
		{"partial client secret", objectstore.StorageURL{Bucket: "c"}, map[string]string{"account_name": "a", "client_id": "id"}, objectstore.ErrMissingCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConfigFromMap(tt.loc, tt.options)
			if !errors.Is(err, tt.wantIs) {
				t.Errorf("ConfigFromMap error = %v, want %v", err, tt.wantIs)
			}
		})
	}
}

func TestConfigFromEnvFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("AZURE_STORAGE_ACCOUNT_NAME", "envaccount")
	t.Setenv("AZURE_STORAGE_SAS_TOKEN", "sv=2022&sig=abc")

	cfg, err := ConfigFromMap(objectstore.StorageURL{Bucket: "c"}, nil)
	if err != nil {
		t.Fatalf("ConfigFromMap failed: %v", err)
	}
	if cfg.Account != "envaccount" {
		t.Errorf("Account = %q, want envaccount", cfg.Account)
	}
	if cfg.Credential() != CredentialSAS {
		t.Errorf("Credential = %v, want sas", cfg.Credential())
	}
}

func TestConfigEmulator(t *testing.T) {
	clearEnv(t)

	cfg, err := ConfigFromMap(objectstore.StorageURL{Bucket: "c"}, map[string]string{"use_emulator": "1"})
	if err != nil {
		t.Fatalf("ConfigFromMap failed: %v", err)
	}
	if cfg.Account != EmulatorAccount {
		t.Errorf("Account = %q, want %q", cfg.Account, EmulatorAccount)
	}
	if cfg.AccountKey != EmulatorKey {
		t.Error("emulator key not applied")
	}
	if !cfg.AllowHTTP {
		t.Error("AllowHTTP = false, want true for the emulator")
	}
	if got := cfg.ServiceURL(); got != "http://127.0.0.1:10000/devstoreaccount1/" {
		t.Errorf("ServiceURL = %q", got)
	}
}

func TestNewRejectsHTTPWithoutAllowHTTP(t *testing.T) {
	cfg := Config{Account: "a", Container: "c", AccountKey: "a2V5", Endpoint: "http://localhost:10000/a"}
	if _, err := New(context.Background(), cfg, nil); err == nil {
		t.Error("New with an http endpoint and AllowHTTP unset succeeded")
	}
}

func TestNewEmulatorClient(t *testing.T) {
	clearEnv(t)
	cfg, err := ConfigFromMap(objectstore.StorageURL{Bucket: "c"}, map[string]string{"use_emulator": "true"})
	if err != nil {
		t.Fatalf("ConfigFromMap failed: %v", err)
	}
	b, err := New(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := b.Client().URL(); !strings.HasPrefix(got, "http://127.0.0.1:10000/devstoreaccount1/c") {
		t.Errorf("container URL = %q", got)
	}
	if b.Kind() != objectstore.KindAzure {
		t.Errorf("Kind = %v", b.Kind())
	}
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"blob not found", &azcore.ResponseError{ErrorCode: "BlobNotFound", StatusCode: http.StatusNotFound}, objectstore.ErrNotFound},
		{"already exists", &azcore.ResponseError{ErrorCode: "BlobAlreadyExists", StatusCode: http.StatusConflict}, objectstore.ErrAlreadyExists},
		{"condition not met", &azcore.ResponseError{ErrorCode: "ConditionNotMet", StatusCode: http.StatusPreconditionFailed}, objectstore.ErrAlreadyExists},
		{"invalid range", &azcore.ResponseError{ErrorCode: "InvalidRange", StatusCode: http.StatusRequestedRangeNotSatisfiable}, objectstore.ErrInvalidRange},
		{"auth failed", &azcore.ResponseError{ErrorCode: "AuthenticationFailed", StatusCode: http.StatusForbidden}, objectstore.ErrPermissionDenied},
		{"bare 404", &azcore.ResponseError{StatusCode: http.StatusNotFound}, objectstore.ErrNotFound},
		{"lease conflict", &azcore.ResponseError{ErrorCode: "LeaseIdMissing", StatusCode: http.StatusConflict}, objectstore.ErrIO},
		{"server error", &azcore.ResponseError{StatusCode: http.StatusInternalServerError}, objectstore.ErrIO},
		{"deadline", context.DeadlineExceeded, objectstore.ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateError(tt.err)
			if objectstore.KindOf(got) != tt.want {
				t.Errorf("translateError() = %v, want kind %v", got, tt.want)
			}
		})
	}
	if translateError(nil) != nil {
		t.Error("translateError(nil) != nil")
	}
}

func TestHTTPRange(t *testing.T) {
	tests := []struct {
		start, length int64
		want          blob.HTTPRange
	}{
		{0, 10, blob.HTTPRange{Offset: 0, Count: 10}},
		{8, 5, blob.HTTPRange{Offset: 8, Count: 5}},
		{8, math.MaxInt64 - 8, blob.HTTPRange{Offset: 8, Count: math.MaxInt64 - 8}},
		{8, math.MaxInt64, blob.HTTPRange{Offset: 8}},
		{1, math.MaxInt64, blob.HTTPRange{Offset: 1}},
	}
	for _, tt := range tests {
		if got := httpRange(tt.start, tt.length); got != tt.want {
			t.Errorf("httpRange(%d, %d) = %+v, want %+v", tt.start, tt.length, got, tt.want)
		}
	}
}

func TestRegistered(t *testing.T) {
	if !objectstore.IsRegistered(objectstore.KindAzure) {
		t.Error("azure backend should be registered")
	}
}

func TestIntegrationConformance(t *testing.T) {
	backend := getTestBackend(t)
	defer func() { _ = backend.Close() }()

	run := "objectstore-test-" + time.Now().Format("20060102-150405")
	storetest.Run(t, func(t *testing.T) objectstore.Backend {
		prefix, err := objectstore.ParseSegments(run, t.Name())
		if err != nil {
			t.Fatalf("ParseSegments failed: %v", err)
		}
		return objectstore.NewPrefixBackend(backend, prefix)
	})
}
