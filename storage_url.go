package objectstore

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// StorageURL is a parsed root URL.
type StorageURL struct {
	// Raw is the URL as given.
	Raw string

	// Scheme is the lower-cased URL scheme, "file" for bare paths.
	Scheme string

	// Kind is the backend the scheme selects.
	Kind Kind

	// Bucket is the bucket (S3, GCS) or container (Azure) named by the URL host.
	Bucket string

	// Account is the Azure storage account when the host names one,
	// as in abfss://container@account.dfs.core.windows.net.
	Account string

	// Prefix is the key prefix taken from the URL path. Local URLs carry
	// their directory in LocalRoot instead.
	Prefix Path

	// LocalRoot is the absolute directory of a local URL.
	LocalRoot string
}

var schemeKinds = map[string]Kind{
	"file":   KindLocal,
	"memory": KindMemory,
	"s3":     KindS3,
	"s3a":    KindS3,
	"az":     KindAzure,
	"adl":    KindAzure,
	"azure":  KindAzure,
	"abfs":   KindAzure,
	"abfss":  KindAzure,
	"wasb":   KindAzure,
	"wasbs":  KindAzure,
	"gs":     KindGCS,
}

// ParseURL parses a root URL. A string without a scheme, or with a
// single-letter scheme (a Windows drive), is a local directory.
func ParseURL(raw string) (StorageURL, error) {
	if raw == "" {
		return StorageURL{}, fmt.Errorf("%w: empty root url", ErrUnsupportedScheme)
	}
	scheme, _, found := strings.Cut(raw, "://")
	if !found || len(scheme) == 1 {
		return parseLocal(raw, raw)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return StorageURL{}, fmt.Errorf("%w: %q: %v", ErrUnsupportedScheme, raw, err)
	}
	scheme = strings.ToLower(u.Scheme)
	kind, ok := schemeKinds[scheme]
	if !ok {
		return StorageURL{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}

	if kind == KindLocal {
		dir := u.Path
		if u.Host != "" && u.Host != "localhost" {
			return StorageURL{}, fmt.Errorf("%w: file url with remote host %q", ErrUnsupportedScheme, u.Host)
		}
		return parseLocal(raw, dir)
	}

	loc := StorageURL{Raw: raw, Scheme: scheme, Kind: kind, Bucket: u.Host}
	if kind == KindAzure {
		// container@account.dfs.core.windows.net
		if u.User != nil {
			loc.Bucket = u.User.Username()
			loc.Account, _, _ = strings.Cut(u.Host, ".")
		}
	}
	prefix, err := Parse(u.EscapedPath())
	if err != nil {
		return StorageURL{}, err
	}
	loc.Prefix = prefix
	return loc, nil
}

func parseLocal(raw, dir string) (StorageURL, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return StorageURL{}, fmt.Errorf("%w: %q: %v", ErrInvalidPath, dir, err)
	}
	return StorageURL{Raw: raw, Scheme: "file", Kind: KindLocal, LocalRoot: abs}, nil
}

func (u StorageURL) String() string {
	return u.Raw
}
