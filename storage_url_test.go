package objectstore

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw     string
		kind    Kind
		bucket  string
		account string
		prefix  string
	}{
		{"s3://bucket/a/b", KindS3, "bucket", "", "a/b"},
		{"s3a://bucket", KindS3, "bucket", "", ""},
		{"S3://Bucket/x/", KindS3, "Bucket", "", "x"},
		{"gs://b/x%20y", KindGCS, "b", "", "x y"},
		{"az://container/p", KindAzure, "container", "", "p"},
		{"abfss://data@acct.dfs.core.windows.net/tables", KindAzure, "data", "acct", "tables"},
		{"wasbs://logs@store.blob.core.windows.net", KindAzure, "logs", "store", ""},
		{"memory://", KindMemory, "", "", ""},
		{"memory:///scoped", KindMemory, "", "", "scoped"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			loc, err := ParseURL(tt.raw)
			if err != nil {
				t.Fatalf("ParseURL failed: %v", err)
			}
			if loc.Kind != tt.kind || loc.Bucket != tt.bucket || loc.Account != tt.account {
				t.Errorf("ParseURL = %+v", loc)
			}
			if got := loc.Prefix.String(); got != tt.prefix {
				t.Errorf("Prefix = %q, want %q", got, tt.prefix)
			}
			if loc.String() != tt.raw {
				t.Errorf("String = %q, want %q", loc.String(), tt.raw)
			}
		})
	}
}

func TestParseURLLocal(t *testing.T) {
	dir := t.TempDir()
	rel, err := filepath.Abs("relative/dir")
	if err != nil {
		t.Fatalf("Abs failed: %v", err)
	}

	tests := []struct {
		raw  string
		want string
	}{
		{dir, dir},
		{"file://" + filepath.ToSlash(dir), dir},
		{"file://localhost" + filepath.ToSlash(dir), dir},
		{"relative/dir", rel},
	}
	for _, tt := range tests {
		loc, err := ParseURL(tt.raw)
		if err != nil {
			t.Fatalf("ParseURL(%q) failed: %v", tt.raw, err)
		}
		if loc.Kind != KindLocal || loc.Scheme != "file" || loc.LocalRoot != tt.want {
			t.Errorf("ParseURL(%q) = %+v, want local root %q", tt.raw, loc, tt.want)
		}
		if !loc.Prefix.IsRoot() {
			t.Errorf("ParseURL(%q) prefix = %q, want root", tt.raw, loc.Prefix)
		}
	}
}

func TestParseURLErrors(t *testing.T) {
	tests := []struct {
		raw  string
		want error
	}{
		{"", ErrUnsupportedScheme},
		{"ftp://host/file", ErrUnsupportedScheme},
		{"hdfs://namenode/x", ErrUnsupportedScheme},
		{"file://remote.host/data", ErrUnsupportedScheme},
		{"s3://bucket/../escape", ErrInvalidPath},
		{"gs://bucket/bad%zz", ErrUnsupportedScheme},
	}
	for _, tt := range tests {
		if _, err := ParseURL(tt.raw); !errors.Is(err, tt.want) {
			t.Errorf("ParseURL(%q) error = %v, want %v", tt.raw, err, tt.want)
		}
	}
}
