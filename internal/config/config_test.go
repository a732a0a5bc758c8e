package config

import (
	"testing"
	"time"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestLookupAliases(t *testing.T) {
	o := New(map[string]string{"Region": "eu-west-1"}).WithEnv(env(nil))

	v, ok := o.Lookup("aws_region", "region")
	if !ok || v != "eu-west-1" {
		t.Errorf("Lookup = %q, %v; want eu-west-1, true", v, ok)
	}

	if _, ok := o.Lookup("bucket"); ok {
		t.Error("Lookup(bucket) found a value")
	}
}

func TestLookupPrefersMapOverEnv(t *testing.T) {
	o := New(map[string]string{"aws_region": "from-map"}).
		WithEnv(env(map[string]string{"AWS_REGION": "from-env"}))

	if got := o.String("aws_region"); got != "from-map" {
		t.Errorf("String = %q, want from-map", got)
	}
}

func TestLookupEnvFallback(t *testing.T) {
	o := New(nil).WithEnv(env(map[string]string{"AWS_DEFAULT_REGION": "us-east-2"}))

	if got := o.String("aws_region", "aws_default_region"); got != "us-east-2" {
		t.Errorf("String = %q, want us-east-2", got)
	}
}

func TestTruthy(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1", true},
		{"true", true},
		{"TRUE", true},
		{"on", true},
		{"yes", true},
		{"y", true},
		{" Y ", true},
		{"0", false},
		{"false", false},
		{"", false},
		{"nope", false},
	}
	for _, tt := range tests {
		if got := Truthy(tt.in); got != tt.want {
			t.Errorf("Truthy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestIntAndDuration(t *testing.T) {
	o := New(map[string]string{
		"part_size": "1048576",
		"timeout":   "30",
		"backoff":   "250ms",
		"bad":       "x",
	}).WithEnv(env(nil))

	if n, ok := o.Int("part_size"); !ok || n != 1048576 {
		t.Errorf("Int = %d, %v", n, ok)
	}
	if d, ok := o.Duration("timeout"); !ok || d != 30*time.Second {
		t.Errorf("Duration(timeout) = %v, %v", d, ok)
	}
	if d, ok := o.Duration("backoff"); !ok || d != 250*time.Millisecond {
		t.Errorf("Duration(backoff) = %v, %v", d, ok)
	}
	if _, ok := o.Int("bad"); ok {
		t.Error("Int(bad) succeeded")
	}
}

func TestEnvPrefixes(t *testing.T) {
	o := New(nil).WithEnv(env(map[string]string{
		"ENDPOINT":         "http://wrong",
		"AWS_ENDPOINT_URL": "http://right",
	}), "aws_")

	if got := o.String("endpoint", "aws_endpoint_url"); got != "http://right" {
		t.Errorf("String = %q, want http://right", got)
	}
	if _, ok := o.Lookup("endpoint"); ok {
		t.Error("Lookup(endpoint) read an unprefixed environment variable")
	}
}

func TestNoEnvByDefault(t *testing.T) {
	t.Setenv("OBJECTSTORE_CONFIG_TEST", "set")
	if _, ok := New(nil).Lookup("objectstore_config_test"); ok {
		t.Error("New read the environment")
	}
	if got := FromEnv(nil, "objectstore_").String("objectstore_config_test"); got != "set" {
		t.Errorf("FromEnv String = %q, want set", got)
	}
}
