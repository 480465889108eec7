package doclease

import (
	"strings"
	"testing"
	"time"
)

func TestConfigNormalizeAppliesDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.Normalize()
	if cfg.Listen != DefaultListen || cfg.ListenProto != DefaultListenProto {
		t.Fatalf("listen defaults not applied: %+v", cfg)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("store default not applied: %q", cfg.Store)
	}
	if cfg.DefaultTTL != DefaultLeaseTTL || cfg.MaxTTL != DefaultMaxLeaseTTL {
		t.Fatalf("ttl defaults not applied: %+v", cfg)
	}
	if cfg.RetryMaxAttempts != DefaultStorageRetryMaxAttempts {
		t.Fatalf("retry defaults not applied: %+v", cfg)
	}
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"bad proto", Config{ListenProto: "udp"}, "unsupported listen proto"},
		{"bad store scheme", Config{Store: "postgres://x"}, "unsupported store url"},
		{"sqlite without path", Config{Store: "sqlite://"}, "requires a path"},
		{"max below default", Config{DefaultTTL: time.Hour, MaxTTL: time.Minute}, "below default ttl"},
	}
	for _, tc := range cases {
		err := tc.cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.want, err)
		}
	}

	good := Config{Store: "sqlite:///tmp/doclease-test.db"}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}
