package otel

import "testing"

func TestFromEnvironment(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector.internal:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "x-team=arcade, x-token=abc")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "false")

	cfg := FromEnvironment("distributord", "staging")
	if cfg.ServiceName != "distributord" || cfg.Environment != "staging" {
		t.Fatalf("identity not carried: %+v", cfg)
	}
	if cfg.Endpoint != "collector.internal:4318" {
		t.Fatalf("endpoint = %q", cfg.Endpoint)
	}
	if cfg.Insecure {
		t.Fatalf("insecure override not applied")
	}
	if !cfg.Metrics || !cfg.Traces {
		t.Fatalf("metrics and traces should default on")
	}
	if cfg.Headers["x-team"] != "arcade" || cfg.Headers["x-token"] != "abc" {
		t.Fatalf("headers = %v", cfg.Headers)
	}
}

func TestFromEnvironmentDefaults(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "not-a-bool")

	cfg := FromEnvironment("distributord", "")
	if cfg.Endpoint != "" {
		t.Fatalf("endpoint = %q, want empty for Init's default", cfg.Endpoint)
	}
	if !cfg.Insecure {
		t.Fatalf("unparseable insecure flag should keep the default")
	}
	if len(cfg.Headers) != 0 {
		t.Fatalf("headers = %v, want none", cfg.Headers)
	}
}

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders("a=1, b = 2 ,malformed,,=skipped")
	if len(headers) != 2 {
		t.Fatalf("headers = %v, want two entries", headers)
	}
	if headers["a"] != "1" || headers["b"] != "2" {
		t.Fatalf("headers = %v", headers)
	}
}
