package router

import "testing"

func TestParseHostControlDomain(t *testing.T) {
	tgt, ok := parseHost("control.tenement.local", "control.tenement.local", "tenement.local")
	if !ok || !tgt.control {
		t.Fatalf("expected control match, got %+v ok=%v", tgt, ok)
	}
}

func TestParseHostDirectRouting(t *testing.T) {
	tgt, ok := parseHost("prod.api.tenement.local", "control.tenement.local", "tenement.local")
	if !ok || tgt.control || tgt.weighted {
		t.Fatalf("expected direct match, got %+v ok=%v", tgt, ok)
	}
	if tgt.service != "api" || tgt.label != "prod" {
		t.Fatalf("expected service=api label=prod, got %+v", tgt)
	}
}

func TestParseHostWeightedRouting(t *testing.T) {
	tgt, ok := parseHost("api.tenement.local", "control.tenement.local", "tenement.local")
	if !ok || !tgt.weighted {
		t.Fatalf("expected weighted match, got %+v ok=%v", tgt, ok)
	}
	if tgt.service != "api" {
		t.Fatalf("expected service=api, got %+v", tgt)
	}
}

func TestParseHostNoMatchReturns404(t *testing.T) {
	_, ok := parseHost("example.com", "control.tenement.local", "tenement.local")
	if ok {
		t.Fatal("expected no match for unrelated domain")
	}

	_, ok = parseHost("tenement.local", "control.tenement.local", "tenement.local")
	if ok {
		t.Fatal("expected no match for bare base domain with no subdomain")
	}
}

func TestParseHostStripsPort(t *testing.T) {
	tgt, ok := parseHost("api.tenement.local:8080", "control.tenement.local", "tenement.local")
	if !ok || tgt.service != "api" {
		t.Fatalf("expected port to be stripped, got %+v ok=%v", tgt, ok)
	}
}

func TestParseHostCaseInsensitive(t *testing.T) {
	tgt, ok := parseHost("Prod.API.Tenement.Local", "control.tenement.local", "tenement.local")
	if !ok || tgt.service != "api" || tgt.label != "prod" {
		t.Fatalf("expected case-insensitive match, got %+v ok=%v", tgt, ok)
	}
}
