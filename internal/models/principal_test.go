package models

import "testing"

func TestPrincipalHasScope(t *testing.T) {
	p := &Principal{Scopes: []string{"invoke", "admin"}}
	if !p.HasScope("invoke") {
		t.Fatalf("expected invoke scope to be present")
	}
	if p.HasScope("delete") {
		t.Fatalf("expected delete scope to be absent")
	}
}

func TestPrincipalHasScopeOnNilReceiver(t *testing.T) {
	var p *Principal
	if p.HasScope("invoke") {
		t.Fatalf("expected nil principal to have no scopes")
	}
}
