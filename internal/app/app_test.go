package app

import (
	"path/filepath"
	"testing"

	"github.com/bradax/broker/internal/config"
	"github.com/bradax/broker/internal/jsonfile"
	"github.com/bradax/broker/internal/models"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		DataDir:            t.TempDir(),
		AdminSessionSecret: "admin-secret",
		MasterJWTSecret:    "01234567890123456789012345678901",
	}
}

func TestCreateOperatorThenIssueAdminToken(t *testing.T) {
	cfg := testConfig(t)

	if err := CreateOperator(cfg, "alice", "hunter22"); err != nil {
		t.Fatalf("create operator: %v", err)
	}

	token, err := IssueAdminToken(cfg, "alice", "hunter22")
	if err != nil {
		t.Fatalf("issue admin token: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a non-empty admin token")
	}
}

func TestIssueAdminTokenRejectsWrongPassword(t *testing.T) {
	cfg := testConfig(t)
	if err := CreateOperator(cfg, "alice", "hunter22"); err != nil {
		t.Fatalf("create operator: %v", err)
	}
	if _, err := IssueAdminToken(cfg, "alice", "wrong"); err == nil {
		t.Fatalf("expected wrong password to be rejected")
	}
}

func TestIssueAdminTokenRejectsUnknownOperator(t *testing.T) {
	cfg := testConfig(t)
	if _, err := IssueAdminToken(cfg, "nobody", "whatever"); err == nil {
		t.Fatalf("expected unknown operator to be rejected")
	}
}

func TestReloadRulesAcceptsValidRuleFile(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.DataDir, "guardrails.json")
	if err := jsonfile.WriteAtomic(path, []models.GuardrailRule{
		{RuleID: "r1", Action: models.ActionFlag, Enabled: true},
	}); err != nil {
		t.Fatalf("seed rules: %v", err)
	}

	if err := ReloadRules(cfg); err != nil {
		t.Fatalf("reload rules: %v", err)
	}
}

func TestReloadRulesRejectsInvalidRuleFile(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(cfg.DataDir, "guardrails.json")
	if err := jsonfile.WriteAtomic(path, []models.GuardrailRule{
		{RuleID: "bad", Action: models.ActionSanitize, Enabled: true},
	}); err != nil {
		t.Fatalf("seed rules: %v", err)
	}

	if err := ReloadRules(cfg); err == nil {
		t.Fatalf("expected an invalid sanitize rule with no matcher to fail reload")
	}
}
