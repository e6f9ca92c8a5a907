package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/averden/switchboard/internal/db"
	"github.com/averden/switchboard/internal/models"
)

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "switchboard.yaml")
	content := "database:\n  driver: sqlite\n  path: " + filepath.Join(dir, "swb.db") + "\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDBInitCmd(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())

	out, err := runCmd(t, "db", "init", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db init failed: %v", err)
	}
	if !strings.Contains(out, "Connected to sqlite database") {
		t.Errorf("output = %s", out)
	}
	if !strings.Contains(out, "Migrated") {
		t.Errorf("expected migration summary, got: %s", out)
	}
}

func TestDBMigrateCmd_Rerunnable(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())

	if _, err := runCmd(t, "db", "init", "--config", cfgPath); err != nil {
		t.Fatalf("db init: %v", err)
	}
	out, err := runCmd(t, "db", "migrate", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db migrate failed: %v", err)
	}
	if !strings.Contains(out, "Migrated") {
		t.Errorf("output = %s", out)
	}
}

func TestDBInitCmd_MissingExplicitConfig(t *testing.T) {
	_, err := runCmd(t, "db", "init", "--config", "/nonexistent/switchboard.yaml")
	if err == nil {
		t.Fatal("expected error for missing explicit config file")
	}
}

func TestAccountAddAndList(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())
	if _, err := runCmd(t, "db", "init", "--config", cfgPath); err != nil {
		t.Fatalf("db init: %v", err)
	}

	out, err := runCmd(t, "account", "add", "--config", cfgPath,
		"--name", "support", "--transport", "callback", "--credential", "tok:secret")
	if err != nil {
		t.Fatalf("account add failed: %v", err)
	}
	if !strings.Contains(out, "registered") {
		t.Errorf("output = %s", out)
	}

	out, err = runCmd(t, "account", "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("account list failed: %v", err)
	}
	if !strings.Contains(out, "support") || !strings.Contains(out, "callback") {
		t.Errorf("list output = %s", out)
	}
}

func TestAccountAdd_RejectsBadCredential(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())
	if _, err := runCmd(t, "db", "init", "--config", cfgPath); err != nil {
		t.Fatalf("db init: %v", err)
	}

	_, err := runCmd(t, "account", "add", "--config", cfgPath,
		"--name", "bad", "--transport", "callback", "--credential", "missing-secret")
	if err == nil {
		t.Fatal("expected credential validation error")
	}
}

func TestAccountAdd_PollingIngest(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	if _, err := runCmd(t, "db", "init", "--config", cfgPath); err != nil {
		t.Fatalf("db init: %v", err)
	}

	if _, err := runCmd(t, "account", "add", "--config", cfgPath,
		"--name", "poller", "--transport", "callback", "--credential", "tok:secret",
		"--ingest", "polling"); err != nil {
		t.Fatalf("account add failed: %v", err)
	}

	gormDB, err := db.ConnectSQLite(filepath.Join(dir, "swb.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	var acc models.Account
	if err := gormDB.Where("name = ?", "poller").First(&acc).Error; err != nil {
		t.Fatalf("load account: %v", err)
	}
	if acc.Ingest != models.IngestPolling {
		t.Errorf("Ingest = %q, want polling", acc.Ingest)
	}

	if _, err := runCmd(t, "account", "add", "--config", cfgPath,
		"--name", "bad", "--transport", "callback", "--credential", "tok:secret",
		"--ingest", "carrier-pigeon"); err == nil {
		t.Error("expected error for unknown ingest mode")
	}
}

func TestOperatorAddAndList(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())
	if _, err := runCmd(t, "db", "init", "--config", cfgPath); err != nil {
		t.Fatalf("db init: %v", err)
	}

	if _, err := runCmd(t, "operator", "add", "--config", cfgPath, "--name", "olga", "--max-open", "10"); err != nil {
		t.Fatalf("operator add failed: %v", err)
	}

	out, err := runCmd(t, "operator", "list", "--config", cfgPath)
	if err != nil {
		t.Fatalf("operator list failed: %v", err)
	}
	if !strings.Contains(out, "olga") || !strings.Contains(out, "0/10") {
		t.Errorf("list output = %s", out)
	}
}

func TestAssignAndReleaseCmds(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeConfig(t, dir)
	if _, err := runCmd(t, "db", "init", "--config", cfgPath); err != nil {
		t.Fatalf("db init: %v", err)
	}

	gormDB, err := db.ConnectSQLite(filepath.Join(dir, "swb.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	op := models.Operator{Name: "olga", MaxOpen: 5, Active: true}
	if err := gormDB.Create(&op).Error; err != nil {
		t.Fatalf("seed operator: %v", err)
	}
	acc := models.Account{Name: "support", Transport: models.TransportCallback, Credential: "tok:secret", Active: true}
	if err := gormDB.Create(&acc).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	conv := models.Conversation{AccountID: acc.ID, RemoteID: "chat-1", Title: "Chat"}
	if err := gormDB.Create(&conv).Error; err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	out, err := runCmd(t, "assign", "--config", cfgPath,
		strconv.FormatUint(uint64(conv.ID), 10), strconv.FormatUint(uint64(op.ID), 10))
	if err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if !strings.Contains(out, "assigned to operator") {
		t.Errorf("assign output = %s", out)
	}

	out, err = runCmd(t, "release", "--config", cfgPath, strconv.FormatUint(uint64(conv.ID), 10))
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if !strings.Contains(out, "released") {
		t.Errorf("release output = %s", out)
	}
}

func TestStatusCmd(t *testing.T) {
	cfgPath := writeConfig(t, t.TempDir())
	if _, err := runCmd(t, "db", "init", "--config", cfgPath); err != nil {
		t.Fatalf("db init: %v", err)
	}

	out, err := runCmd(t, "status", "--config", cfgPath)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	for _, want := range []string{"Accounts:", "Conversations:", "Unread messages:", "Tasks:"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q: %s", want, out)
		}
	}
}
