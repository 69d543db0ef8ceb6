package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/excalibur-labs/dispatch/pkg/audit"
	"github.com/excalibur-labs/dispatch/pkg/kms"
)

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if got := Run([]string{"dispatchd", "bogus"}, &out, &errOut); got != 2 {
		t.Fatalf("exit = %d, want 2", got)
	}
	if !strings.Contains(errOut.String(), "Unknown command: bogus") {
		t.Errorf("stderr = %q, want unknown command notice", errOut.String())
	}
}

func TestRunHelp(t *testing.T) {
	var out, errOut bytes.Buffer
	if got := Run([]string{"dispatchd", "help"}, &out, &errOut); got != 0 {
		t.Fatalf("exit = %d, want 0", got)
	}
	if !strings.Contains(out.String(), "USAGE") {
		t.Errorf("stdout missing usage, got %q", out.String())
	}
}

func TestRunDefaultsToServe(t *testing.T) {
	old := startServer
	defer func() { startServer = old }()

	var gotArgs []string
	calls := 0
	startServer = func(args []string, stdout, stderr io.Writer) int {
		calls++
		gotArgs = args
		return 0
	}

	if got := Run([]string{"dispatchd"}, io.Discard, io.Discard); got != 0 {
		t.Fatalf("exit = %d, want 0", got)
	}
	if calls != 1 {
		t.Fatalf("server started %d times, want 1", calls)
	}

	// A leading flag also routes to the server, flags included.
	if got := Run([]string{"dispatchd", "--health-addr", ":9099"}, io.Discard, io.Discard); got != 0 {
		t.Fatalf("exit = %d, want 0", got)
	}
	if calls != 2 || len(gotArgs) == 0 || gotArgs[0] != "--health-addr" {
		t.Errorf("flag-like arg did not reach the server, args = %v", gotArgs)
	}
}

func TestAuditVerifyRequiresTenant(t *testing.T) {
	var out, errOut bytes.Buffer
	if got := runAuditCmd([]string{"verify"}, &out, &errOut); got != 2 {
		t.Fatalf("exit = %d, want 2", got)
	}
	if !strings.Contains(errOut.String(), "--tenant is required") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

// seedJournal writes a short chain for one tenant into a fresh SQLite
// file and returns its path.
func seedJournal(t *testing.T, tenant string, n int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	journal, err := audit.NewSQLiteJournal(db)
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	for i := 0; i < n; i++ {
		_, err := journal.Append(context.Background(), &audit.Event{
			EventType: audit.EventTypeSystem,
			Action:    "runtime.start",
			Outcome:   audit.OutcomeSuccess,
			ActorID:   "system",
			TenantID:  tenant,
		})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	return path
}

func TestAuditVerifyIntactChain(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := seedJournal(t, "acme", 3)

	var out, errOut bytes.Buffer
	got := runAuditCmd([]string{"verify", "--tenant", "acme", "--db", path}, &out, &errOut)
	if got != 0 {
		t.Fatalf("exit = %d, want 0 (stderr %q)", got, errOut.String())
	}
	if !strings.Contains(out.String(), "Chain intact") || !strings.Contains(out.String(), "3 events") {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestAuditVerifyDetectsTampering(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := seedJournal(t, "acme", 3)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := db.Exec(`UPDATE audit_events SET action = 'tampered' WHERE sequence_number = 2`); err != nil {
		t.Fatalf("tamper: %v", err)
	}
	db.Close()

	var out, errOut bytes.Buffer
	got := runAuditCmd([]string{"verify", "--tenant", "acme", "--db", path}, &out, &errOut)
	if got != 1 {
		t.Fatalf("exit = %d, want 1 (stdout %q)", got, out.String())
	}
	if !strings.Contains(out.String(), "Chain broken") {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestAuditVerifyJSONOutput(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	path := seedJournal(t, "acme", 2)

	var out, errOut bytes.Buffer
	got := runAuditCmd([]string{"verify", "--tenant", "acme", "--db", path, "--json"}, &out, &errOut)
	if got != 0 {
		t.Fatalf("exit = %d, want 0 (stderr %q)", got, errOut.String())
	}
	var res audit.IntegrityResult
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.IsValid || res.EventsVerified != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestKMSRotateRequiresKey(t *testing.T) {
	var out, errOut bytes.Buffer
	if got := runKMSCmd([]string{"rotate"}, &out, &errOut); got != 2 {
		t.Fatalf("exit = %d, want 2", got)
	}
}

func TestKMSRotateCreatesAndBumps(t *testing.T) {
	keystore := filepath.Join(t.TempDir(), "keys.json")

	var out, errOut bytes.Buffer
	args := []string{"rotate", "--key", "orders-pii", "--keystore", keystore, "--json"}
	if got := runKMSCmd(args, &out, &errOut); got != 0 {
		t.Fatalf("first rotate exit = %d (stderr %q)", got, errOut.String())
	}
	var first kms.RotationResult
	if err := json.Unmarshal(out.Bytes(), &first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.NewVersion != 1 {
		t.Errorf("first rotation version = %d, want 1", first.NewVersion)
	}

	out.Reset()
	if got := runKMSCmd(args, &out, &errOut); got != 0 {
		t.Fatalf("second rotate exit = %d (stderr %q)", got, errOut.String())
	}
	var second kms.RotationResult
	if err := json.Unmarshal(out.Bytes(), &second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.NewVersion != 2 || second.OldVersion != 1 {
		t.Errorf("second rotation = %+v", second)
	}
}

func TestKMSListShowsRotatedVersions(t *testing.T) {
	keystore := filepath.Join(t.TempDir(), "keys.json")

	var out, errOut bytes.Buffer
	if got := runKMSCmd([]string{"rotate", "--key", "orders-pii", "--keystore", keystore}, &out, &errOut); got != 0 {
		t.Fatalf("rotate exit = %d (stderr %q)", got, errOut.String())
	}

	out.Reset()
	if got := runKMSCmd([]string{"list", "--keystore", keystore}, &out, &errOut); got != 0 {
		t.Fatalf("list exit = %d (stderr %q)", got, errOut.String())
	}
	if !strings.Contains(out.String(), "orders-pii") || !strings.Contains(out.String(), "Active") {
		t.Errorf("list output = %q", out.String())
	}
}

func TestKMSListEmptyStore(t *testing.T) {
	keystore := filepath.Join(t.TempDir(), "keys.json")

	var out, errOut bytes.Buffer
	if got := runKMSCmd([]string{"list", "--keystore", keystore}, &out, &errOut); got != 0 {
		t.Fatalf("exit = %d (stderr %q)", got, errOut.String())
	}
	if !strings.Contains(out.String(), "No keys found") {
		t.Errorf("stdout = %q", out.String())
	}
}

func TestHealthCmd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("OK"))
	}))
	addr := strings.TrimPrefix(srv.URL, "http://")

	var out, errOut bytes.Buffer
	if got := runHealthCmd([]string{"--addr", addr}, &out, &errOut); got != 0 {
		t.Fatalf("exit = %d (stderr %q)", got, errOut.String())
	}
	if !strings.Contains(out.String(), "OK") {
		t.Errorf("stdout = %q", out.String())
	}

	srv.Close()
	out.Reset()
	errOut.Reset()
	if got := runHealthCmd([]string{"--addr", addr}, &out, &errOut); got != 1 {
		t.Fatalf("exit after shutdown = %d, want 1", got)
	}
}
