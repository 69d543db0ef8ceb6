package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/excalibur-labs/dispatch/pkg/audit"
)

func runAuditCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: dispatchd audit <verify>")
		return 2
	}
	switch args[0] {
	case "verify":
		return runAuditVerify(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown audit subcommand: %s\n", args[0])
		return 2
	}
}

// runAuditVerify recomputes a tenant's hash chain over a date range
// and reports the first break.
func runAuditVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("audit verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		tenantID   string
		fromRaw    string
		toRaw      string
		dbPath     string
		jsonOutput bool
	)
	cmd.StringVar(&tenantID, "tenant", "", "Tenant whose chain to verify (REQUIRED)")
	cmd.StringVar(&fromRaw, "from", "", "Range start, RFC 3339 (default: chain origin)")
	cmd.StringVar(&toRaw, "to", "", "Range end, RFC 3339 (default: now)")
	cmd.StringVar(&dbPath, "db", "data/dispatch.db", "SQLite journal path (ignored when DATABASE_URL is set)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if tenantID == "" {
		fmt.Fprintln(stderr, "Error: --tenant is required")
		cmd.Usage()
		return 2
	}

	from := time.Time{}
	to := time.Now().UTC()
	if fromRaw != "" {
		parsed, err := time.Parse(time.RFC3339, fromRaw)
		if err != nil {
			fmt.Fprintf(stderr, "Error: bad --from: %v\n", err)
			return 2
		}
		from = parsed
	}
	if toRaw != "" {
		parsed, err := time.Parse(time.RFC3339, toRaw)
		if err != nil {
			fmt.Fprintf(stderr, "Error: bad --to: %v\n", err)
			return 2
		}
		to = parsed
	}

	ctx := context.Background()
	journal, closeJournal, err := openJournal(ctx, dbPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeJournal()

	res, err := journal.VerifyChain(ctx, tenantID, from, to)
	if err != nil {
		fmt.Fprintf(stderr, "Verification failed: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else if res.IsValid {
		fmt.Fprintf(stdout, "%s✅ Chain intact%s: %d events verified for tenant %s\n",
			ColorBold+ColorGreen, ColorReset, res.EventsVerified, tenantID)
	} else {
		fmt.Fprintf(stdout, "%s❌ Chain broken%s: %d violations across %d events\n",
			ColorBold+ColorRed, ColorReset, res.ViolationCount, res.EventsVerified)
		fmt.Fprintf(stdout, "   First violation: %s (%s)\n",
			res.FirstViolationEventID, res.ViolationDescription)
	}

	if !res.IsValid {
		return 1
	}
	return 0
}

// openJournal picks the journal backend the daemon writes: postgres
// when DATABASE_URL is set, the lite-mode SQLite file otherwise.
func openJournal(ctx context.Context, dbPath string) (audit.Journal, func(), error) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		db, err := sql.Open("postgres", dbURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return audit.NewPostgresJournal(db), func() { _ = db.Close() }, nil
	}

	if _, err := os.Stat(dbPath); err != nil {
		return nil, nil, fmt.Errorf("no journal at %s: %w", dbPath, err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}
	journal, err := audit.NewSQLiteJournal(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return journal, func() { _ = db.Close() }, nil
}
