// caseledger is the operator CLI: verify event integrity, replay case
// timelines, and check server health.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/juris-labs/caseledger/pkg/eventlog"
	"github.com/juris-labs/caseledger/pkg/workspace"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; exported for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "replay":
		return runReplay(args[2:], stdout, stderr)
	case "health":
		return runHealth(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: caseledger <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  verify   Recompute checksums over a case's event timeline (--db, --tenant, --case)")
	fmt.Fprintln(w, "  replay   Rebuild a case from its event timeline and print it (--db, --tenant, --case)")
	fmt.Fprintln(w, "  health   Check a running server (--addr)")
}

// openLog opens the event log behind a database URL, Postgres or SQLite.
func openLog(ctx context.Context, databaseURL string) (*eventlog.SQL, func(), error) {
	driver, dialect := "sqlite", eventlog.DialectSQLite
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver, dialect = "postgres", eventlog.DialectPostgres
	}

	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	cleanup := func() { _ = db.Close() }
	if err := db.PingContext(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return eventlog.NewSQL(db, dialect), cleanup, nil
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbURL := fs.String("db", "", "database URL or SQLite path")
	tenantID := fs.String("tenant", "", "tenant id")
	caseID := fs.String("case", "", "case id")
	asJSON := fs.Bool("json", false, "emit JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dbURL == "" || *tenantID == "" || *caseID == "" {
		fmt.Fprintln(stderr, "verify: --db, --tenant and --case are required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log, cleanup, err := openLog(ctx, *dbURL)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	events, err := log.Timeline(ctx, *tenantID, "case", *caseID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(events) == 0 {
		fmt.Fprintf(stderr, "no events for case %s\n", *caseID)
		return 1
	}

	var failed []string
	for _, evt := range events {
		ok, err := log.VerifyIntegrity(ctx, evt.ID)
		if err != nil && !errors.Is(err, eventlog.ErrIntegrityMismatch) {
			fmt.Fprintln(stderr, err)
			return 1
		}
		if !ok {
			failed = append(failed, evt.ID)
		}
	}

	if *asJSON {
		_ = json.NewEncoder(stdout).Encode(map[string]any{
			"case_id":       *caseID,
			"events":        len(events),
			"failed_events": failed,
			"valid":         len(failed) == 0,
		})
	} else {
		fmt.Fprintf(stdout, "%d events checked\n", len(events))
		for _, id := range failed {
			fmt.Fprintf(stdout, "FAILED %s\n", id)
		}
		if len(failed) == 0 {
			fmt.Fprintln(stdout, "OK")
		}
	}
	if len(failed) > 0 {
		return 1
	}
	return 0
}

func runReplay(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbURL := fs.String("db", "", "database URL or SQLite path")
	tenantID := fs.String("tenant", "", "tenant id")
	caseID := fs.String("case", "", "case id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *dbURL == "" || *tenantID == "" || *caseID == "" {
		fmt.Fprintln(stderr, "replay: --db, --tenant and --case are required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log, cleanup, err := openLog(ctx, *dbURL)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer cleanup()

	events, err := log.Timeline(ctx, *tenantID, "case", *caseID)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	c, err := workspace.Reduce(events)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(c)
	return 0
}

func runHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8080", "server base URL")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(*addr, "/") + "/health")
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "unhealthy: %s\n", resp.Status)
		return 1
	}
	fmt.Fprintln(stdout, "ok")
	return 0
}
