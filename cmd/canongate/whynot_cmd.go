package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/Ordinal-Systems/canongate/pkg/denial"
)

// runWhynotCmd implements `canongate whynot`: queries persisted denial
// traces straight from the database, for answering "why was this action
// denied" without going through the HTTP API.
func runWhynotCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("whynot", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dsn      string
		actionID string
		tenantID string
		limit    int
	)

	cmd.StringVar(&dsn, "dsn", "", "Database DSN (REQUIRED; postgres:// or sqlite path)")
	cmd.StringVar(&actionID, "action", "", "Filter by action id")
	cmd.StringVar(&tenantID, "tenant", "", "Filter by tenant id")
	cmd.IntVar(&limit, "limit", 0, "Max traces to return (default 100)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if dsn == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --dsn is required")
		return 2
	}
	if actionID == "" && tenantID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: at least one of --action or --tenant is required")
		return 2
	}

	driver := "sqlite"
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot open database: %v\n", err)
		return 2
	}
	defer db.Close()

	ctx := context.Background()
	store, err := denial.NewSQLStore(ctx, db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	recorder := denial.NewRecorder(store, slog.New(slog.NewTextHandler(stderr, nil)))
	traces, err := recorder.GetDeniedDecisions(ctx, denial.Query{
		ActionID: actionID,
		TenantID: tenantID,
		Limit:    limit,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: query failed: %v\n", err)
		return 2
	}

	if len(traces) == 0 {
		_, _ = fmt.Fprintln(stdout, "no denial traces found")
		return 0
	}
	data, _ := json.MarshalIndent(traces, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
