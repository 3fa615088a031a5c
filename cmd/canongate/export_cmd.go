package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/Ordinal-Systems/canongate/pkg/export"
	"github.com/Ordinal-Systems/canongate/pkg/ledger"
)

// runExportCmd implements `canongate export`: seals one ledger chain into a
// portable bundle whose MAC is keyed per chain, so an auditor can verify it
// without access to the live server.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir     string
		chainID string
		outPath string
	)

	cmd.StringVar(&dir, "dir", "data/ledger", "Ledger data directory")
	cmd.StringVar(&chainID, "chain", "", "Chain id to export (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output path; stdout when empty")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if chainID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --chain is required")
		return 2
	}

	rootKey := os.Getenv("EXPORT_ROOT_KEY")
	if rootKey == "" {
		_, _ = fmt.Fprintln(stderr, "Error: EXPORT_ROOT_KEY is required")
		return 2
	}
	key, err := hex.DecodeString(rootKey)
	if err != nil {
		key = []byte(rootKey)
	}
	keyring, err := export.NewKeyring(key)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	store, err := ledger.NewFileStore(dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot open ledger dir: %v\n", err)
		return 2
	}

	bundle, err := export.NewExporter(store, keyring).ExportChain(context.Background(), chainID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if outPath == "" {
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot write bundle: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "bundle written to %s (%d entries)\n", outPath, bundle.EntryCount)
	return 0
}
