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

// runVerifyCmd implements `canongate verify`.
//
// Auditor mode: checks a ledger chain's hash linkage offline against the
// JSONL files on disk, or validates an exported bundle's MAC and chain.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dir        string
		chainID    string
		bundlePath string
		jsonOutput bool
	)

	cmd.StringVar(&dir, "dir", "data/ledger", "Ledger data directory")
	cmd.StringVar(&chainID, "chain", "", "Chain id to verify")
	cmd.StringVar(&bundlePath, "bundle", "", "Path to an exported bundle JSON file")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if bundlePath != "" {
		return verifyBundleFile(bundlePath, jsonOutput, stdout, stderr)
	}

	if chainID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --chain or --bundle is required")
		return 2
	}

	store, err := ledger.NewFileStore(dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot open ledger dir: %v\n", err)
		return 2
	}

	result, err := store.Verify(context.Background(), chainID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if result.Valid {
		_, _ = fmt.Fprintf(stdout, "chain %s OK (%d entries)\n", chainID, result.Entries)
	} else {
		_, _ = fmt.Fprintf(stdout, "chain %s TAMPERED at index %d: %s\n",
			chainID, result.FirstViolationIndex, result.Detail)
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func verifyBundleFile(path string, jsonOutput bool, stdout, stderr io.Writer) int {
	rootKey := os.Getenv("EXPORT_ROOT_KEY")
	if rootKey == "" {
		_, _ = fmt.Fprintln(stderr, "Error: EXPORT_ROOT_KEY is required to verify a bundle")
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

	data, err := os.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read bundle: %v\n", err)
		return 2
	}
	var bundle export.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot parse bundle: %v\n", err)
		return 2
	}

	verifyErr := export.VerifyBundle(&bundle, keyring)

	if jsonOutput {
		result := map[string]any{
			"bundle":   path,
			"chain_id": bundle.ChainID,
			"entries":  bundle.EntryCount,
			"valid":    verifyErr == nil,
		}
		if verifyErr != nil {
			result["error"] = verifyErr.Error()
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else if verifyErr == nil {
		_, _ = fmt.Fprintf(stdout, "bundle %s OK: chain %s, %d entries\n", path, bundle.ChainID, bundle.EntryCount)
	} else {
		_, _ = fmt.Fprintf(stdout, "bundle %s FAILED: %v\n", path, verifyErr)
	}

	if verifyErr != nil {
		return 1
	}
	return 0
}
