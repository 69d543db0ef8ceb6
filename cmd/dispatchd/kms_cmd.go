package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/excalibur-labs/dispatch/pkg/kms"
)

func runKMSCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "Usage: dispatchd kms <rotate|list>")
		return 2
	}
	switch args[0] {
	case "rotate":
		return runKMSRotate(args[1:], stdout, stderr)
	case "list":
		return runKMSList(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown kms subcommand: %s\n", args[0])
		return 2
	}
}

// runKMSRotate mints a new active version for a key; prior versions
// drop to decrypt-only. A key that does not exist yet is created at
// version 1.
func runKMSRotate(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("kms rotate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		keyID      string
		keystore   string
		algorithm  string
		purpose    string
		jsonOutput bool
	)
	cmd.StringVar(&keyID, "key", "", "Key to rotate (REQUIRED)")
	cmd.StringVar(&keystore, "keystore", os.Getenv("KMS_KEYSTORE_PATH"), "Keystore file path")
	cmd.StringVar(&algorithm, "algorithm", "", "Key algorithm (default AES-256-GCM)")
	cmd.StringVar(&purpose, "purpose", "", "Purpose recorded when this rotation creates the key")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if keyID == "" {
		fmt.Fprintln(stderr, "Error: --key is required")
		cmd.Usage()
		return 2
	}
	if keystore == "" {
		fmt.Fprintln(stderr, "Error: set --keystore or KMS_KEYSTORE_PATH")
		return 2
	}

	provider, err := openProvider(keystore)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	res, err := provider.Rotate(context.Background(), keyID, kms.Algorithm(algorithm), purpose)
	if err != nil {
		fmt.Fprintf(stderr, "Rotation failed: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	fmt.Fprintf(stdout, "%s✅ Key rotated%s: %s now at version %d (%s)\n",
		ColorBold+ColorGreen, ColorReset, res.KeyID, res.NewVersion, res.Algorithm)
	return 0
}

// runKMSList prints the key versions the store holds.
func runKMSList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("kms list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		keystore   string
		status     string
		purpose    string
		jsonOutput bool
	)
	cmd.StringVar(&keystore, "keystore", os.Getenv("KMS_KEYSTORE_PATH"), "Keystore file path")
	cmd.StringVar(&status, "status", "", "Filter by status (Active, DecryptOnly, ...)")
	cmd.StringVar(&purpose, "purpose", "", "Filter by purpose")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if keystore == "" {
		fmt.Fprintln(stderr, "Error: set --keystore or KMS_KEYSTORE_PATH")
		return 2
	}

	provider, err := openProvider(keystore)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	keys, err := provider.ListKeys(context.Background(), kms.KeyStatus(status), purpose)
	if err != nil {
		fmt.Fprintf(stderr, "List failed: %v\n", err)
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(keys, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	if len(keys) == 0 {
		fmt.Fprintln(stdout, "No keys found")
		return 0
	}
	for _, k := range keys {
		fmt.Fprintf(stdout, "  %s%s%s v%d %-12s %s %s\n",
			ColorGreen, k.KeyID, ColorReset, k.Version, k.Status, k.Algorithm, k.Purpose)
	}
	return 0
}

func openProvider(keystorePath string) (*kms.LocalProvider, error) {
	ks, err := kms.NewFileKeyStore(keystorePath)
	if err != nil {
		return nil, err
	}
	return kms.NewLocalProvider(ks, kms.Config{})
}
