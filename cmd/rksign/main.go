// Command rksign manages the rkBPF signing envelope: key generation,
// signing object files for loading, verification against a trusted key,
// and header inspection.
//
// Usage:
//
//	rksign keygen --out signer
//	rksign sign --key signer.key --in prog.o --out prog.rbpf
//	rksign verify --pub signer.pub prog.rbpf
//	rksign inspect prog.rbpf
package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/axiomos/rkbpf/internal/signing"
)

var (
	flagKey    string
	flagPub    string
	flagIn     string
	flagOut    string
	flagFlags  []string
	flagMaxAge time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "rksign",
		Short:         "Sign and verify rkBPF program envelopes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 signing key pair",
		RunE:  runKeygen,
	}
	keygen.Flags().StringVar(&flagOut, "out", "signer", "output file prefix (<out>.key, <out>.pub)")

	sign := &cobra.Command{
		Use:   "sign",
		Short: "Wrap an object file in a signed envelope",
		RunE:  runSign,
	}
	sign.Flags().StringVar(&flagKey, "key", "", "hex seed file produced by keygen (required)")
	sign.Flags().StringVar(&flagIn, "in", "", "object file to sign (required)")
	sign.Flags().StringVar(&flagOut, "out", "", "signed output path (required)")
	sign.Flags().StringSliceVar(&flagFlags, "flag", nil,
		"envelope flags: requires-caps, debug, expiry (repeatable)")

	verify := &cobra.Command{
		Use:   "verify <signed-file>",
		Short: "Verify a signed envelope against a public key",
		Args:  cobra.ExactArgs(1),
		RunE:  runVerify,
	}
	verify.Flags().StringVar(&flagPub, "pub", "", "hex public key file (required)")
	verify.Flags().DurationVar(&flagMaxAge, "max-age", signing.DefaultMaxAge,
		"maximum signature age for envelopes carrying the expiry flag")

	inspect := &cobra.Command{
		Use:   "inspect <signed-file>",
		Short: "Print a signed envelope's header",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}

	root.AddCommand(keygen, sign, verify, inspect)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rksign:", err)
		os.Exit(1)
	}
}

func runKeygen(_ *cobra.Command, _ []string) error {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	seed := hex.EncodeToString(priv.Seed())
	if err := os.WriteFile(flagOut+".key", []byte(seed+"\n"), 0o600); err != nil {
		return err
	}
	if err := os.WriteFile(flagOut+".pub", []byte(hex.EncodeToString(pub)+"\n"), 0o644); err != nil {
		return err
	}
	fmt.Printf("wrote %s.key and %s.pub (signer id %x)\n", flagOut, flagOut, signing.SignerIDOf(pub))
	return nil
}

// readHexFile reads a single hex token of the expected decoded length.
func readHexFile(path string, wantLen int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%s: not valid hex: %w", path, err)
	}
	if len(raw) != wantLen {
		return nil, fmt.Errorf("%s: decoded %d bytes, want %d", path, len(raw), wantLen)
	}
	return raw, nil
}

func parseFlags(names []string) (signing.Flags, error) {
	var flags signing.Flags
	for _, name := range names {
		switch name {
		case "requires-caps":
			flags |= signing.FlagRequiresCaps
		case "debug":
			flags |= signing.FlagDebugBuild
		case "expiry":
			flags |= signing.FlagHasExpiry
		default:
			return 0, fmt.Errorf("unknown flag %q", name)
		}
	}
	return flags, nil
}

func runSign(_ *cobra.Command, _ []string) error {
	if flagKey == "" || flagIn == "" || flagOut == "" {
		return errors.New("--key, --in, and --out are required")
	}
	seed, err := readHexFile(flagKey, ed25519.SeedSize)
	if err != nil {
		return err
	}
	flags, err := parseFlags(flagFlags)
	if err != nil {
		return err
	}
	body, err := os.ReadFile(flagIn)
	if err != nil {
		return err
	}

	priv := ed25519.NewKeyFromSeed(seed)
	blob := signing.Sign(body, priv, flags, time.Now())
	if err := os.WriteFile(flagOut, blob, 0o644); err != nil {
		return err
	}
	fmt.Printf("signed %s (%d body bytes) -> %s\n", flagIn, len(body), flagOut)
	return nil
}

func runVerify(_ *cobra.Command, args []string) error {
	if flagPub == "" {
		return errors.New("--pub is required")
	}
	pub, err := readHexFile(flagPub, ed25519.PublicKeySize)
	if err != nil {
		return err
	}
	blob, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	keys := signing.NewKeyring()
	if err := keys.AddBytes(pub); err != nil {
		return err
	}
	verifier := signing.NewVerifier(keys, signing.WithMaxAge(flagMaxAge))
	env, err := verifier.VerifyBlob(blob)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	fmt.Printf("OK: signer %s, signed at %s, %d body bytes\n",
		env.Header.SignerID, time.Unix(int64(env.Header.SignedAt), 0).UTC().Format(time.RFC3339),
		len(env.Body))
	return nil
}

func runInspect(_ *cobra.Command, args []string) error {
	blob, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	env, err := signing.Parse(blob)
	if err != nil {
		return err
	}
	h := env.Header

	var flags []string
	if h.Flags.Has(signing.FlagRequiresCaps) {
		flags = append(flags, "requires-caps")
	}
	if h.Flags.Has(signing.FlagDebugBuild) {
		flags = append(flags, "debug")
	}
	if h.Flags.Has(signing.FlagHasExpiry) {
		flags = append(flags, "expiry")
	}
	if len(flags) == 0 {
		flags = append(flags, "none")
	}

	fmt.Printf("version:    %d\n", h.Version)
	fmt.Printf("flags:      %s\n", strings.Join(flags, ","))
	fmt.Printf("body hash:  %x\n", h.BodyHash[:])
	fmt.Printf("signature:  %x...\n", h.Signature[:8])
	fmt.Printf("signer id:  %s\n", h.SignerID)
	fmt.Printf("signed at:  %s\n", time.Unix(int64(h.SignedAt), 0).UTC().Format(time.RFC3339))
	fmt.Printf("body bytes: %d\n", len(env.Body))

	hashState := "MISMATCH"
	if env.VerifyHash() == nil {
		hashState = "ok"
	}
	fmt.Printf("hash check: %s\n", hashState)
	return nil
}
