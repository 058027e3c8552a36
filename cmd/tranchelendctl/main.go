package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"tranchelend/crypto"
)

// tranchelendctl is the offline companion tool for lenders: it manages
// signing keys and produces the recoverable signatures a borrower submits
// alongside Borrow for direct-funded tranches.

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "gen-key":
		err = genKey(os.Args[2:])
	case "addr":
		err = showAddr(os.Args[2:])
	case "sign-offer":
		err = signOffer(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tranchelendctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: tranchelendctl <command> [flags]

commands:
  gen-key    -out <file>               generate a lender key
  addr       -key <file>               print the key's addresses
  sign-offer -key <file> -digest <hex> sign an offer digest`)
}

func genKey(args []string) error {
	fs := flag.NewFlagSet("gen-key", flag.ExitOnError)
	out := fs.String("out", "lender.key", "output file for the hex-encoded key")
	fs.Parse(args)

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	encoded := hex.EncodeToString(key.Bytes())
	if err := os.WriteFile(*out, []byte(encoded+"\n"), 0o600); err != nil {
		return err
	}
	fmt.Printf("key written to %s\naddress: %s\n", *out, key.PubKey().Address())
	return nil
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}
	return crypto.PrivateKeyFromBytes(decoded)
}

func showAddr(args []string) error {
	fs := flag.NewFlagSet("addr", flag.ExitOnError)
	keyFile := fs.String("key", "lender.key", "key file")
	fs.Parse(args)

	key, err := loadKey(*keyFile)
	if err != nil {
		return err
	}
	raw := key.PubKey().RawAddress()
	fmt.Printf("bech32: %s\nhex:    0x%s\n", key.PubKey().Address(), hex.EncodeToString(raw[:]))
	return nil
}

func signOffer(args []string) error {
	fs := flag.NewFlagSet("sign-offer", flag.ExitOnError)
	keyFile := fs.String("key", "lender.key", "key file")
	digestHex := fs.String("digest", "", "32-byte offer digest (hex)")
	fs.Parse(args)

	key, err := loadKey(*keyFile)
	if err != nil {
		return err
	}
	digest, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(*digestHex), "0x"))
	if err != nil {
		return fmt.Errorf("decode digest: %w", err)
	}
	if len(digest) != 32 {
		return fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	sig, err := ethcrypto.Sign(digest, key.PrivateKey)
	if err != nil {
		return err
	}
	fmt.Printf("signature: 0x%s\n", hex.EncodeToString(sig))
	return nil
}
