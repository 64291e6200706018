// Command authsign signs a bounty authorization offline.
//
// Usage:
//
//	AUTHORIZER_KEY=<hex> go run ./cmd/authsign -id 3 -submitter 0x.. -beneficiary 0x.. -reference ipfs://..
//	AUTHORIZER_KEY=<hex> go run ./cmd/authsign -digest 0x..
//
// The signature is printed as 0x-prefixed hex, ready for
// POST /v1/bounties/:id/authorization.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/bountyledger/internal/escrow"
)

func main() {
	if err := run(os.Args[1:], os.Getenv, os.Stdout); err != nil {
		log.Fatalf("authsign: %v", err)
	}
}

func run(args []string, getenv func(string) string, out io.Writer) error {
	fs := flag.NewFlagSet("authsign", flag.ContinueOnError)
	var (
		keyHex      = fs.String("key", "", "authorizer private key (hex); defaults to $AUTHORIZER_KEY")
		id          = fs.Uint64("id", 0, "bounty id")
		submitter   = fs.String("submitter", "", "address that will submit the signature")
		beneficiary = fs.String("beneficiary", "", "bounty beneficiary address")
		reference   = fs.String("reference", "", "bounty reference string")
		digestHex   = fs.String("digest", "", "sign a precomputed digest instead")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *keyHex == "" {
		*keyHex = getenv("AUTHORIZER_KEY")
	}
	if *keyHex == "" {
		return errors.New("a private key is required (-key or AUTHORIZER_KEY)")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(*keyHex, "0x"))
	if err != nil {
		return fmt.Errorf("invalid private key: %w", err)
	}

	var digest common.Hash
	if *digestHex != "" {
		b, err := hexutil.Decode(*digestHex)
		if err != nil || len(b) != common.HashLength {
			return fmt.Errorf("digest must be 32 bytes of 0x-prefixed hex")
		}
		digest = common.BytesToHash(b)
	} else {
		if *id == 0 {
			return errors.New("-id is required")
		}
		if !common.IsHexAddress(*submitter) || !common.IsHexAddress(*beneficiary) {
			return errors.New("-submitter and -beneficiary must be hex addresses")
		}
		digest, err = escrow.AuthorizationDigest(*id,
			common.HexToAddress(*submitter), common.HexToAddress(*beneficiary), *reference)
		if err != nil {
			return err
		}
	}

	sig, err := escrow.SignAuthorization(key, digest)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	fmt.Fprintf(out, "authorizer: %s\n", crypto.PubkeyToAddress(key.PublicKey).Hex())
	fmt.Fprintf(out, "digest:     %s\n", digest.Hex())
	fmt.Fprintf(out, "signature:  %s\n", hexutil.Encode(sig))
	return nil
}
