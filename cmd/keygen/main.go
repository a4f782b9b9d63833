// cmd/keygen generates the key material a subscriber needs before calling
// the registry's /subscribe endpoint:
//
//   - an Ed25519 signing keypair (request signatures, site verification)
//   - an X25519 encryption keypair (on_subscribe challenge decryption)
//
// Keys print as base64 env-var assignments ready for a service .env file.
// The public halves go into the subscribe payload; the private halves stay
// with the service.
//
// Usage:
//
//	go run ./cmd/keygen/
//	go run ./cmd/keygen/ --hash-token "s3cret"   # also print an Argon2id
//	                                             # hash for ADMIN_TOKEN_HASH
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/becknworks/beckn-mesh/internal/crypto"
)

func main() {
	hashToken := flag.String("hash-token", "", "admin bearer token to hash for ADMIN_TOKEN_HASH")
	flag.Parse()

	signPriv, signPub, err := crypto.GenerateSigningKeypair()
	if err != nil {
		fatalf("generate signing keypair: %v", err)
	}
	encPriv, encPub, err := crypto.GenerateEncryptionKeypair()
	if err != nil {
		fatalf("generate encryption keypair: %v", err)
	}

	fmt.Println("# private keys, keep with the service")
	fmt.Printf("SIGNING_PRIVATE_KEY=%s\n", signPriv)
	fmt.Printf("ENCRYPTION_PRIVATE_KEY=%s\n", encPriv)
	fmt.Println()
	fmt.Println("# public keys, submit in the /subscribe payload")
	fmt.Printf("signing_public_key:    %s\n", signPub)
	fmt.Printf("encryption_public_key: %s\n", encPub)

	if *hashToken != "" {
		hash, err := crypto.HashSecret(*hashToken)
		if err != nil {
			fatalf("hash admin token: %v", err)
		}
		fmt.Println()
		fmt.Println("# registry admin auth")
		fmt.Printf("ADMIN_TOKEN_HASH=%s\n", hash)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
