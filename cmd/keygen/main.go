/**
 * @description
 * Provisioning helper for a federation bank. It generates the bank's RSA signing key
 * pair in KEYS_DIR and hashes secrets for TEAM_CREDENTIALS and BANKER_PASSWORD_HASH.
 *
 * Usage:
 *   go run ./cmd/keygen key <bank-code>
 *   go run ./cmd/keygen hash <secret>
 *
 * Example:
 *   KEYS_DIR=shared/keys go run ./cmd/keygen key abank
 *
 * @dependencies
 * - github.com/joho/godotenv: loads KEYS_DIR from a local .env file.
 * - golang.org/x/crypto/bcrypt: secret hashing.
 */

package main

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/federation/bank-service/internal/token"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
)

const rsaKeyBits = 2048

func usage() {
	fmt.Println("Usage:")
	fmt.Println("  go run ./cmd/keygen key <bank-code>")
	fmt.Println("  go run ./cmd/keygen hash <secret>")
	os.Exit(1)
}

func main() {
	if len(os.Args) != 3 {
		usage()
	}

	// Load environment variables from .env file if it exists
	_ = godotenv.Load()

	switch os.Args[1] {
	case "key":
		generateKey(strings.ToLower(strings.TrimSpace(os.Args[2])))
	case "hash":
		hash, err := bcrypt.GenerateFromPassword([]byte(os.Args[2]), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("Failed to hash secret: %v", err)
		}
		fmt.Println(string(hash))
	default:
		usage()
	}
}

func generateKey(bankCode string) {
	if bankCode == "" {
		log.Fatal("bank code is required")
	}
	dir := os.Getenv("KEYS_DIR")
	if dir == "" {
		dir = "shared/keys"
		fmt.Println("Using default keys directory:", dir)
	}
	version := os.Getenv("KEY_VERSION")
	if version == "" {
		version = "2025"
	}

	privatePath := filepath.Join(dir, bankCode+"_private.pem")
	if _, err := os.Stat(privatePath); err == nil {
		fmt.Printf("%s already exists. Tokens signed with it will stop verifying.\n", privatePath)
		fmt.Printf("Overwrite it? (yes/no): ")
		var confirmation string
		fmt.Scanln(&confirmation)
		if confirmation != "yes" {
			fmt.Println("Key generation cancelled.")
			os.Exit(0)
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		log.Fatalf("Failed to generate RSA key: %v", err)
	}
	if err := token.WriteKeyPair(dir, bankCode, key); err != nil {
		log.Fatalf("Failed to write key pair: %v", err)
	}

	fmt.Printf("Wrote key pair for %s to %s\n", bankCode, dir)
	fmt.Printf("Key id: %s\n", token.KeyID(bankCode, version))
	fmt.Printf("Share %s_public.pem with federation members that verify %s tokens offline.\n", bankCode, bankCode)
}
