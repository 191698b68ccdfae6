// Package main - service token CLI.
//
// Usage:
//
//	go run cmd/token/main.go issue NAME [TTL]  # Mint a bearer token (TTL like 24h, default 720h)
//	go run cmd/token/main.go verify TOKEN      # Validate a token and print its claims
//
// Requires JWT_SECRET in the environment or a .env file. Tokens minted here
// authenticate against the /api routes when the server runs with the same
// secret.
package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"forgeflow/internal/server"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		if err := godotenv.Load("../.env"); err != nil {
			if err := godotenv.Load("../../.env"); err != nil {
				log.Println("No .env file found, using environment variables")
			}
		}
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	tokens := server.NewTokenService(os.Getenv("JWT_SECRET"))
	if !tokens.Enabled() {
		log.Fatal("JWT_SECRET is not set; there is no signing key to work with")
	}

	switch os.Args[1] {
	case "issue":
		if len(os.Args) < 3 {
			printUsage()
			os.Exit(1)
		}
		name := os.Args[2]
		ttl := 720 * time.Hour
		if len(os.Args) > 3 {
			parsed, err := time.ParseDuration(os.Args[3])
			if err != nil {
				log.Fatalf("Invalid TTL %q: %v", os.Args[3], err)
			}
			ttl = parsed
		}
		token, err := tokens.Issue(name, ttl)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Printf("Token for %q (expires %s):\n%s\n", name, time.Now().Add(ttl).Format(time.RFC3339), token)

	case "verify":
		if len(os.Args) < 3 {
			printUsage()
			os.Exit(1)
		}
		claims, err := tokens.Validate(os.Args[2])
		if err != nil {
			log.Fatalf("Token invalid: %v", err)
		}
		expires := "never"
		if claims.ExpiresAt != nil {
			expires = claims.ExpiresAt.Format(time.RFC3339)
		}
		fmt.Printf("Token valid\n  name:    %s\n  subject: %s\n  expires: %s\n",
			claims.Name, claims.Subject, expires)

	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  go run cmd/token/main.go issue NAME [TTL]  # Mint a bearer token")
	fmt.Println("  go run cmd/token/main.go verify TOKEN      # Validate a token")
}
