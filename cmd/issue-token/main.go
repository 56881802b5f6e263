// Command issue-token mints a bearer token for the treasury API. Intended for
// local development and operator use; the signing secret comes from JWT_SECRET.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/R3E-Network/treasury_layer/internal/middleware"
)

func main() {
	subject := flag.String("subject", "", "token subject (required)")
	role := flag.String("role", middleware.RoleGuardian, "role claim")
	ttl := flag.Duration("ttl", time.Hour, "token lifetime")
	flag.Parse()

	if *subject == "" {
		flag.Usage()
		os.Exit(1)
	}

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal("JWT_SECRET not set")
	}

	token, err := middleware.IssueToken([]byte(secret), *subject, *role, *ttl)
	if err != nil {
		log.Fatalf("issue token: %v", err)
	}
	fmt.Println(token)
}
