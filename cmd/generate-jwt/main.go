package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"settlement-backend/internal/config"
	"settlement-backend/internal/handlers"
)

func main() {
	var (
		userID  = flag.Uint64("user", 0, "User id to issue the token for")
		role    = flag.String("role", "", "Token role (\"admin\" for reviewer endpoints)")
		ttl     = flag.Duration("ttl", 24*time.Hour, "Token lifetime")
		secret  = flag.String("secret", os.Getenv("JWT_SECRET"), "HS256 secret (default $JWT_SECRET)")
		issuer  = flag.String("issuer", "settlement-backend", "Token issuer, must match auth.issuer")
		cfgPath = flag.String("config", "", "Read secret and issuer from this config file instead")
	)
	flag.Parse()

	if *userID == 0 {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}

	auth := config.AuthConfig{JWTSecret: *secret, Issuer: *issuer}
	if *cfgPath != "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		auth = cfg.Auth
	}

	token, err := handlers.GenerateJWTToken(auth, *userID, *role, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("============================================================")
	fmt.Println("JWT Token Generated")
	fmt.Println("============================================================")
	fmt.Println()
	fmt.Println(token)
	fmt.Println()
	fmt.Printf("  User ID: %d\n", *userID)
	if *role != "" {
		fmt.Printf("  Role:    %s\n", *role)
	}
	fmt.Printf("  Expires: %s\n", time.Now().Add(*ttl).Format(time.RFC3339))
	fmt.Println()
	fmt.Printf("curl -H 'Authorization: Bearer %s' http://localhost:8080/api/v1/wallet\n", token)
}
