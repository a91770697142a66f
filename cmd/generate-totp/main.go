package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"settlement-backend/internal/config"
	"settlement-backend/internal/db"
	"settlement-backend/internal/models"
	"settlement-backend/internal/repository"
)

// Enrolls a user's funds credential (password + TOTP secret). With
// -operator it prints an admin.operators entry instead of touching the
// database, and with -code it prints the current code for a secret.
func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to config file")
		userID     = flag.Uint64("user", 0, "User id to enroll")
		password   = flag.String("password", "", "Funds password (default $FUNDS_PASSWORD)")
		issuer     = flag.String("issuer", "settlement", "Issuer shown in the authenticator app")
		noTOTP     = flag.Bool("no-totp", false, "Enroll a password only")
		codeFor    = flag.String("code", "", "Print the current code for this base32 secret and exit")
		operator   = flag.String("operator", "", "Print an admin.operators entry for this username")
	)
	flag.Parse()

	if *codeFor != "" {
		code, err := totp.GenerateCode(*codeFor, time.Now())
		if err != nil {
			fmt.Printf("Error generating TOTP code: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Current TOTP Code: %s\n", code)
		fmt.Printf("Valid for: ~30 seconds\n")
		return
	}

	if *password == "" {
		*password = os.Getenv("FUNDS_PASSWORD")
	}
	if *password == "" {
		log.Fatal("a password is required (-password or $FUNDS_PASSWORD)")
	}

	if *operator != "" {
		if *userID == 0 {
			log.Fatal("-user is required as the operator id")
		}
		printOperator(*operator, *userID, *password, *issuer, *noTOTP)
		return
	}
	if *userID == 0 {
		log.Fatal("-user is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	database, err := db.Open(cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}
	defer db.Close(database)

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	cred := &models.FundCredential{UserID: *userID, PasswordHash: string(hash)}

	var otpURL string
	if !*noTOTP {
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      *issuer,
			AccountName: fmt.Sprintf("user-%d", *userID),
		})
		if err != nil {
			log.Fatalf("Failed to generate TOTP secret: %v", err)
		}
		cred.TOTPSecret = key.Secret()
		otpURL = key.URL()
	}

	ledger := repository.NewLedgerRepository(database)
	if err := ledger.SaveCredential(context.Background(), cred); err != nil {
		log.Fatalf("Failed to save credential: %v", err)
	}

	fmt.Printf("✅ Funds credential saved for user %d\n", *userID)
	if otpURL != "" {
		fmt.Printf("Secret: %s\n", cred.TOTPSecret)
		fmt.Printf("Authenticator URL: %s\n", otpURL)
	}
}

func printOperator(username string, id uint64, password, issuer string, noTOTP bool) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("Failed to hash password: %v", err)
	}
	fmt.Println("  - id:", id)
	fmt.Printf("    username: %q\n", username)
	fmt.Printf("    password_hash: %q\n", string(hash))
	if noTOTP {
		return
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: username})
	if err != nil {
		log.Fatalf("Failed to generate TOTP secret: %v", err)
	}
	fmt.Printf("    totp_secret: %q\n", key.Secret())
	fmt.Println()
	fmt.Printf("# Authenticator URL: %s\n", key.URL())
}
