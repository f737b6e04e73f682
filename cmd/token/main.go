// Command token mints a signed identity token for local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/infrastructure/auth"
	"github.com/honeynil/PointsLedgerService/internal/models"
	"github.com/joho/godotenv"
)

func main() {
	userID := flag.String("user", "", "user id to embed in the token")
	name := flag.String("name", "", "display name")
	role := flag.String("role", string(models.RoleResident), "resident or staff")
	ttl := flag.Duration("ttl", 24*time.Hour, "token lifetime")
	flag.Parse()

	_ = godotenv.Load()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "supersecret"
	}

	if *userID == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(2)
	}

	token, err := auth.GenerateToken(secret, models.Identity{
		UserID: *userID,
		Name:   *name,
		Role:   models.Role(*role),
	}, *ttl)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(token)
}
