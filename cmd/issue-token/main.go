package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/invigilo/invigilo-backend/internal/config"
	"github.com/invigilo/invigilo-backend/internal/service"
)

// Mints a JWT for local development and operations. Production tokens
// come from the management backend; this tool signs with the same
// JWT_SECRET so the output is accepted by this service.
func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Service ────────────────────────────────────────────
	authService := service.NewAuthService(cfg)

	// ─── CLI Input ─────────────────────────────────────────────────────
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("=== Issue Access Token ===")

	// Token type
	fmt.Print("Token type (student/observer/admin, default student): ")
	typeStr, _ := reader.ReadString('\n')
	typeStr = strings.TrimSpace(typeStr)
	tokenType := service.TokenTypeStudent
	switch typeStr {
	case "", "student":
	case "observer":
		tokenType = service.TokenTypeObserver
	case "admin":
		tokenType = service.TokenTypeAdmin
	default:
		fmt.Println("Error: unknown token type")
		return
	}

	// User ID
	fmt.Print("Enter User ID: ")
	idStr, _ := reader.ReadString('\n')
	userID, err := strconv.Atoi(strings.TrimSpace(idStr))
	if err != nil {
		fmt.Println("Error: User ID must be a number")
		return
	}

	// Name
	fmt.Print("Enter Name: ")
	name, _ := reader.ReadString('\n')
	name = strings.TrimSpace(name)

	// Org ID
	fmt.Print("Enter Org ID (default 0): ")
	orgStr, _ := reader.ReadString('\n')
	orgStr = strings.TrimSpace(orgStr)
	orgID := 0
	if orgStr != "" {
		p, err := strconv.Atoi(orgStr)
		if err != nil {
			fmt.Println("Error: Org ID must be a number")
			return
		}
		orgID = p
	}

	// ─── Logic ─────────────────────────────────────────────────────────
	token, err := authService.GenerateToken(tokenType, userID, name, orgID)
	if err != nil {
		fmt.Printf("Error: failed to sign token: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Token (%s, expires in %s):\n%s\n", tokenType, cfg.JWTExpiry, token)
}
