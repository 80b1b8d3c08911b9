package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/contentgrid/billing-service-api/internal/domain/apikey"
	"github.com/contentgrid/billing-service-api/internal/storage/postgres"
	"github.com/contentgrid/billing-service-api/internal/util"
)

func main() {
	plan := flag.String("plan", apikey.PlanTrial, "Plan for the new key (trial, pro, demo)")
	quota := flag.Int("quota", 10, "Trial request quota (ignored for paid plans)")
	userIDArg := flag.String("user", "", "Owner user id (uuid, optional)")
	tenantArg := flag.String("tenant", "", "Explicit tenant id (optional)")
	flag.Parse()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	fullKey, prefix, suffix, keyHash, err := util.GenerateAPIKey()
	if err != nil {
		log.Fatalf("Failed to generate API key: %v", err)
	}

	var userID *uuid.UUID
	if *userIDArg != "" {
		parsed, err := uuid.Parse(*userIDArg)
		if err != nil {
			log.Fatalf("Invalid user id: %v", err)
		}
		userID = &parsed
	}

	tenantID := "anon"
	switch {
	case userID != nil:
		tenantID = userID.String()
	case *tenantArg != "":
		tenantID = *tenantArg
	}

	var trialQuota *int
	if *plan == apikey.PlanTrial {
		trialQuota = quota
	}

	logger, _ := zap.NewDevelopment()
	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v\n", err)
	}
	defer pool.Close()

	repo := postgres.NewAPIKeyRepository(pool, logger)

	newKey := &apikey.APIKey{
		UserID:     userID,
		KeyPrefix:  prefix,
		KeyHash:    keyHash,
		Suffix:     suffix,
		TenantID:   tenantID,
		Plan:       *plan,
		Status:     apikey.StatusActive,
		TrialQuota: trialQuota,
	}

	keyID, err := repo.Create(context.Background(), newKey)
	if err != nil {
		log.Fatalf("Failed to save API key to database: %v", err)
	}

	fmt.Printf("Generated API Key (SAVE THIS securely, it is shown once):\n%s\n\n", fullKey)
	fmt.Printf("Prefix:  %s\n", prefix)
	fmt.Printf("Plan:    %s\n", *plan)
	fmt.Printf("Key ID:  %s\n", keyID)
}
