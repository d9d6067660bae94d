// seed inserts development documents for local testing: a default global policy and an intelligence state for
// the configured USER_ID. Idempotent: existing documents are left alone unless -force is set.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"time"

	"intelligence-substrate/core/internal/config"
	"intelligence-substrate/core/internal/db"
	"intelligence-substrate/core/internal/policy/domain"
	"intelligence-substrate/core/internal/policy/repository"
)

const devUserID = "dev-user-001"

func main() {
	force := flag.Bool("force", false, "Overwrite existing documents")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env or set DATABASE_URL")
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()
	repo := repository.NewPostgresRepository(conn)

	uid := cfg.UserID
	if uid == "" {
		uid = devUserID
	}
	now := time.Now().UTC()

	existing, err := repo.GetGlobalPolicy(ctx)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if existing == nil || *force {
		policy := domain.GlobalPolicy{
			TokenPolicy:  map[string]int{"notes": 1024, "writer": 2048},
			ModelMapping: map[string]string{"writer": "gemini-2.5-pro"},
			UpdatedAt:    now.UnixMilli(),
		}
		if err := repo.PutGlobalPolicy(ctx, policy); err != nil {
			log.Fatalf("seed global policy: %v", err)
		}
		log.Println("Seeded global policy.")
	} else {
		log.Println("Global policy exists. Skipping.")
	}

	doc, err := repo.GetIntelligenceState(ctx, uid)
	if err != nil {
		log.Fatalf("seed check: %v", err)
	}
	if doc != nil && !*force {
		log.Printf("Intelligence state for %s exists. Skipping.", uid)
		return
	}
	state := domain.DefaultState()
	state.UserArchetype = "Developer"
	state.LearnedFacts = []domain.LearnedFact{{
		Content:    "Prefers Go examples",
		Scope:      domain.ScopeGlobal,
		Confidence: 0.9,
		Source:     "seed",
		Timestamp:  now.UnixMilli(),
	}}
	state.Credits = domain.Credits{Count: cfg.DailyCredits, LastReset: now.Format(time.DateOnly)}
	raw, err := json.Marshal(state)
	if err != nil {
		log.Fatalf("encode state: %v", err)
	}
	if err := repo.PutIntelligenceState(ctx, uid, raw); err != nil {
		log.Fatalf("seed intelligence state: %v", err)
	}
	log.Printf("Seeded intelligence state for %s.", uid)
}
