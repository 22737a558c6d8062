package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"predictionhub/internal/app"
	"predictionhub/internal/config"
	"predictionhub/internal/model"
)

func main() {
	godotenv.Load()
	cfg := config.Load()

	dbURL := flag.String("db", cfg.DatabaseURL, "SQLite path or postgres:// URL")
	flag.Parse()
	cfg.DatabaseURL = *dbURL

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	fmt.Printf("Migrating schema on %s\n", cfg.DatabaseURL)
	repo, db, err := app.OpenStore(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	fmt.Printf("Schema is up to date (%s)\n", repo.Backend())

	stats, err := repo.CountByModel(ctx)
	if err != nil {
		log.Fatalf("Failed to read statistics: %v", err)
	}
	fmt.Printf("\nDatabase statistics:\n")
	fmt.Printf("   Total predictions: %d\n", stats.Total)
	for _, m := range model.AllModels {
		fmt.Printf("      - %s: %d\n", m, stats.ByModel[m])
	}
}
