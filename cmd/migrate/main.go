package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/better-wallet/spendguard/migrations"
)

func main() {
	var (
		dsn       = flag.String("dsn", os.Getenv("SPENDGUARD_DATABASE_DSN"), "PostgreSQL connection string")
		direction = flag.String("direction", "up", "Migration direction: up or down")
		steps     = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("a database DSN is required (-dsn or SPENDGUARD_DATABASE_DSN)")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	applied, err := migrations.Apply(ctx, pool, migrations.Direction(*direction), *steps)
	for _, v := range applied {
		fmt.Printf("Applied migration: %s (%s)\n", v, *direction)
	}
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	if len(applied) == 0 {
		fmt.Println("No migrations to apply")
	} else {
		fmt.Printf("Applied %d migration(s)\n", len(applied))
	}
}
