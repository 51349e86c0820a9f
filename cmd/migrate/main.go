package main

import (
	"context"
	"log"
	"os"
	"strconv"

	"github.com/safar/go-commerce-core/internal/config"
	"github.com/safar/go-commerce-core/internal/migrate"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatal("Usage: migrate up | migrate down [steps]")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	ctx := context.Background()

	switch os.Args[1] {
	case "up":
		if err := migrate.Up(ctx, cfg.Database.URL); err != nil {
			log.Fatalf("Apply migrations: %v", err)
		}
		log.Printf("Migrations applied")
	case "down":
		steps := 1
		if len(os.Args) > 2 {
			steps, err = strconv.Atoi(os.Args[2])
			if err != nil {
				log.Fatalf("Invalid step count %q: %v", os.Args[2], err)
			}
		}
		if err := migrate.Down(ctx, cfg.Database.URL, steps); err != nil {
			log.Fatalf("Roll back migrations: %v", err)
		}
		log.Printf("Rolled back %d migration(s)", steps)
	default:
		log.Fatalf("Direction must be 'up' or 'down', got %q", os.Args[1])
	}
}
