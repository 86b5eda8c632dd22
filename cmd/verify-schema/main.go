// verify-schema connects to the configured Postgres and checks that every
// table the stores expect actually exists. Exit code 1 when any is missing.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/helixlabs/lims/internal/config"
	"github.com/helixlabs/lims/internal/database"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found")
	}
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	ctx := context.Background()
	db, err := database.Open(ctx, cfg.Database.URL, 2)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	fmt.Println("checking expected tables...")
	missing := 0
	for _, table := range database.Tables {
		exists, err := database.TableExists(ctx, db, table)
		switch {
		case err != nil:
			fmt.Printf("  %-22s ERROR: %v\n", table, err)
			missing++
		case exists:
			fmt.Printf("  %-22s ok\n", table)
		default:
			fmt.Printf("  %-22s MISSING\n", table)
			missing++
		}
	}

	if missing > 0 {
		fmt.Printf("\n%d of %d tables missing or unreadable; run the server once or apply the schema manually\n",
			missing, len(database.Tables))
		os.Exit(1)
	}
	fmt.Printf("\nall %d tables present\n", len(database.Tables))
}
