// rise-migrate applies the embedded database migrations to a Postgres
// database. The server can do this itself with --migrate; this tool exists
// for deployments where schema changes are rolled out separately.
package main

import (
	"database/sql"
	"flag"
	"log"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/risehq/rise/pkg/store"
	"github.com/risehq/rise/pkg/store/migrations"
)

var (
	databaseURL = flag.String("database-url", os.Getenv("RISE_DATABASE_URL"), "Postgres connection string")
	status      = flag.Bool("status", false, "Show migration status without applying anything")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *databaseURL == "" {
		log.Fatal("--database-url or RISE_DATABASE_URL is required")
	}

	db, err := sql.Open("pgx", *databaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if *status {
		goose.SetBaseFS(migrations.FS)
		if err := goose.SetDialect("postgres"); err != nil {
			log.Fatalf("Failed to set dialect: %v", err)
		}
		if err := goose.Status(db, "."); err != nil {
			log.Fatalf("Failed to read migration status: %v", err)
		}
		return
	}

	if err := store.Migrate(db); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Println("Migrations applied successfully")
}
