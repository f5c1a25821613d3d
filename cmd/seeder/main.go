// cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/unclebandit/smsleopard-dispatch/internal/config"
	"github.com/unclebandit/smsleopard-dispatch/internal/db"
	"github.com/unclebandit/smsleopard-dispatch/internal/logger"
)

var (
	locations = []string{"Nairobi", "Mombasa", "Kisumu", "Nakuru", "Eldoret"}
	products  = []string{"Shoes", "Phones", "Groceries", "Fashion", "Electronics"}
	names     = []string{"Wanjiru", "Otieno", "Akinyi", "Kamau", "Chebet", "Mwangi", "Njeri", "Kiprop"}
)

func main() {
	files := flag.String("files", "", "comma-separated SQL files to execute after the schema")
	demo := flag.Int("demo", 0, "number of demo customers to generate")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("failed to load configuration", zap.Error(err))
	}
	log := logger.New(cfg.LoggerLevel, cfg.LoggerFormat)
	defer logger.Sync(log)

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg.DSN(), 2, log)
	if err != nil {
		log.Fatal("failed to connect", zap.Error(err))
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		log.Fatal("failed to apply schema", zap.Error(err))
	}
	log.Info("schema applied")

	for _, file := range strings.Split(*files, ",") {
		file = strings.TrimSpace(file)
		if file == "" {
			continue
		}
		content, err := os.ReadFile(file)
		if err != nil {
			log.Fatal("failed to read seed file", zap.String("file", file), zap.Error(err))
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			log.Fatal("failed to execute seed file", zap.String("file", file), zap.Error(err))
		}
		log.Info("seeded", zap.String("file", file))
	}

	if *demo > 0 {
		if err := seedCustomers(ctx, conn, *demo); err != nil {
			log.Fatal("failed to seed demo customers", zap.Error(err))
		}
		log.Info("demo customers seeded", zap.Int("count", *demo))
	}

	log.Info("database seeding completed")
}

// seedCustomers bulk-loads n customers spread over the demo locations.
func seedCustomers(ctx context.Context, conn *sql.DB, n int) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("customers", "phone", "first_name", "last_name", "location", "preferred_product"))
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		_, err := stmt.ExecContext(ctx,
			fmt.Sprintf("+2547%08d", 10000000+i),
			names[i%len(names)],
			names[(i/len(names))%len(names)],
			locations[i%len(locations)],
			products[i%len(products)],
		)
		if err != nil {
			stmt.Close()
			return err
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return err
	}
	if err := stmt.Close(); err != nil {
		return err
	}
	return tx.Commit()
}
