// Command seed-db loads partner records into PostgreSQL from a JSON file.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/domain/coupon"
	"github.com/AnisMERABTENE/perkup-lambda-sub002/internal/storage/postgres"
)

type partnerJSON struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
}

func main() {
	var (
		databaseURL  string
		partnersFile string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&partnersFile, "partners-file", "db/seed/partners.json", "path to partners JSON file")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, partnersFile); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, partnersFile string) error {
	slog.Info("connecting to database")

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	return seedPartners(ctx, postgres.NewPartnerRepository(pool), partnersFile)
}

func seedPartners(ctx context.Context, repo *postgres.PartnerRepository, partnersFile string) error {
	slog.Info("reading partners file", slog.String("path", partnersFile))

	data, err := os.ReadFile(partnersFile)
	if err != nil {
		return errors.Wrap(err, "read partners file")
	}

	var partners []partnerJSON
	if err := json.Unmarshal(data, &partners); err != nil {
		return errors.Wrap(err, "parse partners JSON")
	}

	slog.Info("upserting partners", slog.Int("count", len(partners)))

	for _, p := range partners {
		if err := repo.Upsert(ctx, &coupon.Partner{
			ID:              p.ID,
			Name:            p.Name,
			DiscountPercent: p.DiscountPercent,
		}); err != nil {
			return errors.Wrapf(err, "upsert partner %s", p.ID)
		}

		slog.Info("upserted partner", slog.String("id", p.ID), slog.String("name", p.Name))
	}

	return nil
}
