// Command seed copies the providers section of the config file into the
// credential store. Existing providers are left untouched.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/nulzo/provider-gateway/internal/cli"
	"github.com/nulzo/provider-gateway/internal/config"
	"github.com/nulzo/provider-gateway/internal/llm"
	"github.com/nulzo/provider-gateway/internal/loader"
	"github.com/nulzo/provider-gateway/internal/platform/logger"
	"github.com/nulzo/provider-gateway/internal/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	user := flag.String("user", "", "owner of the seeded providers (defaults to user_id from config)")
	dryRun := flag.Bool("dry-run", false, "validate provider configs without writing")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	log := logger.Initialize(cfg.Log)
	defer logger.Sync()

	if *user == "" {
		*user = cfg.UserID
	}

	if *dryRun {
		failed := 0
		for _, pc := range cfg.Providers {
			settings := make(map[string]any, len(pc.Settings)+1)
			for k, v := range pc.Settings {
				settings[k] = v
			}
			settings["id"] = pc.ID
			if err := loader.ValidateConfig(llm.ProviderType(pc.Type), settings); err != nil {
				failed++
				fmt.Printf("%s %-20s %-12s %v\n", cli.CrossMark(), pc.ID, pc.Type, err)
				continue
			}
			fmt.Printf("%s %-20s %s\n", cli.CheckMark(), pc.ID, pc.Type)
		}
		if failed > 0 {
			log.Fatal("invalid provider configs", zap.Int("count", failed))
		}
		return
	}

	repo, err := sqlite.Open(cfg.Database.DSN, log)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer func() {
		_ = repo.Close()
	}()

	ctx := context.Background()
	n, err := loader.New(repo.Providers(), log).Seed(ctx, cfg.Providers, *user)
	if err != nil {
		log.Fatal("seeding failed", zap.Int("seeded", n), zap.Error(err))
	}

	stored, err := repo.Providers().List(ctx, *user)
	if err != nil {
		log.Fatal("failed to list providers", zap.Error(err))
	}
	fmt.Printf("%s seeded %d provider(s) for user %s into %s\n", cli.CheckMark(), n,
		cli.Style(*user, cli.Bold), cfg.Database.DSN)
	if err := cli.PrettyPrint(os.Stdout, stored); err != nil {
		log.Error("failed to print providers", zap.Error(err))
	}
}
