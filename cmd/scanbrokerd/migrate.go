package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/scanbroker/core/internal/config"
	"github.com/scanbroker/core/internal/store"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the scan broker schema if it does not already exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.Open(context.Background(), cfg.Scan.DBPath)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			fmt.Println("schema is up to date at " + cfg.Scan.DBPath)
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
