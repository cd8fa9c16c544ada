package main

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrExit()
			log := newLogger(cfg)

			s := openStoreOrExit(cfg)
			defer s.Close()

			log.Info().Str("path", s.Path()).Msg("migrations applied")
			return nil
		},
	}
}
