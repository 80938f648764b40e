package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/novamd/bridge-server-go/internal/config"
	"github.com/novamd/bridge-server-go/internal/database"
	"github.com/novamd/bridge-server-go/internal/model"
	"github.com/novamd/bridge-server-go/internal/repository"
	"github.com/novamd/bridge-server-go/internal/service"
)

func buildIssueCodeCmd() *cobra.Command {
	var (
		planName string
		days     int
		issuer   string
		count    int
	)

	cmd := &cobra.Command{
		Use:   "issue-code",
		Short: "Issue access codes without going through the admin API",
		Example: `  bridge-server issue-code --plan monthly
  bridge-server issue-code --plan custom --days 14 --count 5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, ok := model.ParsePlan(planName)
			if !ok {
				return fmt.Errorf("unknown plan %q", planName)
			}
			if count <= 0 {
				return fmt.Errorf("--count must be positive")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			db, err := database.Connect(cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.Close()

			access := service.NewAccessService(
				db,
				repository.NewAccessCodeRepository(db.DB),
				repository.NewSubscriptionRepository(db.DB),
				repository.NewTrialRepository(db.DB),
				nil,
				cfg.TrialWindow(),
			)

			ctx, cancel := context.WithTimeout(cmd.Context(), config.MaintenanceTimeout)
			defer cancel()

			for i := 0; i < count; i++ {
				code, err := access.IssueCode(ctx, plan, days, issuer)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d days\texpires %s\n",
					code.Code, code.Plan, code.DurationDays, code.ExpiresAt.Format("2006-01-02"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&planName, "plan", string(model.PlanMonthly), "Plan: monthly, quarterly, semiannual, yearly or custom")
	cmd.Flags().IntVar(&days, "days", 0, "Duration in days for custom plans")
	cmd.Flags().StringVar(&issuer, "issuer", "cli", "Recorded as the code's creator")
	cmd.Flags().IntVar(&count, "count", 1, "Number of codes to issue")
	return cmd
}
