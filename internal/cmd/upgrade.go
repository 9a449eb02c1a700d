package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/annopipe/internal/app"
	"github.com/3leaps/annopipe/internal/config"
	"github.com/3leaps/annopipe/internal/observability"
	"github.com/3leaps/annopipe/pkg/events"
	"github.com/3leaps/annopipe/pkg/queue"
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade <account_id>",
	Short: "Announce an account upgrade so its archived results are thawed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if appConfig.Queue.Backend == config.BackendMemory {
			return fmt.Errorf("upgrade needs a shared queue backend, got %q", config.BackendMemory)
		}
		b, err := app.Open(cmd.Context(), appConfig, observability.CLILogger)
		if err != nil {
			return err
		}
		defer func() { _ = b.Close() }()
		return publishUpgrade(cmd.Context(), b.Publisher, args[0])
	},
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
}

func publishUpgrade(ctx context.Context, pub queue.Publisher, accountID string) error {
	if accountID == "" {
		return fmt.Errorf("account id is required")
	}
	if err := queue.PublishJSON(ctx, pub, events.TopicThawRequests, events.UpgradeEvent{AccountID: accountID}); err != nil {
		return fmt.Errorf("publish upgrade: %w", err)
	}
	observability.CLILogger.Info("upgrade published", zap.String("account_id", accountID))
	return nil
}
