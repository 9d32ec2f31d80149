package cmds

import (
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mintstream/mintstream/pkg/ledger"
)

// NewBalanceCmd builds the wallet balance command.
func NewBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the remaining chat credit balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := ledger.New(ledger.Config{
				URL:    cfg.Backend.URL,
				APIKey: cfg.Backend.APIKey,
				UserID: cfg.Backend.UserID,
			}, log.Logger)
			if err != nil {
				return err
			}
			balance, err := svc.Balance(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("credits remaining: %d\n", balance)
			return nil
		},
	}
}

func redisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}
