package main

import (
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/kasalerts/backend/internal/market"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newTickersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tickers",
		Short: "List every token ticker known to the market API",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := viper.GetViper()
			logger, err := logging.NewLogger(v.GetString("log.level"), v.GetString("log.file"))
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			client, err := market.NewClient(market.Config{
				TokenInfoURL: v.GetString("market.token_info_url"),
				TokenListURL: v.GetString("market.token_list_url"),
				Logger:       logger.Named("market"),
			})
			if err != nil {
				return err
			}
			tickers, err := client.ListTickers(cmd.Context(), func(collected int) {
				logger.Debug("token list page fetched", zap.Int("collected", collected))
			})
			if err != nil {
				return err
			}
			for _, ticker := range tickers {
				fmt.Fprintln(os.Stdout, ticker)
			}
			return nil
		},
	}
}
