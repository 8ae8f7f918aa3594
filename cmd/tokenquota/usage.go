package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ineyio/tokenquota"
)

func newUsageCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Record token usage",
	}
	cmd.AddCommand(newUsageRecordCmd(v))
	return cmd
}

func newUsageRecordCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "record <user-id> <tokens>",
		Short: "Debit tokens consumed outside the service",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return tokenquota.InvalidInput("tokens must be an integer: %q", args[1])
			}
			return withApp(cmd, v, false, func(a *app) error {
				rep, err := a.svc.RecordUsage(cmd.Context(), args[0], tokens)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s usage=%d remaining=%d\n",
					rep.UserID, rep.TokenUsage, rep.RemainingTokens)
				return err
			})
		},
	}
}
