package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newInvokeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "invoke <user-id> <prompt...>",
		Short: "Run a metered model call for a user",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args[1:], " ")
			return withApp(cmd, v, true, func(a *app) error {
				res, err := a.svc.Invoke(cmd.Context(), args[0], prompt)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintln(out, res.Response)
				cost := res.Cost.Rounded()
				_, err = fmt.Fprintf(out, "\nmodel=%s request=%s tokens=%d (in=%d out=%d) remaining=%d cost=$%.6f\n",
					res.Model, res.RequestID, res.TokensConsumed, res.InputTokens, res.OutputTokens,
					res.RemainingTokens, cost.TotalCost)
				return err
			})
		},
	}
}
