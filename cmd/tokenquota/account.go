package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ineyio/tokenquota"
)

func newAccountCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage quota accounts",
	}

	cmd.AddCommand(
		newAccountCreateCmd(v),
		newAccountGetCmd(v),
		newAccountListCmd(v),
		newAccountLimitCmd(v),
		newAccountDeleteCmd(v),
	)
	return cmd
}

func newAccountCreateCmd(v *viper.Viper) *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "create <user-id>",
		Short: "Create an account with a token limit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, false, func(a *app) error {
				acc, err := a.svc.CreateAccount(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return printAccounts(cmd.OutOrStdout(), []tokenquota.AccountView{acc.View()})
			})
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 0, "token limit (required)")
	_ = cmd.MarkFlagRequired("limit")
	return cmd
}

func newAccountGetCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "get <user-id>",
		Short: "Show one account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, false, func(a *app) error {
				view, err := a.svc.GetAccount(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printAccounts(cmd.OutOrStdout(), []tokenquota.AccountView{view})
			})
		},
	}
}

func newAccountListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, v, false, func(a *app) error {
				views, err := a.svc.ListAccounts(cmd.Context())
				if err != nil {
					return err
				}
				sort.Slice(views, func(i, j int) bool { return views[i].UserID < views[j].UserID })
				return printAccounts(cmd.OutOrStdout(), views)
			})
		},
	}
}

func newAccountLimitCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "limit <user-id> <new-limit>",
		Short: "Replace an account's token limit",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return tokenquota.InvalidInput("new limit must be an integer: %q", args[1])
			}
			return withApp(cmd, v, false, func(a *app) error {
				acc, err := a.svc.UpdateLimit(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				return printAccounts(cmd.OutOrStdout(), []tokenquota.AccountView{acc.View()})
			})
		},
	}
}

func newAccountDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <user-id>",
		Short: "Delete an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, v, false, func(a *app) error {
				if err := a.svc.DeleteAccount(cmd.Context(), args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return err
			})
		},
	}
}

func printAccounts(w io.Writer, views []tokenquota.AccountView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tLIMIT\tUSAGE\tREMAINING\tUSED\tCOST\tUPDATED")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%.2f%%\t$%.6f\t%s\n",
			v.UserID,
			v.TokenLimit,
			v.TokenUsage,
			v.RemainingClamped(),
			v.PercentageUsed,
			v.TotalCost,
			v.LastUpdated.Format(time.RFC3339),
		)
	}
	return tw.Flush()
}
