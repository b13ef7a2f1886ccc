package main

import (
	"github.com/spf13/cobra"

	"github.com/codewandler/evlog-go/core/es"
)

func newHistoryCmd(a *app) *cobra.Command {
	var from, to uint64

	cmd := &cobra.Command{
		Use:   "history [aggregate-type] [aggregate-id]",
		Short: "Show the stored events of an aggregate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLog(cmd.Context(), func(l es.EventLog) error {
				envs, err := l.Load(cmd.Context(), args[0], args[1],
					es.WithFromVersion(es.Version(from)),
					es.WithToVersion(es.Version(to)),
				)
				if err != nil {
					return err
				}
				return renderEnvelopes(a.out, a.output, envs)
			})
		},
	}

	cmd.Flags().Uint64Var(&from, "from", 0, "First version to show")
	cmd.Flags().Uint64Var(&to, "to", 0, "Last version to show (0 = latest)")
	return cmd
}
