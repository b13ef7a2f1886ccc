package main

import (
	"github.com/spf13/cobra"

	"github.com/codewandler/evlog-go/core/es"
)

func newAppendCmd(a *app) *cobra.Command {
	var (
		expected uint64
		payload  string
	)

	cmd := &cobra.Command{
		Use:   "append [aggregate-type] [aggregate-id] [event-type]",
		Short: "Append a raw event at expected+1",
		Long: `Append one event to an aggregate. --expected is the version you last observed;
the append fails with a concurrency conflict if another writer got there first.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := es.DecodePayloadJSON([]byte(payload))
			if err != nil {
				return &es.MalformedEnvelopeError{Field: "payload", Reason: "invalid JSON object", EventType: args[2], Err: err}
			}
			return a.withLog(cmd.Context(), func(l es.EventLog) error {
				env, err := es.NewCoordinator(l, a.opts()...).AppendNext(
					cmd.Context(), args[0], args[1], args[2], p, es.Version(expected),
				)
				if err != nil {
					return err
				}
				return renderEnvelopes(a.out, a.output, []es.Envelope{env})
			})
		},
	}

	cmd.Flags().Uint64Var(&expected, "expected", 0, "Expected current version of the aggregate")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Event payload as a JSON object")
	return cmd
}
