package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codewandler/evlog-go/core/es"
	"github.com/codewandler/evlog-go/domain/order"
)

func newOrderCmd(a *app) *cobra.Command {
	var retries int

	cmd := &cobra.Command{
		Use:   "order",
		Short: "Work with orders",
	}
	cmd.PersistentFlags().IntVar(&retries, "retries", 1, "Attempts on concurrency conflict; each attempt reloads the order")

	// command wraps one order service call in RetryOnConflict and prints the
	// appended envelope.
	command := func(fn func(ctx context.Context, svc *order.Service, id string) (es.Envelope, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			return a.withLog(cmd.Context(), func(l es.EventLog) error {
				svc := order.NewService(l, a.opts()...)
				var env es.Envelope
				err := es.RetryOnConflict(cmd.Context(), retries, func(ctx context.Context) error {
					var err error
					env, err = fn(ctx, svc, args[0])
					return err
				})
				if err != nil {
					return err
				}
				return renderEnvelopes(a.out, a.output, []es.Envelope{env})
			})
		}
	}

	var asOf uint64
	showCmd := &cobra.Command{
		Use:   "show [order-id]",
		Short: "Reconstruct an order, optionally as of a past version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withLog(cmd.Context(), func(l es.EventLog) error {
				svc := order.NewService(l, a.opts()...)
				var (
					agg *order.Aggregate
					err error
				)
				if asOf > 0 {
					agg, err = svc.GetAsOf(cmd.Context(), args[0], es.Version(asOf))
				} else {
					agg, err = svc.Get(cmd.Context(), args[0])
				}
				if err != nil {
					return err
				}
				if !agg.Exists() {
					return fmt.Errorf("%w: %s", order.ErrNotFound, args[0])
				}
				return renderOrder(a.out, a.output, agg)
			})
		},
	}
	showCmd.Flags().Uint64Var(&asOf, "as-of", 0, "Version to reconstruct (0 = latest)")

	var customer string
	createCmd := &cobra.Command{
		Use:   "create [order-id]",
		Short: "Create an order",
		Args:  cobra.ExactArgs(1),
		RunE: command(func(ctx context.Context, svc *order.Service, id string) (es.Envelope, error) {
			return svc.Create(ctx, id, customer)
		}),
	}
	createCmd.Flags().StringVar(&customer, "customer", "", "Customer ID")
	_ = createCmd.MarkFlagRequired("customer")

	var (
		item  string
		qty   int
		price float64
	)
	addItemCmd := &cobra.Command{
		Use:   "add-item [order-id]",
		Short: "Add an item line, replacing an existing line for the same item",
		Args:  cobra.ExactArgs(1),
		RunE: command(func(ctx context.Context, svc *order.Service, id string) (es.Envelope, error) {
			return svc.AddItem(ctx, id, item, qty, price)
		}),
	}
	addItemCmd.Flags().StringVar(&item, "item", "", "Item ID")
	addItemCmd.Flags().IntVar(&qty, "qty", 1, "Quantity")
	addItemCmd.Flags().Float64Var(&price, "price", 0, "Unit price")
	_ = addItemCmd.MarkFlagRequired("item")

	removeItemCmd := &cobra.Command{
		Use:   "remove-item [order-id]",
		Short: "Remove an item line",
		Args:  cobra.ExactArgs(1),
		RunE: command(func(ctx context.Context, svc *order.Service, id string) (es.Envelope, error) {
			return svc.RemoveItem(ctx, id, item)
		}),
	}
	removeItemCmd.Flags().StringVar(&item, "item", "", "Item ID")
	_ = removeItemCmd.MarkFlagRequired("item")

	var method string
	payCmd := &cobra.Command{
		Use:   "pay [order-id]",
		Short: "Pay an order",
		Args:  cobra.ExactArgs(1),
		RunE: command(func(ctx context.Context, svc *order.Service, id string) (es.Envelope, error) {
			return svc.Pay(ctx, id, method)
		}),
	}
	payCmd.Flags().StringVar(&method, "method", "", "Payment method")
	_ = payCmd.MarkFlagRequired("method")

	var reason string
	cancelCmd := &cobra.Command{
		Use:   "cancel [order-id]",
		Short: "Cancel an order",
		Args:  cobra.ExactArgs(1),
		RunE: command(func(ctx context.Context, svc *order.Service, id string) (es.Envelope, error) {
			return svc.Cancel(ctx, id, reason)
		}),
	}
	cancelCmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")

	cmd.AddCommand(showCmd, createCmd, addItemCmd, removeItemCmd, payCmd, cancelCmd)
	return cmd
}
