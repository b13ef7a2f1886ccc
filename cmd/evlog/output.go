package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codewandler/evlog-go/core/es"
	"github.com/codewandler/evlog-go/domain/order"
)

const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// render writes v as JSON or YAML, or calls table for the table format.
func render(w io.Writer, format string, v any, table func(tw *tabwriter.Writer)) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

type envelopeView struct {
	ID            string         `json:"id" yaml:"id"`
	AggregateType string         `json:"aggregate_type" yaml:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id" yaml:"aggregate_id"`
	Type          string         `json:"type" yaml:"type"`
	Version       uint64         `json:"version" yaml:"version"`
	Payload       map[string]any `json:"payload" yaml:"payload"`
	RecordedAt    time.Time      `json:"recorded_at" yaml:"recorded_at"`
}

func newEnvelopeView(env es.Envelope) envelopeView {
	return envelopeView{
		ID:            env.ID,
		AggregateType: env.AggregateType,
		AggregateID:   env.AggregateID,
		Type:          env.Type,
		Version:       env.Version.Uint64(),
		Payload:       env.Payload,
		RecordedAt:    env.RecordedAt,
	}
}

func renderEnvelopes(w io.Writer, format string, envs []es.Envelope) error {
	views := make([]envelopeView, 0, len(envs))
	for _, env := range envs {
		views = append(views, newEnvelopeView(env))
	}
	return render(w, format, views, func(tw *tabwriter.Writer) {
		fmt.Fprintln(tw, "VERSION\tTYPE\tRECORDED AT\tID\tPAYLOAD")
		for _, v := range views {
			payload, _ := es.Payload(v.Payload).Canonical()
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", v.Version, v.Type, v.RecordedAt.Format(time.RFC3339Nano), v.ID, payload)
		}
	})
}

type itemView struct {
	ItemID   string  `json:"item_id" yaml:"item_id"`
	Quantity int     `json:"quantity" yaml:"quantity"`
	Price    float64 `json:"price" yaml:"price"`
}

type orderView struct {
	OrderID       string     `json:"order_id" yaml:"order_id"`
	Version       uint64     `json:"version" yaml:"version"`
	Status        string     `json:"status" yaml:"status"`
	CustomerID    string     `json:"customer_id,omitempty" yaml:"customer_id,omitempty"`
	Items         []itemView `json:"items" yaml:"items"`
	Total         float64    `json:"total" yaml:"total"`
	PaymentMethod string     `json:"payment_method,omitempty" yaml:"payment_method,omitempty"`
	CancelReason  string     `json:"cancel_reason,omitempty" yaml:"cancel_reason,omitempty"`
}

func renderOrder(w io.Writer, format string, agg *order.Aggregate) error {
	o := agg.State
	view := orderView{
		OrderID:       agg.ID,
		Version:       agg.Version.Uint64(),
		Status:        string(o.Status),
		CustomerID:    o.CustomerID,
		Items:         make([]itemView, 0, o.ItemCount()),
		Total:         o.Total(),
		PaymentMethod: o.PaymentMethod,
		CancelReason:  o.CancelReason,
	}
	for _, id := range o.ItemIDs() {
		it := o.Items[id]
		view.Items = append(view.Items, itemView{ItemID: it.ItemID, Quantity: it.Quantity, Price: it.Price})
	}
	return render(w, format, view, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "%s\tversion=%d\n", o, view.Version)
		if len(view.Items) == 0 {
			return
		}
		fmt.Fprintln(tw, "ITEM\tQTY\tPRICE\tSUBTOTAL")
		for _, it := range view.Items {
			fmt.Fprintf(tw, "%s\t%d\t%.2f\t%.2f\n", it.ItemID, it.Quantity, it.Price, float64(it.Quantity)*it.Price)
		}
	})
}
