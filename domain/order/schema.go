package order

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/codewandler/evlog-go/core/es"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://evlog.schemas.local/order/"

var loadSchemas = sync.OnceValues(func() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020

	out := make(map[string]*jsonschema.Schema, len(EventTypes))
	for _, eventType := range EventTypes {
		data, err := schemaFS.ReadFile("schemas/" + eventType + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", eventType, err)
		}
		url := schemaBaseURL + eventType + ".schema.json"
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("order schema load failed: %w", err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("order schema compile failed: %w", err)
		}
		out[eventType] = compiled
	}
	return out, nil
})

// ValidatePayload checks p against the JSON Schema of eventType.
func ValidatePayload(eventType string, p es.Payload) error {
	schemas, err := loadSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[eventType]
	if !ok {
		return &es.UnknownEventTypeError{AggregateType: AggregateType, EventType: eventType}
	}
	doc, err := p.Normalize()
	if err != nil {
		return &es.MalformedEnvelopeError{Field: "payload", EventType: eventType, Err: err}
	}
	if err := schema.Validate(map[string]any(doc)); err != nil {
		return &es.MalformedEnvelopeError{Field: "payload", Reason: "schema validation failed", EventType: eventType, Err: err}
	}
	return nil
}
