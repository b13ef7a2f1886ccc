package es_test

import (
	"testing"

	"github.com/codewandler/evlog-go/core/es"
	"github.com/codewandler/evlog-go/core/es/estests"
)

func TestInMemoryLog_Conformance(t *testing.T) {
	estests.Run(t, func(t *testing.T) es.EventLog { return es.NewInMemoryLog() })
}
