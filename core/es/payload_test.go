package es

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPayload_Normalize(t *testing.T) {
	p := Payload{"a": 1, "b": "x", "nested": map[string]int{"n": 2}, "list": []string{"y"}}
	n, err := p.Normalize()
	require.NoError(t, err)
	require.Equal(t, Payload{
		"a":      float64(1),
		"b":      "x",
		"nested": map[string]any{"n": float64(2)},
		"list":   []any{"y"},
	}, n)

	// deep copy
	n["nested"].(map[string]any)["n"] = 99.0
	require.Equal(t, map[string]int{"n": 2}, p["nested"])

	empty, err := Payload(nil).Normalize()
	require.NoError(t, err)
	require.NotNil(t, empty)
	require.Empty(t, empty)

	_, err = Payload{"ch": make(chan int)}.Normalize()
	require.Error(t, err)
}

func TestPayload_Canonical(t *testing.T) {
	a, err := Payload{"b": "x", "a": 1}.Canonical()
	require.NoError(t, err)
	b, err := Payload{"a": 1.0, "b": "x"}.Canonical()
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":"x"}`, string(a))
	require.Equal(t, a, b)

	empty, err := Payload(nil).Canonical()
	require.NoError(t, err)
	require.Equal(t, `{}`, string(empty))
}

func TestDecodePayloadJSON(t *testing.T) {
	p, err := DecodePayloadJSON([]byte(` {"a":1} `))
	require.NoError(t, err)
	require.Equal(t, Payload{"a": float64(1)}, p)

	p, err = DecodePayloadJSON(nil)
	require.NoError(t, err)
	require.Equal(t, Payload{}, p)

	p, err = DecodePayloadJSON([]byte("null"))
	require.NoError(t, err)
	require.Equal(t, Payload{}, p)

	_, err = DecodePayloadJSON([]byte(`[1,2]`))
	require.Error(t, err)
}

type testItemAdded struct {
	ItemID   string  `json:"item_id"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

func (e *testItemAdded) Validate() error {
	if e.ItemID == "" {
		return errors.New("item_id is required")
	}
	return nil
}

func TestDecodePayload(t *testing.T) {
	v, err := DecodePayload[testItemAdded](Payload{"item_id": "apple", "quantity": 2.0, "price": 1.5})
	require.NoError(t, err)
	require.Equal(t, testItemAdded{ItemID: "apple", Quantity: 2, Price: 1.5}, v)

	_, err = DecodePayload[testItemAdded](Payload{"quantity": 2})
	require.ErrorIs(t, err, ErrMalformedEnvelope)
	require.ErrorContains(t, err, "item_id is required")

	_, err = DecodePayload[testItemAdded](Payload{"item_id": "apple", "quantity": "two"})
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestEncodePayload(t *testing.T) {
	p, err := EncodePayload(testItemAdded{ItemID: "bread", Quantity: 1, Price: 2})
	require.NoError(t, err)
	require.Equal(t, Payload{"item_id": "bread", "quantity": float64(1), "price": float64(2)}, p)

	_, err = EncodePayload([]int{1})
	require.ErrorIs(t, err, ErrMalformedEnvelope)
}
