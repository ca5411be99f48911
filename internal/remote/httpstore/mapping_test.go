package httpstore

import (
	"encoding/json"
	"testing"
)

func TestKeyConversionRoundTrips(t *testing.T) {
	local := json.RawMessage(`{"item_name":"Arroz","quantity":"12.5","location_id":"CENTRAL","tags":[{"family_group":"A"}],"capacity":80}`)

	wire, err := toWirePayload(local)
	if err != nil {
		t.Fatalf("unexpected conversion error: %v", err)
	}
	var wireFields map[string]any
	if err := json.Unmarshal(wire, &wireFields); err != nil {
		t.Fatalf("wire payload is not json: %v", err)
	}
	for _, key := range []string{"itemName", "quantity", "locationId", "tags", "capacity"} {
		if _, ok := wireFields[key]; !ok {
			t.Fatalf("expected wire key %s in %s", key, wire)
		}
	}
	nested := wireFields["tags"].([]any)[0].(map[string]any)
	if _, ok := nested["familyGroup"]; !ok {
		t.Fatalf("expected nested keys to be converted, got %v", nested)
	}

	back, err := fromWirePayload(wire)
	if err != nil {
		t.Fatalf("unexpected conversion error: %v", err)
	}
	var original, restored map[string]any
	_ = json.Unmarshal(local, &original)
	_ = json.Unmarshal(back, &restored)
	if len(original) != len(restored) {
		t.Fatalf("expected %d keys after round trip, got %s", len(original), back)
	}
	for key := range original {
		if _, ok := restored[key]; !ok {
			t.Fatalf("missing key %s after round trip: %s", key, back)
		}
	}
}

func TestKeyConversionPreservesNumbers(t *testing.T) {
	wire, err := toWirePayload(json.RawMessage(`{"big_number":12345678901234567890}`))
	if err != nil {
		t.Fatalf("unexpected conversion error: %v", err)
	}
	if string(wire) != `{"bigNumber":12345678901234567890}` {
		t.Fatalf("unexpected wire payload %s", wire)
	}
}

func TestKeyConversionRejectsInvalidJSON(t *testing.T) {
	if _, err := fromWirePayload(json.RawMessage(`{"broken":`)); err == nil {
		t.Fatalf("expected error for invalid json")
	}
}

func TestKeyHelpers(t *testing.T) {
	cases := map[string]string{
		"current_occupancy": "currentOccupancy",
		"name":              "name",
		"min_quantity":      "minQuantity",
	}
	for snake, camel := range cases {
		if got := snakeToCamel(snake); got != camel {
			t.Fatalf("snakeToCamel(%q) = %q, want %q", snake, got, camel)
		}
		if got := camelToSnake(camel); got != snake {
			t.Fatalf("camelToSnake(%q) = %q, want %q", camel, got, snake)
		}
	}
}
