package providers

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseStructuredJSON(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bare object", `{"complete_translation":"Hi"}`, `{"complete_translation":"Hi"}`},
		{"fenced", "```json\n{\"complete_translation\": \"Hi\"}\n```", `{"complete_translation":"Hi"}`},
		{"prose around", "Sure!\n{\"complete_translation\":\"Hi\"}\nDone.", `{"complete_translation":"Hi"}`},
		{"brace in prose before", "Note {sic} below:\n{\"a\":1}", `{"a":1}`},
		{"brace inside string", `{"complete_translation":"He said \"}\" twice"}`, `{"complete_translation":"He said \"}\" twice"}`},
		{"array", "result: [1, 2]", `[1,2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseStructuredJSON(tt.content)
			if err != nil {
				t.Fatalf("ParseStructuredJSON() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("ParseStructuredJSON() = %s, want %s", got, tt.want)
			}
		})
	}

	for _, bad := range []string{"   ", "the translation follows", `{"unterminated": "x"`} {
		if _, err := ParseStructuredJSON(bad); !errors.Is(err, ErrNoJSON) {
			t.Errorf("ParseStructuredJSON(%q) error = %v, want ErrNoJSON", bad, err)
		}
	}
}

func TestValidateStructured(t *testing.T) {
	schema := json.RawMessage(`{
		"name":"translation",
		"strict":true,
		"schema":{
			"type":"object",
			"properties":{
				"complete_translation":{"type":"string"}
			},
			"required":["complete_translation"]
		}
	}`)

	if err := ValidateStructured(schema, json.RawMessage(`{"complete_translation":"hello"}`)); err != nil {
		t.Fatalf("ValidateStructured(valid) error = %v", err)
	}
	// second call hits the compiled cache
	if err := ValidateStructured(schema, json.RawMessage(`{"translation":"hello"}`)); err == nil {
		t.Fatal("ValidateStructured(missing field) expected error, got nil")
	}
	if err := ValidateStructured(nil, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("ValidateStructured(no schema) error = %v", err)
	}

	bare := json.RawMessage(`{"type":"array","items":{"type":"string"}}`)
	if err := ValidateStructured(bare, json.RawMessage(`["a","b"]`)); err != nil {
		t.Fatalf("ValidateStructured(bare schema) error = %v", err)
	}
	if err := ValidateStructured(bare, json.RawMessage(`[1]`)); err == nil {
		t.Fatal("ValidateStructured(bare schema, wrong items) expected error")
	}
}
