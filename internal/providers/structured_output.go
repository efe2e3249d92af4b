package providers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoJSON is returned when a reply holds no parseable JSON value.
var ErrNoJSON = errors.New("no JSON value in model output")

// ParseStructuredJSON pulls the JSON value out of a model reply. Models
// wrap JSON in markdown fences or chat around it, and translated prose
// often contains braces, so the reply is tried whole, then unfenced, then
// as the first balanced object or array found by a string-aware scan.
func ParseStructuredJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty reply", ErrNoJSON)
	}
	for _, candidate := range []string{content, unfence(content)} {
		if candidate != "" && json.Valid([]byte(candidate)) {
			return compact(candidate)
		}
	}
	for start := 0; start < len(content); {
		off := strings.IndexAny(content[start:], "{[")
		if off < 0 {
			break
		}
		start += off
		if end := balancedEnd(content, start); end > 0 && json.Valid([]byte(content[start:end])) {
			return compact(content[start:end])
		}
		start++
	}
	return nil, ErrNoJSON
}

func compact(s string) (json.RawMessage, error) {
	var b bytes.Buffer
	if err := json.Compact(&b, []byte(s)); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// unfence returns the body of a ```-fenced block, or "".
func unfence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return ""
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return ""
	}
	body := strings.TrimSpace(s[nl+1:])
	body = strings.TrimSuffix(body, "```")
	return strings.TrimSpace(body)
}

// balancedEnd returns the index just past the bracket closing s[start],
// skipping brackets inside JSON strings, or -1.
func balancedEnd(s string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}

var schemaCache sync.Map // string(schema document) -> *jsonschema.Schema

// ValidateStructured checks parsed against a schema document. The
// response_format wrapper {"name","strict","schema"} is accepted as well as
// a bare schema. Compiled schemas are cached per document.
func ValidateStructured(schemaRaw, parsed json.RawMessage) error {
	if len(schemaRaw) == 0 || len(parsed) == 0 {
		return nil
	}
	schema, err := compileSchema(schemaRaw)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(parsed, &doc); err != nil {
		return fmt.Errorf("decode reply for validation: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("reply does not match schema: %w", err)
	}
	return nil
}

func compileSchema(schemaRaw json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schemaRaw)
	if s, ok := schemaCache.Load(key); ok {
		return s.(*jsonschema.Schema), nil
	}

	var wrapper struct {
		Schema json.RawMessage `json:"schema"`
	}
	if err := json.Unmarshal(schemaRaw, &wrapper); err != nil {
		return nil, fmt.Errorf("invalid schema JSON: %w", err)
	}
	doc := schemaRaw
	if len(wrapper.Schema) > 0 {
		doc = wrapper.Schema
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("reply.json", bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	s, err := compiler.Compile("reply.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	schemaCache.Store(key, s)
	return s, nil
}
