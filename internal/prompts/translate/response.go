package translate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/BeetleBonsai798/EpubTranslate/internal/contextdb"
	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
)

// Response is a parsed chunk reply.
type Response struct {
	Translation string
	Update      contextdb.Update
	Notes       []contextdb.NoteOp
}

type wireResponse struct {
	Translation *string         `json:"complete_translation"`
	Characters  json.RawMessage `json:"characters"`
	Places      json.RawMessage `json:"places"`
	Terms       json.RawMessage `json:"terms"`
	Notes       json.RawMessage `json:"notes"`
}

// looseString accepts strings, numbers, booleans and null. Models are
// sloppy about scalar types in the context arrays.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*s = ""
	case string:
		*s = looseString(x)
	case float64:
		*s = looseString(strconv.FormatFloat(x, 'f', -1, 64))
	case bool:
		*s = looseString(strconv.FormatBool(x))
	default:
		return fmt.Errorf("unexpected %T", v)
	}
	return nil
}

type wireRecord struct {
	Original   looseString `json:"original"`
	Translated looseString `json:"translated"`
	Gender     looseString `json:"gender"`
	Category   looseString `json:"category"`
}

type wireNote struct {
	Action looseString `json:"action"`
	Key    looseString `json:"key"`
	Note   looseString `json:"note"`
}

// ParseResponse decodes a reply. complete_translation is required; the
// context arrays are decoded item by item and malformed items are dropped.
func ParseResponse(raw json.RawMessage) (*Response, error) {
	var w wireResponse
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	if w.Translation == nil {
		return nil, errors.New("reply has no complete_translation")
	}
	return &Response{
		Translation: *w.Translation,
		Update: contextdb.Update{
			Characters: decodeRecords(w.Characters),
			Places:     decodeRecords(w.Places),
			Terms:      decodeRecords(w.Terms),
		},
		Notes: decodeNotes(w.Notes),
	}, nil
}

// decodeRecords accepts the documented array form and the older
// {"original": "translated"} object form.
func decodeRecords(raw json.RawMessage) []contextdb.Record {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		out := make([]contextdb.Record, 0, len(items))
		for _, it := range items {
			var r wireRecord
			if err := json.Unmarshal(it, &r); err != nil {
				continue
			}
			out = append(out, r.record(""))
		}
		return out
	}

	var byKey map[string]json.RawMessage
	if err := json.Unmarshal(raw, &byKey); err != nil {
		return nil
	}
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]contextdb.Record, 0, len(keys))
	for _, k := range keys {
		var s looseString
		if err := json.Unmarshal(byKey[k], &s); err == nil {
			out = append(out, contextdb.Record{Key: k, Translated: string(s)})
			continue
		}
		var r wireRecord
		if err := json.Unmarshal(byKey[k], &r); err == nil {
			out = append(out, r.record(k))
		}
	}
	return out
}

func (r wireRecord) record(defaultKey string) contextdb.Record {
	key := strings.TrimSpace(string(r.Original))
	if key == "" {
		key = defaultKey
	}
	return contextdb.Record{
		Key:        key,
		Translated: string(r.Translated),
		Gender:     string(r.Gender),
		Category:   string(r.Category),
	}
}

func decodeNotes(raw json.RawMessage) []contextdb.NoteOp {
	var items []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return nil
	}
	var out []contextdb.NoteOp
	for _, it := range items {
		var n wireNote
		if err := json.Unmarshal(it, &n); err != nil {
			continue
		}
		action := strings.ToLower(strings.TrimSpace(string(n.Action)))
		if action == "" {
			action = contextdb.NoteAdd
		}
		out = append(out, contextdb.NoteOp{
			Action: action,
			Key:    strings.TrimSpace(string(n.Key)),
			Note:   strings.TrimSpace(string(n.Note)),
		})
	}
	return out
}

// Validate checks a chat result against ResponseSchema and returns the
// translation. Used as the fallback client's response validator.
func Validate(result *providers.ChatResult) (string, error) {
	raw := result.ParsedJSON
	if len(raw) == 0 {
		parsed, err := providers.ParseStructuredJSON(result.Content)
		if err != nil {
			return "", err
		}
		raw = parsed
	}
	if err := providers.ValidateStructured(ResponseSchema, raw); err != nil {
		return "", err
	}
	resp, err := ParseResponse(raw)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Translation) == "" {
		return "", errors.New("complete_translation is empty")
	}
	return resp.Translation, nil
}

// Decode parses the reply carried by a validated chat result.
func Decode(result *providers.ChatResult) (*Response, error) {
	raw := result.ParsedJSON
	if len(raw) == 0 {
		parsed, err := providers.ParseStructuredJSON(result.Content)
		if err != nil {
			return nil, err
		}
		raw = parsed
	}
	return ParseResponse(raw)
}
