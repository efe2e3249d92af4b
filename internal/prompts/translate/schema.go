package translate

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/BeetleBonsai798/EpubTranslate/internal/providers"
)

// ResponseSchema is the JSON schema a reply must satisfy. Context arrays
// are optional and loosely typed; their items are sanitized on merge.
var ResponseSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "characters": {"type": ["array", "object", "null"]},
    "places": {"type": ["array", "object", "null"]},
    "terms": {"type": ["array", "object", "null"]},
    "notes": {"type": ["array", "null"]},
    "complete_translation": {"type": "string"}
  },
  "required": ["complete_translation"]
}`)

// ResponseFormat asks for a bare JSON object. Strict json_schema mode is
// not used because most upstream providers reject it.
func ResponseFormat() *providers.ResponseFormat {
	return providers.JSONObject
}

type exampleCharacter struct {
	Original   string `json:"original"`
	Translated string `json:"translated"`
	Gender     string `json:"gender"`
}

type exampleRecord struct {
	Original   string `json:"original"`
	Translated string `json:"translated"`
}

type exampleTerm struct {
	Original   string `json:"original"`
	Translated string `json:"translated"`
	Category   string `json:"category"`
}

type exampleNote struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Note   string `json:"note"`
}

type example struct {
	Characters  []exampleCharacter `json:"characters,omitempty"`
	Places      []exampleRecord    `json:"places,omitempty"`
	Terms       []exampleTerm      `json:"terms,omitempty"`
	Notes       []exampleNote      `json:"notes,omitempty"`
	Translation string             `json:"complete_translation"`
}

// formatBlock renders the reply format instruction for the enabled modes.
func formatBlock(contextMode, notesMode bool) string {
	ex := example{Translation: "the_translated_text_here"}
	if contextMode {
		ex.Characters = []exampleCharacter{{"original_name", "translated_name", "male/female/not_clear"}}
		ex.Places = []exampleRecord{{"original_place", "translated_place"}}
		ex.Terms = []exampleTerm{{"original_term", "translated_term", "spell/weapon/skill/technique/ability/item/artifact/race/other"}}
	}
	if notesMode {
		ex.Notes = []exampleNote{{"add/update/delete", "short_identifier", "brief_note_content (not needed for delete)"}}
	}

	var b strings.Builder
	b.WriteString("Respond in UTF-8 with ONLY a VALID JSON object in this format:\n```json\n")
	b.WriteString(marshalIndent(ex))
	b.WriteString("\n```")
	if notesMode {
		b.WriteString("\nInclude \"notes\" only when a note must change; omit it otherwise.")
	}
	return b.String()
}

// marshalIndent encodes v without HTML escaping, so markup in translated
// text survives unchanged.
func marshalIndent(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}

// assistantReply renders a previous translation the way the model is asked
// to answer, so earlier turns read as its own replies.
func assistantReply(translated string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(map[string]string{"complete_translation": translated}); err != nil {
		return "{}"
	}
	return strings.TrimRight(buf.String(), "\n")
}
