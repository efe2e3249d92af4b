// Package translate builds chunk translation prompts and parses the
// structured replies.
package translate

import (
	_ "embed"

	"github.com/BeetleBonsai798/EpubTranslate/internal/prompts"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed rules.tmpl
var rulesPrompt string

//go:embed instruction.tmpl
var instructionPrompt string

// Prompt keys.
const (
	SystemKey      = "translate.system"
	RulesKey       = "translate.rules"
	InstructionKey = "translate.instruction"
)

// RegisterPrompts registers the translation prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemKey,
		Text:        systemPrompt,
		Description: "Translator role and consistency rules, sent as the system message",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         RulesKey,
		Text:        rulesPrompt,
		Description: "Numbered list of the reply fields; {{step}} numbers each line",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         InstructionKey,
		Text:        instructionPrompt,
		Description: "Final user instruction; carries the rules and format block when power steering is on",
	})
}
