package epub

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

var namedTags = []language.Tag{
	language.English, language.Japanese, language.Korean, language.Chinese,
	language.SimplifiedChinese, language.TraditionalChinese, language.German,
	language.French, language.Spanish, language.Italian, language.Portuguese,
	language.BrazilianPortuguese, language.Russian, language.Ukrainian,
	language.Polish, language.Dutch, language.Turkish, language.Arabic,
	language.Vietnamese, language.Thai, language.Indonesian,
}

// LanguageTag maps a language name ("English") or tag ("en-GB") to a
// BCP 47 tag for package metadata. Unknown names give "".
func LanguageTag(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	if tag, err := language.Parse(name); err == nil {
		return tag.String()
	}
	namer := display.English.Tags()
	for _, tag := range namedTags {
		if strings.EqualFold(namer.Name(tag), name) {
			return tag.String()
		}
	}
	return ""
}
