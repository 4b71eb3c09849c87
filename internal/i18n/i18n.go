package i18n

import (
	"embed"
	"fmt"
	"io/fs"
	"net/http"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

// LangHeader overrides Accept-Language when present
const LangHeader = "X-Lang"

//go:embed translations/*.toml
var translations embed.FS

var (
	supported = []language.Tag{language.English, language.Chinese}
	matcher   = language.NewMatcher(supported)
)

// Translator resolves message ids against the embedded catalogs
type Translator struct {
	bundle *i18n.Bundle
}

// New loads every embedded catalog. English is the fallback language.
func New() (*Translator, error) {
	bundle := i18n.NewBundle(language.English)
	bundle.RegisterUnmarshalFunc("toml", toml.Unmarshal)

	files, err := fs.Glob(translations, "translations/*.toml")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if _, err := bundle.LoadMessageFileFS(translations, f); err != nil {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	return &Translator{bundle: bundle}, nil
}

// Language picks the supported language that best matches the request
func Language(r *http.Request) string {
	var tags []language.Tag
	if lang := r.Header.Get(LangHeader); lang != "" {
		if tag, err := language.Parse(lang); err == nil {
			tags = append(tags, tag)
		}
	}
	if accept, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language")); err == nil {
		tags = append(tags, accept...)
	}
	_, idx, _ := matcher.Match(tags...)
	return supported[idx].String()
}

// Translate returns the message for id in lang, or "" when no catalog has it
func (t *Translator) Translate(lang, id string) string {
	if t == nil {
		return ""
	}
	msg, err := i18n.NewLocalizer(t.bundle, lang).Localize(&i18n.LocalizeConfig{MessageID: id})
	if err != nil {
		return ""
	}
	return msg
}
