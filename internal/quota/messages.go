package quota

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	msgRemainingGreen  = "%d requests remaining this month"
	msgRemainingYellow = "Warning: %d requests remaining"
	msgRemainingRed    = "Limit almost reached: %d requests remaining"
)

var supportedLocales = []language.Tag{language.French, language.English}

var localeMatcher = language.NewMatcher(supportedLocales)

func init() {
	for _, key := range []string{msgRemainingGreen, msgRemainingYellow, msgRemainingRed} {
		_ = message.SetString(language.English, key, key)
	}
	_ = message.SetString(language.French, msgRemainingGreen, "%d requêtes restantes ce mois")
	_ = message.SetString(language.French, msgRemainingYellow, "Attention: %d requêtes restantes")
	_ = message.SetString(language.French, msgRemainingRed, "Limite presque atteinte: %d requêtes restantes")
}

// newPrinter picks French unless the locale clearly asks for English
func newPrinter(locale string) *message.Printer {
	tag := language.French
	if locale != "" {
		if requested, err := language.Parse(locale); err == nil {
			_, idx, _ := localeMatcher.Match(requested)
			tag = supportedLocales[idx]
		}
	}
	return message.NewPrinter(tag)
}
