package zamar

import (
	"net/http"

	"golang.org/x/text/language"
)

// MessageID identifies a user-facing error message.
type MessageID string

const (
	MsgNotLoggedIn    MessageID = "not_logged_in"
	MsgCheckoutFailed MessageID = "checkout_failed"
	MsgInvalidRequest MessageID = "invalid_request"
)

const defaultLocaleHebrew = "he"

var supportedLocales = []language.Tag{language.Hebrew, language.English}

var catalog = map[language.Tag]map[MessageID]string{
	language.Hebrew: {
		MsgNotLoggedIn:    "לא מחובר",
		MsgCheckoutFailed: "שגיאה ביצירת ההזמנה",
		MsgInvalidRequest: "בקשה לא תקינה",
	},
	language.English: {
		MsgNotLoggedIn:    "Not logged in",
		MsgCheckoutFailed: "Error creating the order",
		MsgInvalidRequest: "Invalid request",
	},
}

// Localizer picks user-facing messages by Accept-Language, falling back to a default locale.
type Localizer struct {
	matcher  language.Matcher
	fallback language.Tag
}

// NewLocalizer creates a Localizer. An unknown or empty defaultLocale means Hebrew.
func NewLocalizer(defaultLocale string) *Localizer {
	if defaultLocale == "" {
		defaultLocale = defaultLocaleHebrew
	}
	fallback := language.Hebrew
	if tag, err := language.Parse(defaultLocale); err == nil {
		if base, _ := tag.Base(); base.String() == "en" {
			fallback = language.English
		}
	}
	return &Localizer{
		matcher:  language.NewMatcher(supportedLocales),
		fallback: fallback,
	}
}

// Message returns the text for id in the locale requested by r.
func (l *Localizer) Message(r *http.Request, id MessageID) string {
	tag := l.fallback
	if r != nil {
		if header := r.Header.Get("Accept-Language"); header != "" {
			tag = l.match(header)
		}
	}
	return l.text(tag, id)
}

// Default returns the text for id in the default locale.
func (l *Localizer) Default(id MessageID) string {
	return l.text(l.fallback, id)
}

func (l *Localizer) match(header string) language.Tag {
	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return l.fallback
	}
	_, index, confidence := l.matcher.Match(tags...)
	if confidence == language.No {
		return l.fallback
	}
	return supportedLocales[index]
}

func (l *Localizer) text(tag language.Tag, id MessageID) string {
	if msg, ok := catalog[tag][id]; ok {
		return msg
	}
	return string(id)
}
