package intercom

import (
	"strings"

	strip "github.com/grokify/html-strip-tags-go"
)

// NormalizeNoteBody reduces a note body to its comparable form: markup
// stripped, whitespace runs collapsed, lowercased. Intercom renders notes
// as HTML, so a raw-text body and its rendered copy must compare equal.
func NormalizeNoteBody(body string) string {
	text := strip.StripTags(body)
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}
