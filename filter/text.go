// Package filter cleans user-supplied names before they reach the core.
// Message text is stored as sent; clients escape it when rendering.
package filter

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Text strips markup from display and group names. Anything shaped like a tag
// is removed, so it is not fit for free-form text: "a<b c>d" becomes "ad".
type Text struct {
	policy *bluemonday.Policy
}

func NewText() *Text {
	return &Text{policy: bluemonday.StrictPolicy()}
}

func (t *Text) Sanitize(s string) string {
	// the strict policy escapes what it keeps; messages are stored unescaped
	return strings.TrimSpace(html.UnescapeString(t.policy.Sanitize(s)))
}
