package campaign

import (
	"regexp"
	"time"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Render substitutes {{placeholder}} tokens in tmpl for one recipient.
//
// Known placeholders: name (falls back to "there" when the recipient has
// no name), phone, custom1, custom2, date, time. Unknown placeholders
// render as the empty string.
func Render(tmpl string, r Recipient, now time.Time) string {
	name := r.Name
	if name == "" {
		name = "there"
	}
	vals := map[string]string{
		"name":    name,
		"phone":   r.Phone,
		"custom1": r.Custom1,
		"custom2": r.Custom2,
		"date":    now.Format("January 2, 2006"),
		"time":    now.Format("3:04 PM"),
	}
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		return vals[key]
	})
}
