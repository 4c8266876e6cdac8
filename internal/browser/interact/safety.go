// internal/browser/interact/safety.go
package interact

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/pagepilot/internal/browser/dom"
)

// denyList matches click targets whose wording suggests an irreversible or
// account-level action. A match is a hard refusal.
var denyList = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpay(ment)?s?\b`),
	regexp.MustCompile(`(?i)\bpurchase\b`),
	regexp.MustCompile(`(?i)\bbuy\b`),
	regexp.MustCompile(`(?i)\bcheck\s*-?\s*out\b`),
	regexp.MustCompile(`(?i)\b(place\s+)?order\b`),
	regexp.MustCompile(`(?i)\bconfirm\b`),
	regexp.MustCompile(`(?i)\bdelete\b`),
	regexp.MustCompile(`(?i)\bremove\b`),
	regexp.MustCompile(`(?i)\bcancel\s+(my\s+|your\s+)?subscription\b`),
	regexp.MustCompile(`(?i)\blog\s*-?\s*out\b`),
	regexp.MustCompile(`(?i)\bsign\s*-?\s*out\b`),
	regexp.MustCompile(`(?i)\bunsubscribe\b`),
	regexp.MustCompile(`(?i)\bdeactivate\b`),
}

// clickCorpus is the text a click target is judged by: visible text, form
// value and accessible label.
func clickCorpus(n *html.Node) string {
	parts := []string{
		dom.CollapseSpace(dom.TextContent(n)),
		dom.Value(n),
		dom.AttrOr(n, "aria-label"),
	}
	return strings.Join(parts, " ")
}

func matchDenyList(text string) (string, bool) {
	for _, re := range denyList {
		if re.MatchString(text) {
			return re.String(), true
		}
	}
	return "", false
}

// sensitiveAutocomplete lists autocomplete tokens for secrets the agent must
// never type. Any cc-* token is also sensitive.
var sensitiveAutocomplete = map[string]string{
	"current-password": "a password",
	"new-password":     "a password",
	"one-time-code":    "a one-time code",
}

var nonTextInputs = map[string]bool{
	"checkbox": true, "radio": true, "file": true, "submit": true, "button": true,
	"reset": true, "image": true, "hidden": true,
}

// sensitiveField reports whether the field holds passwords or payment card data.
func sensitiveField(n *html.Node) (string, bool) {
	if strings.EqualFold(strings.TrimSpace(dom.AttrOr(n, "type")), "password") {
		return "a password", true
	}
	for _, token := range strings.Fields(strings.ToLower(dom.AttrOr(n, "autocomplete"))) {
		if reason, found := sensitiveAutocomplete[token]; found {
			return reason, true
		}
		if strings.HasPrefix(token, "cc-") {
			return "payment card data", true
		}
	}
	return "", false
}
