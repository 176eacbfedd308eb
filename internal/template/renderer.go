package template

import (
	"regexp"
)

// recognizedKeys is the closed set of recipient attribute names a {Key}
// token may reference. Matching is case-sensitive; any other token is left
// in the output verbatim.
var recognizedKeys = []string{
	"FirstName",
	"LastName",
	"FullName",
	"Email",
	"Company",
	"Brokerage",
	"City",
	"State",
	"Custom1",
	"Custom2",
	"Custom3",
	"Custom4",
	"Custom5",
}

var recognizedSet = func() map[string]bool {
	m := make(map[string]bool, len(recognizedKeys))
	for _, k := range recognizedKeys {
		m[k] = true
	}
	return m
}()

var tokenPattern = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9]*)\}`)

// RecognizedKeys returns the attribute names the renderer substitutes.
func RecognizedKeys() []string {
	keys := make([]string, len(recognizedKeys))
	copy(keys, recognizedKeys)
	return keys
}

// Renderer substitutes {Key} tokens with recipient attribute values.
// Rendering has no side effects and no hidden inputs, so previewing a
// template against an attribute map produces exactly the bytes a send would.
type Renderer struct{}

// NewRenderer creates a new renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render renders the subject and both bodies of a template against one
// recipient's attributes.
func (r *Renderer) Render(subject, text, html string, attrs map[string]string) *Rendered {
	return &Rendered{
		Subject: r.RenderString(subject, attrs),
		Text:    r.RenderString(text, attrs),
		HTML:    r.RenderString(html, attrs),
	}
}

// RenderString replaces every recognized {Key} token in s. A recognized key
// with no attribute value renders as an empty string, never as the literal
// token. Unrecognized tokens pass through unchanged.
func (r *Renderer) RenderString(s string, attrs map[string]string) string {
	if s == "" {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		key := match[1 : len(match)-1]
		if !recognizedSet[key] {
			return match
		}
		return attrs[key]
	})
}

// ExtractPlaceholders returns the recognized placeholder keys used in s, in
// order of first appearance. Unrecognized tokens are not reported since the
// renderer never substitutes them.
func ExtractPlaceholders(s string) []string {
	var keys []string
	seen := make(map[string]bool)
	for _, m := range tokenPattern.FindAllStringSubmatch(s, -1) {
		key := m[1]
		if recognizedSet[key] && !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	return keys
}
