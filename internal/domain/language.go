package domain

import "sort"

// LanguageProfile describes how to run one language inside the sandbox.
// The staged file path is appended as the last argument of Command.
type LanguageProfile struct {
	Command   []string `yaml:"command" json:"command"`
	Extension string   `yaml:"extension" json:"extension"`
	Image     string   `yaml:"image" json:"image"`
}

// Languages is the static profile table, keyed by language id.
// It is read-only once the node has started.
type Languages map[string]LanguageProfile

// Lookup returns the profile for a language id.
func (l Languages) Lookup(language string) (LanguageProfile, bool) {
	p, ok := l[language]
	return p, ok
}

// IDs returns the supported language ids in sorted order.
func (l Languages) IDs() []string {
	ids := make([]string, 0, len(l))
	for id := range l {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
