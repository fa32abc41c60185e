// Package command classifies inbound message text against the
// configured command-prefix table.
package command

import (
	"sort"
	"strings"
)

// Kind identifies what an inbound message asks for.
type Kind int

const (
	// None is a plain prompt with no command prefix.
	None Kind = iota
	// System sets a system instruction and rotates the session.
	System
	// Image requests image generation.
	Image
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case System:
		return "system"
	case Image:
		return "image"
	default:
		return "none"
	}
}

// Router matches literal command prefixes at the start of message text.
type Router struct {
	// prefixes is kept sorted by descending length so that when one
	// configured command is a prefix of another ("/img", "/imghd"),
	// the longer literal wins deterministically.
	prefixes []entry
}

type entry struct {
	prefix string
	kind   Kind
}

// NewRouter builds a router from the configured prefixes. Empty
// prefixes are ignored.
func NewRouter(systemPrefix, imagePrefix string) *Router {
	r := &Router{}
	if systemPrefix != "" {
		r.prefixes = append(r.prefixes, entry{systemPrefix, System})
	}
	if imagePrefix != "" {
		r.prefixes = append(r.prefixes, entry{imagePrefix, Image})
	}
	sort.SliceStable(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
	})
	return r
}

// Classify finds the command prefix at the start of text, if any, and
// returns the kind together with the remainder (prefix stripped,
// surrounding whitespace trimmed). Without a match the text passes
// through unchanged as a plain prompt.
func (r *Router) Classify(text string) (Kind, string) {
	for _, e := range r.prefixes {
		if strings.HasPrefix(text, e.prefix) {
			return e.kind, strings.TrimSpace(text[len(e.prefix):])
		}
	}
	return None, text
}
