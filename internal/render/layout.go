package render

import (
	"errors"
	"strings"
)

// ErrUnknownLayout is returned when a layout name has no template.
var ErrUnknownLayout = errors.New("unknown layout")

// Row is one instance line of a message.
type Row struct {
	Label      string
	InstanceID string
}

// Layout is a named, immutable arrangement of rows. Layouts are passed by
// value; Render never writes to one.
type Layout struct {
	// Name doubles as the mention keyword, matched case-insensitively.
	Name  string
	Title string
	Rows  []Row
	// Channel is where a mention publishes this layout. Empty means the
	// channel the mention came from.
	Channel string
}

// Layouts is the ordered set of known layouts. The first one is the default.
type Layouts []Layout

func (ls Layouts) Lookup(name string) (Layout, error) {
	for _, l := range ls {
		if l.Name == name {
			return l, nil
		}
	}
	return Layout{}, ErrUnknownLayout
}

// Match picks the layout named in free text, falling back to the default.
// Later layouts win so that "layout 2" is not shadowed by the default.
func (ls Layouts) Match(text string) (Layout, bool) {
	if len(ls) == 0 {
		return Layout{}, false
	}
	lower := strings.ToLower(text)
	for i := len(ls) - 1; i > 0; i-- {
		if strings.Contains(lower, strings.ToLower(ls[i].Name)) {
			return ls[i], true
		}
	}
	return ls[0], true
}

// InstanceIDs returns every distinct instance referenced by any layout.
func (ls Layouts) InstanceIDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, l := range ls {
		for _, r := range l.Rows {
			if _, ok := seen[r.InstanceID]; ok {
				continue
			}
			seen[r.InstanceID] = struct{}{}
			ids = append(ids, r.InstanceID)
		}
	}
	return ids
}
