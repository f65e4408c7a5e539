// Package directory resolves actor ids to display names. The server swaps the
// whole table on config reload.
package directory

import (
	"sort"
	"strings"
	"sync"
)

// Person is one resolved identity.
type Person struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Directory is safe for concurrent use.
type Directory struct {
	mu    sync.RWMutex
	names map[string]string
}

// New builds a directory from id -> display name.
func New(names map[string]string) *Directory {
	d := &Directory{}
	d.Replace(names)
	return d
}

// Replace swaps in a new table.
func (d *Directory) Replace(names map[string]string) {
	next := make(map[string]string, len(names))
	for id, name := range names {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		next[id] = strings.TrimSpace(name)
	}
	d.mu.Lock()
	d.names = next
	d.mu.Unlock()
}

// DisplayName returns the configured name for actorID, falling back to the id
// itself. An empty id resolves to "".
func (d *Directory) DisplayName(actorID string) string {
	if d == nil {
		return actorID
	}
	d.mu.RLock()
	name, ok := d.names[actorID]
	d.mu.RUnlock()
	if !ok || name == "" {
		return actorID
	}
	return name
}

// Known reports whether actorID has an entry.
func (d *Directory) Known(actorID string) bool {
	if d == nil {
		return false
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.names[actorID]
	return ok
}

// People lists entries sorted by id.
func (d *Directory) People() []Person {
	d.mu.RLock()
	out := make([]Person, 0, len(d.names))
	for id, name := range d.names {
		out = append(out, Person{ID: id, Name: name})
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
