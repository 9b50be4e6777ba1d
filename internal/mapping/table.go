package mapping

// Table is an ordered, immutable set of mappings keyed by domain.
// The zero value is an empty table. Tables are safe for concurrent reads.
type Table struct {
	order []string
	byKey map[string]Mapping
}

// NewTable builds a table from mappings in order. A later mapping for the
// same domain replaces the earlier one but keeps its position.
func NewTable(mappings ...Mapping) *Table {
	t := &Table{byKey: make(map[string]Mapping, len(mappings))}
	for _, m := range mappings {
		if _, ok := t.byKey[m.Domain]; !ok {
			t.order = append(t.order, m.Domain)
		}
		t.byKey[m.Domain] = m
	}
	return t
}

// Lookup returns the mapping for domain.
func (t *Table) Lookup(domain string) (Mapping, bool) {
	if t == nil {
		return Mapping{}, false
	}
	m, ok := t.byKey[domain]
	return m, ok
}

// Len returns the number of mappings.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.order)
}

// Default returns the first mapping inserted.
func (t *Table) Default() (Mapping, bool) {
	if t.Len() == 0 {
		return Mapping{}, false
	}
	return t.byKey[t.order[0]], true
}

// Domains returns the domains in insertion order.
func (t *Table) Domains() []string {
	if t == nil {
		return nil
	}
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// All returns the mappings in insertion order.
func (t *Table) All() []Mapping {
	if t == nil {
		return nil
	}
	out := make([]Mapping, 0, len(t.order))
	for _, d := range t.order {
		out = append(out, t.byKey[d])
	}
	return out
}

// With returns a copy of t with m added or its port replaced.
func (t *Table) With(m Mapping) *Table {
	return NewTable(append(t.All(), m)...)
}

// Without returns a copy of t with domain removed.
func (t *Table) Without(domain string) *Table {
	all := t.All()
	kept := all[:0]
	for _, m := range all {
		if m.Domain != domain {
			kept = append(kept, m)
		}
	}
	return NewTable(kept...)
}
