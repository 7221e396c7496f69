package vulnboard

import (
	"strings"
)

// Filter values from a slice
func Filter[T any](s []T, fn func(T) bool) []T {
	var r []T
	for _, t := range s {
		if fn(t) {
			r = append(r, t)
		}
	}
	return r
}

// Unique keeps the first occurrence of every value
func Unique[T comparable](s []T) []T {
	seen := make(map[T]struct{}, len(s))
	var r []T
	for _, t := range s {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		r = append(r, t)
	}
	return r
}

// Splits a comma separated list, dropping empty items
func splitList(s string) []string {
	items := strings.Split(s, ",")
	for i := range items {
		items[i] = strings.TrimSpace(items[i])
	}
	return Filter(items, func(item string) bool { return item != "" })
}

// OrderedGroups is a map that remembers the order in which keys were first
// added.
type OrderedGroups[K comparable, V any] struct {
	keys   []K
	values map[K]V
}

func NewOrderedGroups[K comparable, V any]() *OrderedGroups[K, V] {
	return &OrderedGroups[K, V]{values: make(map[K]V)}
}

func (g *OrderedGroups[K, V]) GetOrAdd(key K, fn func() V) V {
	if v, ok := g.values[key]; ok {
		return v
	}
	v := fn()
	g.keys = append(g.keys, key)
	g.values[key] = v
	return v
}

func (g *OrderedGroups[K, V]) Values() []V {
	values := make([]V, 0, len(g.keys))
	for _, k := range g.keys {
		values = append(values, g.values[k])
	}
	return values
}

func (g *OrderedGroups[K, V]) Len() int {
	return len(g.keys)
}
