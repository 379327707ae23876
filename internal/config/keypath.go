package config

import "strings"

// KeyPath addresses a value in the raw YAML tree, e.g. "inbox.queueSize".
type KeyPath []string

// ParseKeyPath splits a dotted key. Empty segments are rejected, and so are
// segments starting with "__", which no config field uses.
func ParseKeyPath(raw string) (KeyPath, error) {
	if raw == "" {
		return nil, &ConfigError{Message: "empty config path"}
	}
	parts := strings.Split(raw, ".")
	for _, p := range parts {
		switch {
		case p == "":
			return nil, &ConfigError{Path: raw, Message: "config path contains empty segment"}
		case strings.HasPrefix(p, "__"):
			return nil, &ConfigError{Path: raw, Message: "config path segment " + p + " is reserved"}
		}
	}
	return KeyPath(parts), nil
}

func (k KeyPath) String() string { return strings.Join(k, ".") }

// parent walks to the map holding k's last segment. With create set,
// missing or non-map intermediates are replaced by empty maps.
func (k KeyPath) parent(root map[string]any, create bool) (map[string]any, bool) {
	cur := root
	for _, seg := range k[:len(k)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			if !create {
				return nil, false
			}
			next = map[string]any{}
			cur[seg] = next
		}
		cur = next
	}
	return cur, true
}

func (k KeyPath) Get(root map[string]any) (any, bool) {
	m, ok := k.parent(root, false)
	if !ok {
		return nil, false
	}
	v, ok := m[k[len(k)-1]]
	return v, ok
}

func (k KeyPath) Set(root map[string]any, value any) {
	m, _ := k.parent(root, true)
	m[k[len(k)-1]] = value
}

// Unset removes the value and reports whether it was there.
func (k KeyPath) Unset(root map[string]any) bool {
	m, ok := k.parent(root, false)
	if !ok {
		return false
	}
	if _, ok := m[k[len(k)-1]]; !ok {
		return false
	}
	delete(m, k[len(k)-1])
	return true
}
