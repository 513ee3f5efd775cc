package eval

import "strings"

// Impurity decides which symbols must be resolved by the host.
type Impurity struct {
	Symbols  map[string]bool
	Prefixes []string
}

// DefaultImpurity covers capability, network, file, delegation and MCP
// namespaces plus a few well-known effectful primitives.
func DefaultImpurity() Impurity {
	return NewImpurity(
		[]string{"capability.", "net.", "http.", "fs.", "agent.", "mcp.", "delegate."},
		[]string{"read-file", "write-file", "http-fetch", "sleep", "now", "random", "log", "println"},
	)
}

// NewImpurity builds an Impurity from prefix and symbol lists.
func NewImpurity(prefixes, symbols []string) Impurity {
	imp := Impurity{Symbols: make(map[string]bool, len(symbols))}
	for _, s := range symbols {
		if s = strings.TrimSpace(s); s != "" {
			imp.Symbols[s] = true
		}
	}
	for _, p := range prefixes {
		if p = strings.TrimSpace(p); p != "" {
			imp.Prefixes = append(imp.Prefixes, p)
		}
	}
	return imp
}

// IsImpure reports whether calling name requires the host.
func (i Impurity) IsImpure(name string) bool {
	if i.Symbols[name] {
		return true
	}
	for _, p := range i.Prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}
