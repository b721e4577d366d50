package parameter

import (
	"fmt"
	"strings"
)

// Kind identifies an entity kind
type Kind string

const (
	KindAll           Kind = "all"
	KindDocumentTypes Kind = "document_types"
	KindSystemDates   Kind = "system_dates"
	KindSystemRates   Kind = "system_rates"
)

// Kinds lists the concrete entity kinds (KindAll excluded)
var Kinds = []Kind{KindDocumentTypes, KindSystemDates, KindSystemRates}

// ParseKind converts a kind name
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindAll, KindDocumentTypes, KindSystemDates, KindSystemRates:
		return k, nil
	case "":
		return KindAll, nil
	}
	return "", fmt.Errorf("unknown kind %q", s)
}

// Scope selects what an invalidation clears. An empty Name clears the whole
// kind; a Name is only honoured for KindSystemRates, where rates are cached
// one by one.
type Scope struct {
	Kind Kind   `json:"kind"`
	Name string `json:"name,omitempty"`
}

// ScopeAll clears every kind
func ScopeAll() Scope { return Scope{Kind: KindAll} }

// ScopeKind clears one kind
func ScopeKind(k Kind) Scope { return Scope{Kind: k} }

// ScopeRate clears one named system rate
func ScopeRate(name string) Scope { return Scope{Kind: KindSystemRates, Name: name} }

// Includes reports whether the scope covers kind k
func (s Scope) Includes(k Kind) bool {
	return s.Kind == KindAll || s.Kind == k
}

func (s Scope) String() string {
	if s.Name != "" {
		return string(s.Kind) + ":" + s.Name
	}
	return string(s.Kind)
}
