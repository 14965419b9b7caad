package handler

import (
	"maps"
	"slices"

	"github.com/markus-barta/agenthub/internal/config"
	"github.com/markus-barta/agenthub/internal/protocol"
)

// Domain configures the request lifecycle of one capability family.
type Domain struct {
	Name          string // request type, "files"
	NotifyType    string // notification type, "filesnotify"
	RequestSuffix string // appended to the action on the start notification
	ResultSuffix  string // appended to the action on the completion notification
}

func (d Domain) withDefaults() Domain {
	if d.NotifyType == "" {
		d.NotifyType = protocol.NotifyType(d.Name)
	}
	if d.RequestSuffix == "" {
		d.RequestSuffix = protocol.SuffixRequest
	}
	if d.ResultSuffix == "" {
		d.ResultSuffix = protocol.SuffixResult
	}
	return d
}

// DefaultDomains are the capability families every hub knows.
var DefaultDomains = []string{
	"files",
	"terminal",
	"browser",
	"codeutils",
	"git",
	"tokenizer",
	"vectordb",
	"memory",
	"llm",
	"mcp",
	"search",
}

// Table maps request types to domains. It is read-only once built.
type Table struct {
	domains map[string]Domain
}

// NewTable builds a table from the given domains. Later entries win.
func NewTable(domains ...Domain) *Table {
	t := &Table{domains: make(map[string]Domain, len(domains))}
	for _, d := range domains {
		if d.Name == "" {
			continue
		}
		t.domains[d.Name] = d.withDefaults()
	}
	return t
}

// DefaultTable returns the table of DefaultDomains.
func DefaultTable() *Table {
	domains := make([]Domain, 0, len(DefaultDomains))
	for _, name := range DefaultDomains {
		domains = append(domains, Domain{Name: name})
	}
	return NewTable(domains...)
}

// With returns a copy of t extended by extra.
func (t *Table) With(extra ...Domain) *Table {
	all := slices.Collect(maps.Values(t.domains))
	return NewTable(append(all, extra...)...)
}

// WithConfig returns a copy of t extended by configured domains.
func (t *Table) WithConfig(rows []config.DomainConfig) *Table {
	extra := make([]Domain, 0, len(rows))
	for _, r := range rows {
		extra = append(extra, Domain{
			Name:          r.Name,
			NotifyType:    r.NotifyType,
			RequestSuffix: r.RequestSuffix,
			ResultSuffix:  r.ResultSuffix,
		})
	}
	return t.With(extra...)
}

// Lookup returns the domain handling msgType.
func (t *Table) Lookup(msgType string) (Domain, bool) {
	d, ok := t.domains[msgType]
	return d, ok
}

// Names returns the domain names, sorted.
func (t *Table) Names() []string {
	return slices.Sorted(maps.Keys(t.domains))
}
