package llm

import "strings"

// Capabilities is the set of optional features an adapter instance offers.
// Callers must check it before using the optional reporter interfaces.
type Capabilities uint16

const (
	CapStreaming Capabilities = 1 << iota
	CapTools
	CapVision
	CapLocal
	CapUsageReport
	CapCostReport
	CapWorkspaces
	CapCredits
)

var capNames = []struct {
	cap  Capabilities
	name string
}{
	{CapStreaming, "streaming"},
	{CapTools, "tools"},
	{CapVision, "vision"},
	{CapLocal, "local"},
	{CapUsageReport, "usage_report"},
	{CapCostReport, "cost_report"},
	{CapWorkspaces, "workspaces"},
	{CapCredits, "credits"},
}

// Has reports whether every bit of c is present.
func (s Capabilities) Has(c Capabilities) bool {
	return s&c == c
}

func (s Capabilities) Names() []string {
	out := make([]string, 0, len(capNames))
	for _, n := range capNames {
		if s.Has(n.cap) {
			out = append(out, n.name)
		}
	}
	return out
}

func (s Capabilities) String() string {
	return strings.Join(s.Names(), ",")
}
