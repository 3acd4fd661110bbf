package findings

import (
	"fmt"
	"strings"
)

// ThreatLevel is derived from depth and confidence and never changes after insertion.
type ThreatLevel string

const (
	ThreatLow      ThreatLevel = "LOW"
	ThreatMedium   ThreatLevel = "MEDIUM"
	ThreatHigh     ThreatLevel = "HIGH"
	ThreatCritical ThreatLevel = "CRITICAL"
)

var threatRanks = map[ThreatLevel]int{
	ThreatLow:      1,
	ThreatMedium:   2,
	ThreatHigh:     3,
	ThreatCritical: 4,
}

// Rank orders threat levels; unknown levels rank 0.
func (t ThreatLevel) Rank() int {
	return threatRanks[t]
}

// Valid reports whether t is a known level.
func (t ThreatLevel) Valid() bool {
	return t.Rank() > 0
}

// ParseThreatLevel is case-insensitive.
func ParseThreatLevel(s string) (ThreatLevel, error) {
	t := ThreatLevel(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("unknown threat level %q", s)
	}
	return t, nil
}

// IOCType classifies an aggregated indicator.
type IOCType string

const (
	IOCFilePath        IOCType = "file_path"
	IOCNetworkEndpoint IOCType = "network_endpoint"
	IOCRegistryKey     IOCType = "registry_key"
	IOCProcessMarker   IOCType = "process_marker"
)

// Valid reports whether t is one of the four IOC types.
func (t IOCType) Valid() bool {
	switch t {
	case IOCFilePath, IOCNetworkEndpoint, IOCRegistryKey, IOCProcessMarker:
		return true
	}
	return false
}
