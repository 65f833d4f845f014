package ports

import (
	"fmt"
	"slices"
	"sort"
)

// UsageStats summarises pool occupancy.
type UsageStats struct {
	Total           int      `json:"total"`
	InUse           int      `json:"inUse"`
	Reserved        int      `json:"reserved"`
	Available       int      `json:"available"`
	UtilizationRate string   `json:"utilizationRate"`
	ActiveUsers     []string `json:"activeUsers"`
	RangeStart      int      `json:"rangeStart"`
	RangeEnd        int      `json:"rangeEnd"`
	LowestFree      int      `json:"lowestFree,omitempty"`
	HighestFree     int      `json:"highestFree,omitempty"`
}

// DetailedStatus extends UsageStats with the contents of every set.
type DetailedStatus struct {
	UsageStats
	UserPorts      map[string]int `json:"userPorts"`
	AvailablePorts []int          `json:"availablePorts"`
	ReservedPorts  []int          `json:"reservedPorts"`
	LastUsedPorts  map[string]int `json:"lastUsedPorts"`
}

// Stats returns a point-in-time usage summary.
func (p *Pool) Stats() UsageStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

// Status returns a point-in-time copy of every set in the pool.
func (p *Pool) Status() DetailedStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := DetailedStatus{
		UsageStats:     p.statsLocked(),
		UserPorts:      make(map[string]int, len(p.inUse)),
		AvailablePorts: slices.Clone(p.available),
		ReservedPorts:  make([]int, 0, len(p.reserved)),
		LastUsedPorts:  make(map[string]int, len(p.lastUsed)),
	}
	for sessionID, port := range p.inUse {
		status.UserPorts[sessionID] = port
	}
	for port := range p.reserved {
		status.ReservedPorts = append(status.ReservedPorts, port)
	}
	sort.Ints(status.ReservedPorts)
	for sessionID, entry := range p.lastUsed {
		status.LastUsedPorts[sessionID] = entry.port
	}
	return status
}

// statsLocked builds UsageStats. Caller must hold p.mu.
func (p *Pool) statsLocked() UsageStats {
	stats := UsageStats{
		Total:       p.size,
		InUse:       len(p.inUse),
		Reserved:    len(p.reserved),
		Available:   len(p.available),
		ActiveUsers: make([]string, 0, len(p.inUse)),
		RangeStart:  p.base,
		RangeEnd:    p.base + p.size - 1,
	}
	rate := float64(stats.InUse+stats.Reserved) / float64(p.size) * 100
	stats.UtilizationRate = fmt.Sprintf("%.1f%%", rate)
	for sessionID := range p.inUse {
		stats.ActiveUsers = append(stats.ActiveUsers, sessionID)
	}
	sort.Strings(stats.ActiveUsers)
	if len(p.available) > 0 {
		stats.LowestFree = p.available[0]
		stats.HighestFree = p.available[len(p.available)-1]
	}
	return stats
}
