package capture

import "strings"

// ReadinessDetector decides from a single output line whether the capture
// process has finished starting up.
type ReadinessDetector interface {
	Ready(line string) bool
}

// MarkerDetector reports readiness when a line contains any of its markers.
type MarkerDetector struct {
	markers []string
}

// NewMarkerDetector returns a detector for the given substrings. Empty
// markers are ignored.
func NewMarkerDetector(markers ...string) *MarkerDetector {
	d := &MarkerDetector{}
	for _, m := range markers {
		if m != "" {
			d.markers = append(d.markers, m)
		}
	}
	return d
}

func (d *MarkerDetector) Ready(line string) bool {
	for _, m := range d.markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}
