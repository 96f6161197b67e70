package types

import "time"

// Capability is the three-state answer to "does this relay support advanced search/sort".
type Capability int

const (
	CapabilityUnknown Capability = iota
	CapabilitySupported
	CapabilityUnsupported
)

func (c Capability) String() string {
	switch c {
	case CapabilitySupported:
		return "supported"
	case CapabilityUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// CapabilityRecord is the memoized detection result for one relay.
type CapabilityRecord struct {
	RelayURL   string     `json:"relay_url"`
	State      Capability `json:"state"`
	DetectedAt time.Time  `json:"detected_at"`
	Source     string     `json:"source,omitempty"` // "nip11", "probe"
	Err        string     `json:"error,omitempty"`  // set when detection failed rather than being refused
}

// Failed reports whether the record came from a network failure or timeout.
func (r CapabilityRecord) Failed() bool {
	return r.Err != ""
}
