package monitor

import (
	"encoding/json"
	"fmt"
	"time"
)

// ResourceType identifies the kind of dependency being protected
type ResourceType string

const (
	ResourceAPIQuota        ResourceType = "api_quota"
	ResourceMemory          ResourceType = "memory"
	ResourceCPU             ResourceType = "cpu"
	ResourceDatabase        ResourceType = "database"
	ResourceExternalService ResourceType = "external_service"
	ResourceNetwork         ResourceType = "network"
	ResourceContainer       ResourceType = "container"
	ResourceWorkload        ResourceType = "workload"
)

// ResourceStatus represents resource availability, ordered by severity
type ResourceStatus int

const (
	StatusHealthy ResourceStatus = iota
	StatusWarning
	StatusCritical
	StatusUnavailable
)

func (s ResourceStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusWarning:
		return "warning"
	case StatusCritical:
		return "critical"
	case StatusUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalJSON serializes the status as its string form
func (s ResourceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON parses the string form of a status
func (s *ResourceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseStatus(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts a string to a ResourceStatus
func ParseStatus(s string) (ResourceStatus, error) {
	switch s {
	case "healthy":
		return StatusHealthy, nil
	case "warning":
		return StatusWarning, nil
	case "critical":
		return StatusCritical, nil
	case "unavailable":
		return StatusUnavailable, nil
	default:
		return StatusHealthy, fmt.Errorf("unknown resource status: %s", s)
	}
}

// Thresholds define the usage ratios at which a resource escalates
type Thresholds struct {
	Warning     float64 `json:"warning" yaml:"warning"`
	Critical    float64 `json:"critical" yaml:"critical"`
	Unavailable float64 `json:"unavailable" yaml:"unavailable"`
	// Hysteresis is subtracted from a band's threshold before the status
	// may de-escalate out of that band
	Hysteresis float64 `json:"hysteresis" yaml:"hysteresis"`
}

// DefaultThresholds returns the default classification thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:     0.70,
		Critical:    0.90,
		Unavailable: 1.00,
		Hysteresis:  0.05,
	}
}

// Validate checks threshold ordering
func (t Thresholds) Validate() error {
	if t.Warning <= 0 || t.Critical <= t.Warning || t.Unavailable < t.Critical {
		return fmt.Errorf("thresholds must satisfy 0 < warning < critical <= unavailable, got %+v", t)
	}
	if t.Hysteresis < 0 {
		return fmt.Errorf("hysteresis must be non-negative, got %f", t.Hysteresis)
	}
	return nil
}

// Snapshot is the latest measurement and classification for a resource.
// Snapshots are owned by the Monitor and handed out by value.
type Snapshot struct {
	Type       ResourceType      `json:"type"`
	Status     ResourceStatus    `json:"status"`
	MeasuredAt time.Time         `json:"measured_at"`
	UsageRatio float64           `json:"usage_ratio"`
	Context    map[string]string `json:"context,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	out := s
	if s.Context != nil {
		out.Context = make(map[string]string, len(s.Context))
		for k, v := range s.Context {
			out.Context[k] = v
		}
	}
	return out
}
