// Package storage implements the physical storage engine: temperature-zoned
// locations, capacity accounting, container placement, and the custody trail
// for every move.
package storage

import "time"

// Zone is a temperature zone label.
type Zone string

const (
	ZoneDeepFreeze Zone = "-80"
	ZoneFreezer    Zone = "-20"
	ZoneFridge     Zone = "4"
	ZoneAmbient    Zone = "RT"
	ZoneIncubator  Zone = "37"
)

// zoneCompat maps a sample's required zone to the location zones that may
// hold it. Colder is acceptable one step down; incubated material never
// leaves its zone.
var zoneCompat = map[Zone][]Zone{
	ZoneDeepFreeze: {ZoneDeepFreeze},
	ZoneFreezer:    {ZoneFreezer, ZoneDeepFreeze},
	ZoneFridge:     {ZoneFridge, ZoneFreezer},
	ZoneAmbient:    {ZoneAmbient, ZoneFridge},
	ZoneIncubator:  {ZoneIncubator},
}

// ValidZone reports whether z is a known zone.
func ValidZone(z Zone) bool {
	_, ok := zoneCompat[z]
	return ok
}

// ZoneCompatible reports whether a sample requiring `required` may be placed
// in a location of zone `actual`.
func ZoneCompatible(required, actual Zone) bool {
	for _, z := range zoneCompat[required] {
		if z == actual {
			return true
		}
	}
	return false
}

// Default capacity thresholds. Crossing warning emits an advisory event;
// crossing critical emits an alert. A full location rejects the allocation
// outright.
const (
	CapacityWarning  = 0.80
	CapacityCritical = 0.95
)

// Thresholds are the utilization trip points for capacity alerts.
type Thresholds struct {
	Warning  float64
	Critical float64
}

// DefaultThresholds returns the stock 0.80 / 0.95 trip points.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: CapacityWarning, Critical: CapacityCritical}
}

// Level classifies a location against the trip points.
func (t Thresholds) Level(l *Location) string {
	switch {
	case l.Full():
		return "full"
	case l.Utilization() >= t.Critical:
		return "critical"
	case l.Utilization() >= t.Warning:
		return "warning"
	default:
		return "ok"
	}
}

// LocationStatus is the operational state of a storage location.
type LocationStatus string

const (
	LocationActive         LocationStatus = "active"
	LocationMaintenance    LocationStatus = "maintenance"
	LocationDecommissioned LocationStatus = "decommissioned"
)

// ValidLocationStatus reports whether s is a known status.
func ValidLocationStatus(s LocationStatus) bool {
	switch s {
	case LocationActive, LocationMaintenance, LocationDecommissioned:
		return true
	}
	return false
}

// Location is a storage unit (freezer, rack, shelf) in a single zone.
type Location struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Zone      Zone           `json:"zone"`
	Capacity  int            `json:"capacity"`
	Used      int            `json:"used"`
	Status    LocationStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Accepting reports whether the location may take new occupants. Only an
// active location does; maintenance and decommissioned locations keep what
// they hold but admit nothing.
func (l *Location) Accepting() bool {
	return l.Status == LocationActive || l.Status == ""
}

// Utilization is used/capacity; 0 for an unbounded or empty location.
func (l *Location) Utilization() float64 {
	if l.Capacity <= 0 {
		return 0
	}
	return float64(l.Used) / float64(l.Capacity)
}

// Full reports whether no slot is free.
func (l *Location) Full() bool {
	return l.Capacity > 0 && l.Used >= l.Capacity
}

// Container is one stored sample's placement in a location. RequiredZone is
// the sample's own requirement, recorded at allocation so later moves can be
// re-checked without consulting the sample service.
type Container struct {
	ID           string    `json:"id"`
	LocationID   string    `json:"location_id"`
	SampleID     string    `json:"sample_id"`
	RequiredZone Zone      `json:"required_zone"`
	Position     string    `json:"position,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
	StoredBy     string    `json:"stored_by"`
}

// CapacityReport summarizes a location for the capacity endpoint.
type CapacityReport struct {
	LocationID  string  `json:"location_id"`
	Name        string  `json:"name"`
	Zone        Zone    `json:"zone"`
	Capacity    int     `json:"capacity"`
	Used        int     `json:"used"`
	Utilization float64 `json:"utilization"`
	Level       string  `json:"level"` // ok | warning | critical | full
}

// CapacityLevel classifies a location against the default thresholds.
func CapacityLevel(l *Location) string {
	return DefaultThresholds().Level(l)
}
