// Package sample implements the authoritative sample lifecycle: the status
// state machine, barcode rules, validation, optimistic-concurrency updates,
// and audit emission. Sample rows are exclusively owned by this component.
package sample

import "time"

// Status is the sample lifecycle state.
type Status string

const (
	StatusPending      Status = "Pending"
	StatusValidated    Status = "Validated"
	StatusInStorage    Status = "InStorage"
	StatusInSequencing Status = "InSequencing"
	StatusCompleted    Status = "Completed"
	StatusFailed       Status = "Failed"
	StatusRejected     Status = "Rejected"
	StatusArchived     Status = "Archived"
	StatusDeleted      Status = "Deleted"
)

// transitions is the legal edge set. Absence means the transition fails
// InvalidWorkflowTransition; Archived and Deleted are terminal.
var transitions = map[Status][]Status{
	StatusPending:      {StatusValidated, StatusRejected, StatusDeleted},
	StatusValidated:    {StatusInStorage, StatusInSequencing, StatusRejected, StatusDeleted},
	StatusInStorage:    {StatusInSequencing, StatusRejected, StatusDeleted},
	StatusInSequencing: {StatusCompleted, StatusFailed},
	StatusCompleted:    {StatusArchived},
	StatusFailed:       {StatusDeleted, StatusPending},
	StatusRejected:     {StatusDeleted, StatusPending},
	StatusArchived:     {},
	StatusDeleted:      {},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no edge leaves the status.
func (s Status) Terminal() bool { return len(transitions[s]) == 0 }

// ValidStatus reports whether s is a known status value.
func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// StatusRequiresLocation reports whether a sample in this status must carry a
// location_id. The invariant is two-way: location set ⇔ status in this set.
func StatusRequiresLocation(s Status) bool {
	return s == StatusInStorage || s == StatusInSequencing
}

// Type is the closed enumeration of biological sample types.
type Type string

const (
	TypeDNA    Type = "DNA"
	TypeRNA    Type = "RNA"
	TypeBlood  Type = "Blood"
	TypePlasma Type = "Plasma"
	TypeSerum  Type = "Serum"
	TypeSaliva Type = "Saliva"
	TypeTissue Type = "Tissue"
	TypeSwab   Type = "Swab"
	TypeOther  Type = "Other"
)

var sampleTypes = map[Type]bool{
	TypeDNA: true, TypeRNA: true, TypeBlood: true, TypePlasma: true,
	TypeSerum: true, TypeSaliva: true, TypeTissue: true, TypeSwab: true,
	TypeOther: true,
}

// ValidType reports whether t belongs to the closed enumeration.
func ValidType(t Type) bool { return sampleTypes[t] }

// Sample is a sample row.
type Sample struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	Barcode       string                 `json:"barcode"`
	SampleType    Type                   `json:"sample_type"`
	Status        Status                 `json:"status"`
	TemplateID    *string                `json:"template_id,omitempty"`
	Concentration float64                `json:"concentration"`
	Volume        float64                `json:"volume"`
	Unit          string                 `json:"unit"`
	QualityScore  float64                `json:"quality_score"`
	LocationID    *string                `json:"location_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CreatedBy     string                 `json:"created_by"`
	UpdatedBy     string                 `json:"updated_by"`
}

// snapshot captures the audit-relevant fields for before/after diffs.
func (s *Sample) snapshot() map[string]interface{} {
	snap := map[string]interface{}{
		"name":        s.Name,
		"barcode":     s.Barcode,
		"sample_type": string(s.SampleType),
		"status":      string(s.Status),
	}
	if s.LocationID != nil {
		snap["location_id"] = *s.LocationID
	}
	return snap
}
