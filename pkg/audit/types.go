package audit

import (
	"encoding/json"
	"time"
)

// Status represents the outcome recorded with an audit record
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// Record is one append-only audit entry: who (Actor) did what (Action) to
// which object (Target) and when (Timestamp)
type Record struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     string                 `json:"actor"`
	Action    string                 `json:"action"`
	Target    string                 `json:"target"`
	Status    Status                 `json:"status"`
	RequestID string                 `json:"request_id,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ToJSON serializes the record to JSON
func (r *Record) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON deserializes a record from JSON
func FromJSON(data []byte) (*Record, error) {
	var record Record
	err := json.Unmarshal(data, &record)
	return &record, err
}

// SearchFilter represents filters for searching audit records
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Actor     string
	Action    string
	Target    string
	Status    Status

	Limit  int
	Offset int
}

// ExportFormat represents the format for exporting audit records
type ExportFormat string

const (
	ExportFormatJSON   ExportFormat = "json"
	ExportFormatCSV    ExportFormat = "csv"
	ExportFormatNDJSON ExportFormat = "ndjson"
)
