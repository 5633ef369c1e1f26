package tenantstore

import "time"

// History actions recorded alongside results.
const (
	ActionResultSubmitted = "result-submitted"
	ActionResultsCleared  = "results-cleared"
	ActionUserCreated     = "user-created"
	ActionUserDeleted     = "user-deleted"
)

// ResultEntry is one submitted result. The JSON field names match the wire
// format the upstream clients already speak (resultado/fecha/hora).
type ResultEntry struct {
	Value     int    `json:"resultado"`
	Date      string `json:"fecha"`
	Time      string `json:"hora"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

// HistoryEntry is an append-only audit marker.
type HistoryEntry struct {
	Action          string `json:"action"`
	Timestamp       int64  `json:"timestamp"`
	ResultTimestamp int64  `json:"result_timestamp,omitempty"`
}

// Statistics is a point-in-time snapshot of the derived counters.
type Statistics struct {
	Counts      map[int]int `json:"counts"`
	Total       int         `json:"total"`
	LastUpdated int64       `json:"last_updated"`
}

// Export is a deep snapshot of one tenant's state.
type Export struct {
	SchemaVersion string         `json:"schema_version"`
	Username      string         `json:"username"`
	Results       []ResultEntry  `json:"results"`
	History       []HistoryEntry `json:"history"`
	Statistics    Statistics     `json:"statistics"`
	ExportedAt    int64          `json:"exported_at"`
}

// state is the sealed plaintext body of a tenant file.
type state struct {
	SchemaVersion string         `json:"schema_version"`
	Username      string         `json:"username"`
	Results       []ResultEntry  `json:"results"`
	History       []HistoryEntry `json:"history"`
	Counts        map[int]int    `json:"counts"`
	LastUpdated   int64          `json:"last_updated"`
}

func newState(username string) *state {
	return &state{
		SchemaVersion: SchemaVersion,
		Username:      username,
		Results:       []ResultEntry{},
		History:       []HistoryEntry{},
		Counts:        map[int]int{},
	}
}

// normalize repairs nil collections after decoding so that flushes always
// serialize arrays, never null.
func (st *state) normalize() {
	if st.Results == nil {
		st.Results = []ResultEntry{}
	}
	if st.History == nil {
		st.History = []HistoryEntry{}
	}
	if st.Counts == nil {
		st.Counts = map[int]int{}
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
