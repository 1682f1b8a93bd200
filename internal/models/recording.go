package models

import "time"

// RecordingType is a named recording category ("room") on the meeting server.
type RecordingType struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Recording is an immutable catalog entry imported from the meeting server.
// The pipeline only ever reads these rows.
type Recording struct {
	ID        int64     `json:"-"`
	RecordID  string    `json:"record_id"`
	MeetingID string    `json:"meeting_id"`
	TypeID    int64     `json:"type_id"`
	TypeName  string    `json:"type_name,omitempty"`
	CreatedAt time.Time `json:"datetime_created"`
	StoppedAt time.Time `json:"datetime_stopped"`
	URL       string    `json:"url"`
}
