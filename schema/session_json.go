package schema

import (
	"encoding/json"
	"time"
)

// timeLayout is RFC 3339 with a fixed nine-digit fraction, so encoded
// timestamps have one width and sort as text in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// wireTime is a UTC timestamp in timeLayout. Decoding accepts any RFC 3339
// form.
type wireTime time.Time

func (t wireTime) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, len(timeLayout)+2)
	b = append(b, '"')
	b = time.Time(t).UTC().AppendFormat(b, timeLayout)
	return append(b, '"'), nil
}

func (t *wireTime) UnmarshalJSON(data []byte) error {
	var parsed time.Time
	if err := json.Unmarshal(data, &parsed); err != nil {
		return err
	}
	*t = wireTime(parsed)
	return nil
}

func wire(t time.Time) *wireTime {
	w := wireTime(t)
	return &w
}

type sessionRecord struct {
	ID                  SessionID  `json:"id"`
	FirstSeen           wireTime  `json:"first_seen"`
	LastSeen            wireTime  `json:"last_seen"`
	RunningTaskCount    int       `json:"running_task_count"`
	TaskHistory         []string  `json:"task_history"`
	HasSandbox          bool      `json:"has_sandbox"`
	ContainerID         *string   `json:"container_id"`
	ContainerCreatedAt  *wireTime `json:"container_created_at"`
	LastTaskCompletedAt *wireTime `json:"last_task_completed_at"`
}

// MarshalJSON encodes the session with fixed-width UTC RFC 3339 timestamps
// and null optional fields.
func (s Session) MarshalJSON() ([]byte, error) {
	rec := sessionRecord{
		ID:               s.ID,
		FirstSeen:        wireTime(s.FirstSeen),
		LastSeen:         wireTime(s.LastSeen),
		RunningTaskCount: s.RunningTaskCount,
		TaskHistory:      s.TaskHistory,
		HasSandbox:       s.HasSandbox,
	}
	if rec.TaskHistory == nil {
		rec.TaskHistory = []string{}
	}
	if s.ContainerID != "" {
		id := s.ContainerID
		rec.ContainerID = &id
		rec.ContainerCreatedAt = wire(s.ContainerCreatedAt)
	}
	if !s.LastTaskCompletedAt.IsZero() {
		rec.LastTaskCompletedAt = wire(s.LastTaskCompletedAt)
	}
	return json.Marshal(rec)
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (s *Session) UnmarshalJSON(data []byte) error {
	var rec sessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	*s = Session{
		ID:               rec.ID,
		FirstSeen:        time.Time(rec.FirstSeen),
		LastSeen:         time.Time(rec.LastSeen),
		RunningTaskCount: rec.RunningTaskCount,
		TaskHistory:      rec.TaskHistory,
		HasSandbox:       rec.HasSandbox,
	}
	if rec.ContainerID != nil && *rec.ContainerID != "" {
		s.ContainerID = *rec.ContainerID
		if rec.ContainerCreatedAt != nil {
			s.ContainerCreatedAt = time.Time(*rec.ContainerCreatedAt)
		}
	}
	if rec.LastTaskCompletedAt != nil {
		s.LastTaskCompletedAt = time.Time(*rec.LastTaskCompletedAt)
	}
	return nil
}
