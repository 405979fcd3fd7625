package session

import "time"

// mergeCallRecord applies the fields carried by in onto existing (nil for a
// new record). The mongo and postgres drivers express the same rules in
// their update statements.
func mergeCallRecord(existing *CallRecord, in CallRecord, now time.Time) CallRecord {
	var out CallRecord
	if existing != nil {
		out = *existing
	} else {
		out = CallRecord{
			ID:              in.ID,
			ConversationKey: in.ConversationKey,
			CreatedAt:       now,
		}
		if out.ID == "" {
			out.ID = NewID()
		}
	}

	if in.Provider != "" {
		out.Provider = in.Provider
	}
	if in.Direction != "" {
		out.Direction = in.Direction
	}
	if in.CounterpartyNumber != "" {
		out.CounterpartyNumber = in.CounterpartyNumber
	}
	if in.Topic != "" {
		out.Topic = in.Topic
	}
	if in.Status != "" && in.Status.rank() > out.Status.rank() {
		out.Status = in.Status
	}
	if in.StartedAt != nil {
		out.StartedAt = in.StartedAt
	}
	if in.EndedAt != nil {
		out.EndedAt = in.EndedAt
	}
	if in.RecordingURL != "" {
		out.RecordingURL = in.RecordingURL
	}

	switch {
	case in.DurationSeconds != nil:
		out.DurationSeconds = in.DurationSeconds
		out.DurationMinutes = in.DurationMinutes
		out.NeedsReview = false
	case in.NeedsReview && out.DurationSeconds == nil:
		out.WithDuration(0)
		out.NeedsReview = true
	}

	out.UpdatedAt = now
	return out
}
