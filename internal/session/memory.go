package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in maps behind one mutex. Local development
// and tests only; state is lost on restart.
type MemoryStore struct {
	mu          sync.Mutex
	calls       map[string]CallRecord
	transcripts map[string]Transcript
	escalations map[string]EscalationRequest
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:       make(map[string]CallRecord),
		transcripts: make(map[string]Transcript),
		escalations: make(map[string]EscalationRequest),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's notion of now. Tests only.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) UpsertCallRecord(_ context.Context, rec CallRecord) (*CallRecord, error) {
	if rec.ConversationKey == "" {
		return nil, errEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var existing *CallRecord
	if cur, ok := m.calls[rec.ConversationKey]; ok {
		existing = &cur
	}
	merged := mergeCallRecord(existing, rec, m.now())
	m.calls[rec.ConversationKey] = merged
	out := merged
	return &out, nil
}

func (m *MemoryStore) AppendOrCreateTranscript(_ context.Context, key string, frag Fragment) (*Transcript, error) {
	if key == "" {
		return nil, errEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	t, ok := m.transcripts[key]
	if !ok {
		t = Transcript{ConversationKey: key, CreatedAt: now}
	}

	fk := FragmentKey(key, frag)
	for _, f := range t.Fragments {
		if f.Key == fk {
			return copyTranscript(t), nil
		}
	}

	t.Text = joinText(t.Text, frag.Text)
	t.Fragments = append(append([]FragmentRef(nil), t.Fragments...), FragmentRef{Key: fk, At: frag.At})
	t.SalesFlagged = t.SalesFlagged || IsSalesText(t.Text)
	t.UpdatedAt = now
	m.transcripts[key] = t
	return copyTranscript(t), nil
}

func copyTranscript(t Transcript) *Transcript {
	t.Fragments = append([]FragmentRef(nil), t.Fragments...)
	return &t
}

func (m *MemoryStore) UpsertEscalationRequest(_ context.Context, req EscalationRequest) error {
	if err := validateEscalation(req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.escalations[req.ID]; ok {
		return nil
	}
	if req.SecondaryCallKey != "" {
		for _, e := range m.escalations {
			if e.SecondaryCallKey == req.SecondaryCallKey {
				return ErrConflict
			}
		}
	}
	now := m.now()
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	req.UpdatedAt = now
	m.escalations[req.ID] = req
	return nil
}

func (m *MemoryStore) FindEscalationByParentKey(_ context.Context, parentKey string) (*EscalationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.byParentLocked(parentKey)
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (m *MemoryStore) ListEscalationsByParent(_ context.Context, parentKey string, limit int) ([]EscalationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.byParentLocked(parentKey)
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

// byParentLocked returns the parent's escalations, newest first.
func (m *MemoryStore) byParentLocked(parentKey string) []EscalationRequest {
	var list []EscalationRequest
	for _, e := range m.escalations {
		if e.ParentCallKey == parentKey {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	return list
}

func (m *MemoryStore) FindEscalationBySecondaryKey(_ context.Context, secondaryKey string) (*EscalationRequest, error) {
	if secondaryKey == "" {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.escalations {
		if e.SecondaryCallKey == secondaryKey {
			out := e
			return &out, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ClaimEscalationRelay(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escalations[id]
	if !ok || e.Status != EscalationPending || e.RelayClaimedAt != nil {
		return false, nil
	}
	claimed := at
	e.RelayClaimedAt = &claimed
	e.UpdatedAt = m.now()
	m.escalations[id] = e
	return true, nil
}

func (m *MemoryStore) TransitionEscalation(_ context.Context, id string, t Transition) (bool, error) {
	if err := validateTransition(t); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escalations[id]
	if !ok || e.Status != EscalationPending {
		return false, nil
	}
	at := t.At
	if at.IsZero() {
		at = m.now()
	}
	e.Status = t.To
	e.Answer = t.Answer
	e.FailureReason = t.FailureReason
	e.CompletedAt = &at
	e.UpdatedAt = at
	m.escalations[id] = e
	return true, nil
}

func (m *MemoryStore) ListPendingEscalations(_ context.Context, createdBefore time.Time, limit int) ([]EscalationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var list []EscalationRequest
	for _, e := range m.escalations {
		if e.Status == EscalationPending && e.CreatedAt.Before(createdBefore) {
			list = append(list, e)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func (m *MemoryStore) GetEscalation(_ context.Context, id string) (*EscalationRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.escalations[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryStore) GetCallRecord(_ context.Context, key string) (*CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.calls[key]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryStore) GetTranscript(_ context.Context, key string) (*Transcript, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transcripts[key]
	if !ok {
		return nil, nil
	}
	return copyTranscript(t), nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// CountEscalations returns how many escalation rows exist. Tests only.
func (m *MemoryStore) CountEscalations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.escalations)
}
