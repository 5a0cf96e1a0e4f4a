package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/anpag/escaipe-room/internal/escaperoom"
)

// Memory is a Persister that keeps teams in process memory.
type Memory struct {
	mu    sync.Mutex
	seq   int
	teams map[string]memoryRecord
}

type memoryRecord struct {
	seq  int
	team escaperoom.Team
}

func NewMemory() *Memory {
	return &Memory{teams: make(map[string]memoryRecord)}
}

func (m *Memory) LoadAll(_ context.Context) ([]escaperoom.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := make([]memoryRecord, 0, len(m.teams))
	for _, rec := range m.teams {
		recs = append(recs, rec)
	}
	slices.SortFunc(recs, func(a, b memoryRecord) int { return cmp.Compare(a.seq, b.seq) })

	teams := make([]escaperoom.Team, len(recs))
	for i, rec := range recs {
		teams[i] = rec.team.Clone()
	}
	return teams, nil
}

func (m *Memory) Save(_ context.Context, t escaperoom.Team) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.teams[t.ID]
	if !ok {
		m.seq++
		rec.seq = m.seq
	}
	rec.team = t.Clone()
	m.teams[t.ID] = rec
	return nil
}

func (m *Memory) DeleteTeam(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.teams, id)
	m.mu.Unlock()
	return nil
}
