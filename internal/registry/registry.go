// Package registry owns every team's durable state. Mutations of one team
// are serialized and committed as a whole (game state and inventory
// together); teams never contend with each other and readers always see a
// committed snapshot.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/anpag/escaipe-room/internal/escaperoom"
)

var ErrEmptyName = errors.New("team name cannot be empty")

// Persister is the durable backing of the registry. Save and DeleteTeam
// must be crash-consistent per team record.
type Persister interface {
	LoadAll(ctx context.Context) ([]escaperoom.Team, error)
	Save(ctx context.Context, t escaperoom.Team) error
	DeleteTeam(ctx context.Context, id string) error
}

// Listener is notified after a reset or deletion has been committed.
type Listener interface {
	TeamReset(teamID string)
	TeamDeleted(teamID string)
}

type entry struct {
	mu      sync.Mutex
	cur     atomic.Pointer[escaperoom.Team]
	deleted bool
}

type Registry struct {
	persist   Persister
	firstRoom string
	logger    *slog.Logger
	now       func() time.Time

	mu    sync.RWMutex
	teams map[string]*entry
	order []string
	names map[string]string

	listenersMu sync.RWMutex
	listeners   []Listener
}

// New loads every persisted team. firstRoom is the room new and reset
// teams start in.
func New(ctx context.Context, persist Persister, firstRoom string, logger *slog.Logger) (*Registry, error) {
	teams, err := persist.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading teams: %w", err)
	}

	r := &Registry{
		persist:   persist,
		firstRoom: firstRoom,
		logger:    logger,
		now:       time.Now,
		teams:     make(map[string]*entry, len(teams)),
		names:     make(map[string]string, len(teams)),
	}
	for _, t := range teams {
		t := t.Clone()
		e := &entry{}
		e.cur.Store(&t)
		r.teams[t.ID] = e
		r.order = append(r.order, t.ID)
		r.names[nameKey(t.Name)] = t.ID
	}
	return r, nil
}

// AddListener registers l for reset and delete notifications.
func (r *Registry) AddListener(l Listener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

func (r *Registry) FirstRoom() string { return r.firstRoom }

func nameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register creates a team in the first room. The name is reserved before
// the record is saved, so the registry lock is never held across the write.
func (r *Registry) Register(ctx context.Context, name string) (escaperoom.Team, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return escaperoom.Team{}, ErrEmptyName
	}
	key := nameKey(name)

	t := escaperoom.Team{
		ID:        uuid.NewString(),
		Name:      name,
		CreatedAt: r.now().UTC(),
		State:     escaperoom.NewGameState(r.firstRoom),
		Inventory: []escaperoom.Item{},
	}

	r.mu.Lock()
	if _, taken := r.names[key]; taken {
		r.mu.Unlock()
		return escaperoom.Team{}, fmt.Errorf("%q: %w", name, escaperoom.ErrDuplicateName)
	}
	r.names[key] = t.ID
	r.mu.Unlock()

	if err := r.persist.Save(ctx, t); err != nil {
		r.mu.Lock()
		delete(r.names, key)
		r.mu.Unlock()
		return escaperoom.Team{}, fmt.Errorf("saving team: %w", err)
	}

	e := &entry{}
	e.cur.Store(&t)
	r.mu.Lock()
	r.teams[t.ID] = e
	r.order = append(r.order, t.ID)
	r.mu.Unlock()

	r.logger.Info("team registered", "team_id", t.ID, "name", t.Name)
	return t.Clone(), nil
}

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.teams[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("team %q: %w", id, escaperoom.ErrNotFound)
	}
	return e, nil
}

func (r *Registry) Get(id string) (escaperoom.Team, error) {
	e, err := r.lookup(id)
	if err != nil {
		return escaperoom.Team{}, err
	}
	return e.cur.Load().Clone(), nil
}

// List returns every team in registration order.
func (r *Registry) List() []escaperoom.Team {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.order))
	for _, id := range r.order {
		entries = append(entries, r.teams[id])
	}
	r.mu.RUnlock()

	teams := make([]escaperoom.Team, len(entries))
	for i, e := range entries {
		teams[i] = e.cur.Load().Clone()
	}
	return teams
}

// Delete removes a team. Deleting an absent team is a no-op. Only the
// team itself is locked while its record is deleted.
func (r *Registry) Delete(ctx context.Context, id string) error {
	e, err := r.lookup(id)
	if errors.Is(err, escaperoom.ErrNotFound) {
		return nil
	}

	e.mu.Lock()
	if e.deleted {
		e.mu.Unlock()
		return nil
	}
	if err := r.persist.DeleteTeam(ctx, id); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("deleting team: %w", err)
	}
	e.deleted = true
	name := e.cur.Load().Name
	e.mu.Unlock()

	r.mu.Lock()
	delete(r.teams, id)
	if r.names[nameKey(name)] == id {
		delete(r.names, nameKey(name))
	}
	if i := slices.Index(r.order, id); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	r.mu.Unlock()

	r.logger.Info("team deleted", "team_id", id, "name", name)
	r.notify(func(l Listener) { l.TeamDeleted(id) })
	return nil
}

// Update applies fn to a private copy of the team and commits the result
// atomically. If fn fails nothing is committed.
func (r *Registry) Update(ctx context.Context, id string, fn func(*escaperoom.Team) error) (escaperoom.Team, error) {
	return r.update(ctx, id, nil, fn)
}

// UpdateAt is Update fenced on a team generation: it fails with
// escaperoom.ErrStaleGeneration if the team was reset since gen was read.
func (r *Registry) UpdateAt(ctx context.Context, id string, gen uint64, fn func(*escaperoom.Team) error) (escaperoom.Team, error) {
	return r.update(ctx, id, &gen, fn)
}

func (r *Registry) update(ctx context.Context, id string, gen *uint64, fn func(*escaperoom.Team) error) (escaperoom.Team, error) {
	e, err := r.lookup(id)
	if err != nil {
		return escaperoom.Team{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.deleted {
		return escaperoom.Team{}, fmt.Errorf("team %q: %w", id, escaperoom.ErrNotFound)
	}
	cur := e.cur.Load()
	if gen != nil && *gen != cur.Generation {
		return escaperoom.Team{}, fmt.Errorf("team %q generation %d (now %d): %w",
			id, *gen, cur.Generation, escaperoom.ErrStaleGeneration)
	}

	next := cur.Clone()
	if err := fn(&next); err != nil {
		return escaperoom.Team{}, err
	}
	next.ID = cur.ID
	if err := r.persist.Save(ctx, next); err != nil {
		return escaperoom.Team{}, fmt.Errorf("saving team: %w", err)
	}
	e.cur.Store(&next)
	return next.Clone(), nil
}

// ResetProgress puts the team back at the start of the game, empties its
// inventory and bumps its generation so in-flight work is discarded.
func (r *Registry) ResetProgress(ctx context.Context, id string) (escaperoom.GameState, error) {
	t, err := r.Update(ctx, id, func(t *escaperoom.Team) error {
		t.State = escaperoom.NewGameState(r.firstRoom)
		t.Inventory = []escaperoom.Item{}
		t.Generation++
		return nil
	})
	if err != nil {
		return escaperoom.GameState{}, err
	}

	r.logger.Info("team progress reset", "team_id", id, "generation", t.Generation)
	r.notify(func(l Listener) { l.TeamReset(id) })
	return t.State, nil
}

// GrantItem appends an item unconditionally, bypassing unlock logic.
func (r *Registry) GrantItem(ctx context.Context, id string, item escaperoom.Item) (escaperoom.Team, error) {
	t, err := r.Update(ctx, id, func(t *escaperoom.Team) error {
		t.Inventory = append(t.Inventory, item)
		return nil
	})
	if err != nil {
		return escaperoom.Team{}, err
	}
	r.logger.Info("item granted", "team_id", id, "item", item.Name)
	return t, nil
}

func (r *Registry) notify(fn func(Listener)) {
	r.listenersMu.RLock()
	ls := append([]Listener(nil), r.listeners...)
	r.listenersMu.RUnlock()
	for _, l := range ls {
		fn(l)
	}
}
