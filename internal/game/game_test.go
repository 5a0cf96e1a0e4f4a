package game

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/anpag/escaipe-room/internal/escaperoom"
	"github.com/anpag/escaipe-room/internal/registry"
	"github.com/anpag/escaipe-room/internal/rooms"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Observe(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ks []EventKind
	for _, ev := range l.events {
		ks = append(ks, ev.Kind)
	}
	return ks
}

type fixture struct {
	reg    *registry.Registry
	engine *Engine
	events *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	table, err := rooms.Default()
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := registry.New(context.Background(), registry.NewMemory(), table.First(), logger)
	if err != nil {
		t.Fatalf("creating registry: %v", err)
	}
	eng := New(reg, table, logger)
	events := &eventLog{}
	eng.AddObserver(events)
	return &fixture{reg: reg, engine: eng, events: events}
}

func (f *fixture) register(t *testing.T, name string) escaperoom.Team {
	t.Helper()
	team, err := f.reg.Register(context.Background(), name)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return team
}

func (f *fixture) apply(t *testing.T, id string, d Delta) escaperoom.Team {
	t.Helper()
	cur, err := f.reg.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	team, err := f.engine.ApplyAgentDelta(context.Background(), id, cur.Generation, d)
	if err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	return team
}

// toFinalRoom completes and leaves every room before the final one.
func (f *fixture) toFinalRoom(t *testing.T, id string) {
	t.Helper()
	for {
		cur, err := f.reg.Get(id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if cur.State.CurrentRoom == "gemini-room" {
			return
		}
		f.apply(t, id, Delta{RoomCompleted: true})
		if _, err := f.engine.AdvanceRoom(context.Background(), id); err != nil {
			t.Fatalf("advance from %s: %v", cur.State.CurrentRoom, err)
		}
	}
}

func TestInventoryDeltaAppends(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")
	if team.State.CurrentRoom != "databricks-room" || team.State.RoomCompleted {
		t.Fatalf("fresh state = %+v", team.State)
	}

	got := f.apply(t, team.ID, Delta{Inventory: []escaperoom.Item{{Name: "Keycard", Icon: "💳"}}})
	if len(got.Inventory) != 1 || got.Inventory[0] != (escaperoom.Item{Name: "Keycard", Icon: "💳"}) {
		t.Fatalf("inventory = %+v", got.Inventory)
	}

	// Play-granted items are unique per team.
	got = f.apply(t, team.ID, Delta{Inventory: []escaperoom.Item{{Name: "Keycard", Icon: "💳"}, {Name: "Map", Icon: "🗺️"}}})
	if len(got.Inventory) != 2 || got.Inventory[1].Name != "Map" {
		t.Fatalf("inventory = %+v", got.Inventory)
	}
}

func TestRoomCompletedSignalThenAdvance(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")
	ctx := context.Background()

	got := f.apply(t, team.ID, Delta{RoomCompleted: true})
	if !got.State.RoomCompleted || got.State.Phase.Kind != escaperoom.PhaseCompleted {
		t.Fatalf("state = %+v", got.State)
	}
	if got.State.LatestLetter != "G" || len(got.State.CollectedLetters) != 1 {
		t.Fatalf("letters = %v latest = %q", got.State.CollectedLetters, got.State.LatestLetter)
	}

	got, err := f.engine.AdvanceRoom(ctx, team.ID)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if got.State.CurrentRoom != "microsoft-room" || got.State.RoomCompleted {
		t.Fatalf("after advance = %+v", got.State)
	}
	if got.State.Phase.Kind != escaperoom.PhaseActive {
		t.Errorf("phase = %+v", got.State.Phase)
	}

	want := []EventKind{EventRoomCompleted, EventRoomAdvanced}
	if ks := f.events.kinds(); !equalKinds(ks, want) {
		t.Errorf("events = %v, want %v", ks, want)
	}
}

func TestCompletionPredicateFromStateDelta(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")

	got := f.apply(t, team.ID, Delta{State: map[string]any{"terminal_stage": "LOCKED"}})
	if got.State.RoomCompleted {
		t.Fatal("room completed too early")
	}

	got = f.apply(t, team.ID, Delta{State: map[string]any{"terminal_stage": "UNLOCKED"}})
	if !got.State.RoomCompleted {
		t.Fatal("room not completed")
	}
}

func TestCompletionIsIdempotent(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")

	f.apply(t, team.ID, Delta{State: map[string]any{"terminal_stage": "UNLOCKED"}})
	f.apply(t, team.ID, Delta{State: map[string]any{"terminal_stage": "UNLOCKED"}})
	got := f.apply(t, team.ID, Delta{RoomCompleted: true})

	if n := countKind(f.events.kinds(), EventRoomCompleted); n != 1 {
		t.Fatalf("room_completed emitted %d times", n)
	}
	if len(got.State.CollectedLetters) != 1 {
		t.Errorf("letters = %v", got.State.CollectedLetters)
	}
}

func TestStateDeltaMerge(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")

	got := f.apply(t, team.ID, Delta{State: map[string]any{
		"collected_letters": []any{"X", "Y", "X"},
		"current_room":      "gemini-room",
		"game_completed":    true,
		"door":              "ajar",
	}})
	if got.State.CurrentRoom != "databricks-room" || got.State.GameCompleted || got.State.CompletionTime != nil {
		t.Fatalf("protected fields changed: %+v", got.State)
	}
	if !equalStrings(got.State.CollectedLetters, []string{"X", "Y"}) {
		t.Errorf("letters = %v", got.State.CollectedLetters)
	}

	got = f.apply(t, team.ID, Delta{State: map[string]any{
		"collected_letters": []string{"Y", "ZZ", "", "Z"},
		"door":              "open",
	}})
	if !equalStrings(got.State.CollectedLetters, []string{"X", "Y", "Z"}) {
		t.Errorf("letters = %v", got.State.CollectedLetters)
	}
	if got.State.Flags["door"] != "open" {
		t.Errorf("door = %v", got.State.Flags["door"])
	}
}

func TestStaleGenerationDiscarded(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")
	ctx := context.Background()

	if _, err := f.reg.ResetProgress(ctx, team.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}

	_, err := f.engine.ApplyAgentDelta(ctx, team.ID, team.Generation, Delta{
		Inventory:     []escaperoom.Item{{Name: "Keycard"}},
		RoomCompleted: true,
	})
	if !errors.Is(err, escaperoom.ErrStaleGeneration) {
		t.Fatalf("err = %v, want ErrStaleGeneration", err)
	}

	got, _ := f.reg.Get(team.ID)
	if len(got.Inventory) != 0 || got.State.RoomCompleted {
		t.Fatalf("stale delta merged: %+v", got)
	}
	if len(f.events.kinds()) != 0 {
		t.Errorf("events = %v", f.events.kinds())
	}
}

func TestAdvanceRequiresCompletion(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")

	_, err := f.engine.AdvanceRoom(context.Background(), team.ID)
	if !errors.Is(err, escaperoom.ErrRoomNotCompleted) {
		t.Fatalf("err = %v, want ErrRoomNotCompleted", err)
	}
	got, _ := f.reg.Get(team.ID)
	if got.State.CurrentRoom != "databricks-room" {
		t.Errorf("room = %s", got.State.CurrentRoom)
	}
}

func TestAdvanceThroughSequence(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")
	ctx := context.Background()

	for _, want := range []string{"microsoft-room", "snowflake-room", "gemini-room"} {
		f.apply(t, team.ID, Delta{RoomCompleted: true})
		got, err := f.engine.AdvanceRoom(ctx, team.ID)
		if err != nil {
			t.Fatalf("advance to %s: %v", want, err)
		}
		if got.State.CurrentRoom != want {
			t.Fatalf("room = %s, want %s", got.State.CurrentRoom, want)
		}
	}

	got, _ := f.reg.Get(team.ID)
	if !equalStrings(got.State.CollectedLetters, []string{"G", "M", "E"}) {
		t.Errorf("letters = %v", got.State.CollectedLetters)
	}

	// The final room is terminal even once completed.
	f.apply(t, team.ID, Delta{RoomCompleted: true})
	if _, err := f.engine.AdvanceRoom(ctx, team.ID); !errors.Is(err, escaperoom.ErrNoNextRoom) {
		t.Fatalf("err = %v, want ErrNoNextRoom", err)
	}
}

func TestSpecialSequence(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")
	ctx := context.Background()

	_, err := f.reg.Update(ctx, team.ID, func(t *escaperoom.Team) error {
		t.State.EnterRoom("snowflake-room")
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got := f.apply(t, team.ID, Delta{State: map[string]any{"snowman_stopped": true}})
	want := escaperoom.RoomPhase{Kind: escaperoom.PhaseSpecial, Sequence: "melting", Subphase: escaperoom.SubphaseStarted}
	if got.State.Phase != want {
		t.Fatalf("phase = %+v, want %+v", got.State.Phase, want)
	}

	// Fires at most once per room visit.
	f.apply(t, team.ID, Delta{State: map[string]any{"snowman_stopped": true}})
	if _, err := f.engine.CheckSpecialTrigger(ctx, team.ID); err != nil {
		t.Fatalf("check trigger: %v", err)
	}
	if n := countKind(f.events.kinds(), EventSpecialStarted); n != 1 {
		t.Fatalf("special_started emitted %d times", n)
	}

	got, err = f.engine.FinishSpecialSequence(ctx, team.ID, "melting")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if got.State.Phase.Subphase != escaperoom.SubphaseFinished {
		t.Fatalf("phase = %+v", got.State.Phase)
	}
	if _, err := f.engine.FinishSpecialSequence(ctx, team.ID, "melting"); err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if _, err := f.engine.FinishSpecialSequence(ctx, team.ID, "flood"); !errors.Is(err, ErrNoSpecialSequence) {
		t.Fatalf("err = %v, want ErrNoSpecialSequence", err)
	}

	// The room still completes from its special sequence.
	got = f.apply(t, team.ID, Delta{
		Inventory: []escaperoom.Item{{Name: "Thaw Key", Icon: "🔑"}},
		State:     map[string]any{"vault_open": true},
	})
	if !got.State.RoomCompleted || got.State.Phase.Kind != escaperoom.PhaseCompleted {
		t.Fatalf("state = %+v", got.State)
	}
}

func TestCompleteFinalChallengeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")
	ctx := context.Background()

	stamp := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	f.engine.now = func() time.Time { return stamp }
	f.toFinalRoom(t, team.ID)

	got, err := f.engine.CompleteFinalChallenge(ctx, team.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !got.State.GameCompleted || got.State.CompletionTime == nil || !got.State.CompletionTime.Equal(stamp) {
		t.Fatalf("state = %+v", got.State)
	}

	f.engine.now = func() time.Time { return stamp.Add(time.Hour) }
	got, err = f.engine.CompleteFinalChallenge(ctx, team.ID)
	if !errors.Is(err, escaperoom.ErrAlreadyCompleted) {
		t.Fatalf("err = %v, want ErrAlreadyCompleted", err)
	}
	if !got.State.CompletionTime.Equal(stamp) {
		t.Errorf("completion time moved to %v", got.State.CompletionTime)
	}
	if n := countKind(f.events.kinds(), EventGameCompleted); n != 1 {
		t.Errorf("game_completed emitted %d times", n)
	}
}

func TestSubmitFinalAnswer(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")
	ctx := context.Background()

	if _, err := f.engine.SubmitFinalAnswer(ctx, team.ID, "gemini"); !errors.Is(err, ErrNotInFinalRoom) {
		t.Fatalf("err = %v, want ErrNotInFinalRoom", err)
	}
	f.toFinalRoom(t, team.ID)

	if _, err := f.engine.SubmitFinalAnswer(ctx, team.ID, "bard"); !errors.Is(err, ErrWrongAnswer) {
		t.Fatalf("err = %v, want ErrWrongAnswer", err)
	}
	got, err := f.engine.SubmitFinalAnswer(ctx, team.ID, " GEMINI ")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !got.State.GameCompleted {
		t.Fatal("game not completed")
	}
	if _, err := f.engine.SubmitFinalAnswer(ctx, team.ID, "bard"); !errors.Is(err, escaperoom.ErrAlreadyCompleted) {
		t.Fatalf("err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestFinalChallengeOutsideFinalRoom(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")
	ctx := context.Background()

	for range 2 {
		if _, err := f.engine.CompleteFinalChallenge(ctx, team.ID); !errors.Is(err, ErrNotInFinalRoom) {
			t.Fatalf("err = %v, want ErrNotInFinalRoom", err)
		}
		f.apply(t, team.ID, Delta{RoomCompleted: true})
		if _, err := f.engine.AdvanceRoom(ctx, team.ID); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	got, _ := f.reg.Get(team.ID)
	if got.State.GameCompleted || got.State.CompletionTime != nil {
		t.Fatalf("state = %+v", got.State)
	}
	if n := countKind(f.events.kinds(), EventGameCompleted); n != 0 {
		t.Errorf("game_completed emitted %d times", n)
	}
}

// A transition committed while an observer is still handling the previous
// one must not reach observers first.
func TestEventsKeepCommitOrder(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")
	ctx := context.Background()

	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	f.engine.AddObserver(ObserverFunc(func(ev Event) {
		if ev.Kind == EventRoomCompleted {
			once.Do(func() { close(entered) })
			<-gate
		}
	}))

	applied := make(chan error, 1)
	go func() {
		_, err := f.engine.ApplyAgentDelta(ctx, team.ID, team.Generation, Delta{RoomCompleted: true})
		applied <- err
	}()
	<-entered

	advanced := make(chan error, 1)
	go func() {
		_, err := f.engine.AdvanceRoom(ctx, team.ID)
		advanced <- err
	}()

	// The advance waits until the completion has been delivered.
	time.Sleep(50 * time.Millisecond)
	select {
	case err := <-advanced:
		t.Fatalf("advance returned before room_completed was delivered: %v", err)
	default:
	}
	if n := countKind(f.events.kinds(), EventRoomAdvanced); n != 0 {
		t.Fatal("room_advanced delivered before room_completed finished")
	}

	close(gate)
	if err := <-applied; err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := <-advanced; err != nil {
		t.Fatalf("advance: %v", err)
	}
	want := []EventKind{EventRoomCompleted, EventRoomAdvanced}
	if got := f.events.kinds(); !equalKinds(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestUnknownTeam(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.engine.AdvanceRoom(ctx, "ghost-team"); !errors.Is(err, escaperoom.ErrNotFound) {
		t.Errorf("advance: %v", err)
	}
	if _, err := f.engine.CompleteFinalChallenge(ctx, "ghost-team"); !errors.Is(err, escaperoom.ErrNotFound) {
		t.Errorf("complete: %v", err)
	}
	if _, err := f.engine.ApplyAgentDelta(ctx, "ghost-team", 0, Delta{}); !errors.Is(err, escaperoom.ErrNotFound) {
		t.Errorf("apply: %v", err)
	}
}

func TestVictorySnapshotIsFrozen(t *testing.T) {
	f := newFixture(t)
	team := f.register(t, "Rangers")
	ctx := context.Background()

	f.apply(t, team.ID, Delta{RoomCompleted: true})
	if _, err := f.reg.ResetProgress(ctx, team.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}

	f.events.mu.Lock()
	ev := f.events.events[0]
	f.events.mu.Unlock()
	if ev.Victory == nil || ev.Victory.Letter != "G" || ev.Victory.Room != "databricks-room" {
		t.Fatalf("victory = %+v", ev.Victory)
	}
	if !equalStrings(ev.Victory.Letters, []string{"G"}) {
		t.Errorf("letters = %v", ev.Victory.Letters)
	}
}

func countKind(ks []EventKind, k EventKind) int {
	n := 0
	for _, x := range ks {
		if x == k {
			n++
		}
	}
	return n
}

func equalKinds(a, b []EventKind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
