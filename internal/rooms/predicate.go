package rooms

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/ext"

	"github.com/anpag/escaipe-room/internal/escaperoom"
)

// Env is the input of a room predicate: the room-scoped flags of the team,
// its inventory item names and the letters collected so far.
type Env struct {
	State     map[string]any
	Inventory []string
	Letters   []string
}

// EnvFor builds the predicate input for a team.
func EnvFor(t escaperoom.Team) Env {
	state := make(map[string]any, len(t.State.Flags))
	for k, v := range t.State.Flags {
		state[k] = v
	}
	letters := t.State.CollectedLetters
	if letters == nil {
		letters = []string{}
	}
	return Env{State: state, Inventory: t.ItemNames(), Letters: letters}
}

var celEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		cel.Variable("state", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("inventory", cel.ListType(cel.StringType)),
		cel.Variable("letters", cel.ListType(cel.StringType)),
	)
})

// Predicate is a compiled CEL expression evaluating to a bool.
type Predicate struct {
	src string
	prg cel.Program
}

func compilePredicate(src string) (*Predicate, error) {
	env, err := celEnv()
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling %q: %w", src, issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("predicate %q must evaluate to bool, got %s", src, out)
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building program for %q: %w", src, err)
	}
	return &Predicate{src: src, prg: prg}, nil
}

func (p *Predicate) String() string { return p.src }

// Eval runs the predicate. A nil predicate never holds.
func (p *Predicate) Eval(e Env) (bool, error) {
	if p == nil {
		return false, nil
	}
	state := e.State
	if state == nil {
		state = map[string]any{}
	}
	inventory := e.Inventory
	if inventory == nil {
		inventory = []string{}
	}
	letters := e.Letters
	if letters == nil {
		letters = []string{}
	}

	out, _, err := p.prg.Eval(map[string]any{
		"state":     state,
		"inventory": inventory,
		"letters":   letters,
	})
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", p.src, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q returned %T, want bool", p.src, out.Value())
	}
	return b, nil
}
