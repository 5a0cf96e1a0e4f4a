// Package rooms holds the static room catalog: the ordered room sequence,
// zone geometry, completion predicates and declaratively triggered special
// sequences. A Table is read-only once loaded and safe for concurrent use.
package rooms

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/anpag/escaipe-room/internal/escaperoom"
)

//go:embed catalog.yaml
var defaultCatalog []byte

type Region struct {
	Left   string `yaml:"left" json:"left"`
	Top    string `yaml:"top" json:"top"`
	Width  string `yaml:"width" json:"width"`
	Height string `yaml:"height" json:"height"`
}

// Zone is a clickable region of a room. Description seeds the transcript of
// every item session opened on it.
type Zone struct {
	ID          string `yaml:"id" json:"id"`
	Label       string `yaml:"label" json:"label"`
	Region      Region `yaml:"region" json:"style"`
	Description string `yaml:"description" json:"description,omitempty"`
}

type Theme struct {
	Name   string `yaml:"name" json:"name"`
	Filter string `yaml:"filter" json:"filter"`
	Icon   string `yaml:"icon" json:"icon"`
	Color  string `yaml:"color" json:"color"`
}

type Coordinator struct {
	Greeting string `yaml:"greeting" json:"greeting"`
	Intro    string `yaml:"intro" json:"intro,omitempty"`
}

// Special declares a named timed sub-state the room enters once Trigger
// holds while the room is active. It fires at most once per room visit.
type Special struct {
	Name    string `yaml:"name" json:"name"`
	Trigger string `yaml:"trigger" json:"-"`
	Media   string `yaml:"media" json:"media,omitempty"`

	trigger *Predicate
}

type Definition struct {
	ID                  string      `yaml:"id" json:"id"`
	Name                string      `yaml:"name" json:"name"`
	Letter              string      `yaml:"letter" json:"-"`
	Background          string      `yaml:"background" json:"background,omitempty"`
	BackgroundCompleted string      `yaml:"background_completed" json:"background_completed,omitempty"`
	Theme               Theme       `yaml:"theme" json:"theme"`
	Coordinator         Coordinator `yaml:"coordinator" json:"coordinator"`
	Completion          string      `yaml:"completion" json:"-"`
	Special             *Special    `yaml:"special" json:"special,omitempty"`
	Final               bool        `yaml:"final" json:"final"`
	Answer              string      `yaml:"answer" json:"-"`
	Zones               []Zone      `yaml:"zones" json:"zones"`

	completion *Predicate
}

// Zone looks up a zone by id.
func (d *Definition) Zone(id string) (Zone, bool) {
	i := slices.IndexFunc(d.Zones, func(z Zone) bool { return z.ID == id })
	if i < 0 {
		return Zone{}, false
	}
	return d.Zones[i], true
}

// Completed evaluates the completion predicate. Rooms without one are only
// completed by an explicit signal from the agent.
func (d *Definition) Completed(e Env) (bool, error) {
	return d.completion.Eval(e)
}

// SpecialTriggered evaluates the special sequence trigger, if any.
func (d *Definition) SpecialTriggered(e Env) (bool, error) {
	if d.Special == nil {
		return false, nil
	}
	return d.Special.trigger.Eval(e)
}

type catalog struct {
	Sequence []string      `yaml:"sequence"`
	Rooms    []*Definition `yaml:"rooms"`
}

type Table struct {
	sequence []string
	rooms    map[string]*Definition
}

// Default returns the catalog embedded in the binary.
func Default() (*Table, error) {
	return Load(bytes.NewReader(defaultCatalog))
}

// LoadFile reads a catalog from a YAML file.
func LoadFile(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening room catalog %s: %w", path, err)
	}
	defer f.Close()

	t, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("loading room catalog %s: %w", path, err)
	}
	return t, nil
}

// Load decodes and validates a catalog, compiling every predicate.
func Load(r io.Reader) (*Table, error) {
	var c catalog
	if err := yaml.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	if len(c.Sequence) == 0 {
		return nil, errors.New("catalog sequence is empty")
	}

	t := &Table{
		sequence: slices.Clone(c.Sequence),
		rooms:    make(map[string]*Definition, len(c.Rooms)),
	}
	for _, d := range c.Rooms {
		if d.ID == "" {
			return nil, errors.New("room without id")
		}
		if _, dup := t.rooms[d.ID]; dup {
			return nil, fmt.Errorf("room %q defined twice", d.ID)
		}
		if err := d.compile(); err != nil {
			return nil, fmt.Errorf("room %q: %w", d.ID, err)
		}
		t.rooms[d.ID] = d
	}

	seen := make(map[string]bool, len(t.sequence))
	for i, id := range t.sequence {
		d, ok := t.rooms[id]
		if !ok {
			return nil, fmt.Errorf("sequence references unknown room %q", id)
		}
		if seen[id] {
			return nil, fmt.Errorf("room %q appears twice in sequence", id)
		}
		seen[id] = true
		if d.Final && i != len(t.sequence)-1 {
			return nil, fmt.Errorf("final room %q must be last in sequence", id)
		}
	}
	return t, nil
}

func (d *Definition) compile() error {
	zones := make(map[string]bool, len(d.Zones))
	for _, z := range d.Zones {
		if z.ID == "" {
			return errors.New("zone without id")
		}
		if zones[z.ID] {
			return fmt.Errorf("zone %q defined twice", z.ID)
		}
		zones[z.ID] = true
	}

	if d.Completion != "" {
		p, err := compilePredicate(d.Completion)
		if err != nil {
			return fmt.Errorf("completion: %w", err)
		}
		d.completion = p
	}
	if d.Special != nil {
		if d.Special.Name == "" || d.Special.Trigger == "" {
			return errors.New("special sequence needs a name and a trigger")
		}
		p, err := compilePredicate(d.Special.Trigger)
		if err != nil {
			return fmt.Errorf("special %q trigger: %w", d.Special.Name, err)
		}
		d.Special.trigger = p
	}
	return nil
}

// Get returns the definition of a room.
func (t *Table) Get(id string) (*Definition, error) {
	d, ok := t.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", id, escaperoom.ErrNotFound)
	}
	return d, nil
}

// Sequence returns the ordered room ids.
func (t *Table) Sequence() []string {
	return slices.Clone(t.sequence)
}

// First is the room every team starts in.
func (t *Table) First() string {
	return t.sequence[0]
}

// Next returns the room after id in the sequence.
func (t *Table) Next(id string) (string, bool) {
	i := slices.Index(t.sequence, id)
	if i < 0 || i+1 >= len(t.sequence) {
		return "", false
	}
	return t.sequence[i+1], true
}
