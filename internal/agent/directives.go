package agent

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/anpag/escaipe-room/internal/escaperoom"
)

var (
	stateTag  = regexp.MustCompile(`\[STATE_UPDATE:\s*(.+?)\]`)
	actionTag = regexp.MustCompile(`\[ACTION:\s*(.+?)\]`)
	addItem   = regexp.MustCompile(`^ADD_ITEM\(\s*['"]?(.+?)['"]?\s*,\s*['"]?(.+?)['"]?\s*\)$`)
)

// ParseDirectives extracts [STATE_UPDATE: key=value] and
// [ACTION: ADD_ITEM(name, icon)] tags from reply text. The tags are removed
// from the returned reply. Values true, false and unsigned integers are
// typed; everything else stays a string. Item removal is not supported and
// its tags are dropped.
func ParseDirectives(text string) Response {
	var resp Response

	for _, m := range stateTag.FindAllStringSubmatch(text, -1) {
		key, value, ok := strings.Cut(m[1], "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		v := typedValue(strings.TrimSpace(value))
		if resp.State == nil {
			resp.State = make(map[string]any)
		}
		resp.State[key] = v
		if key == "room_completed" && v == true {
			resp.RoomCompleted = true
		}
	}
	text = stateTag.ReplaceAllString(text, "")

	for _, m := range actionTag.FindAllStringSubmatch(text, -1) {
		sub := addItem.FindStringSubmatch(strings.TrimSpace(m[1]))
		if sub == nil {
			continue
		}
		resp.Inventory = append(resp.Inventory, escaperoom.Item{
			Name: strings.TrimSpace(sub[1]),
			Icon: strings.TrimSpace(sub[2]),
		})
	}
	text = actionTag.ReplaceAllString(text, "")

	resp.Reply = strings.TrimSpace(text)
	return resp
}

func typedValue(s string) any {
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseUint(s, 10, 63); err == nil {
		return int64(n)
	}
	return s
}

// merge folds the directives found in r.Reply into r. Explicit fields of r
// win over directives.
func (r Response) merge() Response {
	d := ParseDirectives(r.Reply)
	r.Reply = d.Reply
	r.Inventory = append(r.Inventory, d.Inventory...)
	for k, v := range d.State {
		if r.State == nil {
			r.State = make(map[string]any)
		}
		if _, set := r.State[k]; !set {
			r.State[k] = v
		}
	}
	r.RoomCompleted = r.RoomCompleted || d.RoomCompleted
	return r
}
