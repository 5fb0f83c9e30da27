// Package task decodes raw task descriptors into a tagged variant.
//
// A descriptor is a JSON object read from the task file. It is decided once
// per tick whether the entry is a control directive, a scheduled handler call,
// or invalid; callers switch on Kind instead of poking at the raw map.
package task

import (
	"fmt"
	"strings"
)

type Kind int

const (
	KindInvalid Kind = iota
	KindControl
	KindScheduled
)

func (k Kind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindScheduled:
		return "scheduled"
	default:
		return "invalid"
	}
}

// Directive is a control instruction that changes scheduler behavior.
type Directive string

const (
	DirectiveSkip              Directive = "skip"
	DirectiveReloadEnvironment Directive = "reload_environment"
	DirectiveReloadAddons      Directive = "reload_addons"
	DirectiveStop              Directive = "stop"
)

// ParseDirective reports whether name is one of the control directives.
func ParseDirective(name string) (Directive, bool) {
	switch d := Directive(name); d {
	case DirectiveSkip, DirectiveReloadEnvironment, DirectiveReloadAddons, DirectiveStop:
		return d, true
	}
	return "", false
}

// DefaultHandler is used when a descriptor has no "func".
const DefaultHandler = "normal"

// Task is one decoded entry of the task list.
//
// Index is the position in the list. Fields always holds a copy of the raw
// descriptor (nil when the entry was not an object).
type Task struct {
	Index     int
	Kind      Kind
	Directive Directive
	Cron      string
	Handler   string
	Fields    map[string]any
	Reason    string
}

// Payload returns a shallow copy of the descriptor fields for a handler call.
func (t Task) Payload() map[string]any {
	out := make(map[string]any, len(t.Fields))
	for k, v := range t.Fields {
		out[k] = v
	}
	return out
}

// Title returns the descriptor title, if any, for log lines.
func (t Task) Title() string {
	s, _ := t.Fields["title"].(string)
	return s
}

// Decode classifies one raw list entry.
func Decode(index int, raw any) Task {
	t := Task{Index: index}
	m, ok := raw.(map[string]any)
	if !ok {
		t.Reason = fmt.Sprintf("entry is %s, want object", jsonKind(raw))
		return t
	}
	t.Fields = make(map[string]any, len(m))
	for k, v := range m {
		t.Fields[k] = v
	}

	name := ""
	if fv, present := m["func"]; present && fv != nil {
		s, ok := fv.(string)
		if !ok {
			t.Reason = fmt.Sprintf(`"func" is %s, want string`, jsonKind(fv))
			return t
		}
		name = strings.TrimSpace(s)
	}
	if d, ok := ParseDirective(name); ok {
		t.Kind = KindControl
		t.Directive = d
		return t
	}

	cv, present := m["cron"]
	if !present || cv == nil {
		t.Reason = `missing "cron"`
		return t
	}
	cron, ok := cv.(string)
	if !ok {
		t.Reason = fmt.Sprintf(`"cron" is %s, want string`, jsonKind(cv))
		return t
	}
	if name == "" {
		name = DefaultHandler
	}
	t.Kind = KindScheduled
	t.Cron = cron
	t.Handler = name
	return t
}

// DecodeList decodes every entry in order.
func DecodeList(items []any) []Task {
	out := make([]Task, 0, len(items))
	for i, raw := range items {
		out = append(out, Decode(i, raw))
	}
	return out
}

func jsonKind(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, int, int64:
		return "number"
	default:
		return fmt.Sprintf("%T", v)
	}
}
