// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package manifest

import (
	"regexp"
	"strings"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

// Compile normalizes and validates the raw value produced by a bot script
// into a Manifest. Functions found inside the value are retained as opaque
// handler references; everything else is converted to canonical Go types.
//
// Compilation is a pure function of the value: compiling the result of an
// unchanged script yields a behaviorally identical manifest.
func Compile(raw starlark.Value) (*Manifest, error) {
	rec, ok := record(raw)
	if !ok {
		return nil, errf(InvalidShape, "script result must be a dict or struct, got %s", typeOf(raw))
	}

	m := &Manifest{
		Commands:      make(map[string]*DialogNode),
		Buttons:       make(map[string]*DialogNode),
		StateHandlers: make(map[string]*DialogNode),
		Variants:      make(map[string]map[string]*DialogNode),
	}

	cfg, ok := rec["config"]
	if !ok {
		return nil, errf(InvalidShape, "missing config")
	}
	if err := compileConfig(cfg, &m.Config); err != nil {
		return nil, err
	}

	dlg, ok := rec["dialog"]
	if !ok {
		return nil, errf(InvalidShape, "missing dialog")
	}
	if err := compileDialog(dlg, m); err != nil {
		return nil, err
	}

	if ns, ok := rec["notifications"]; ok {
		notifications, err := compileNotifications(ns)
		if err != nil {
			return nil, err
		}
		m.Notifications = notifications
	}

	return m, nil
}

func compileConfig(v starlark.Value, cfg *Config) error {
	rec, ok := record(v)
	if !ok {
		return errf(InvalidShape, "config must be a record, got %s", typeOf(v))
	}
	ver, ok := rec["version"]
	if !ok {
		return errf(InvalidShape, "config.version is required")
	}
	switch ver := ver.(type) {
	case starlark.String:
		cfg.Version = string(ver)
	case starlark.Int, starlark.Float:
		cfg.Version = ver.String()
	default:
		return errf(InvalidShape, "config.version must be a string or number, got %s", typeOf(ver))
	}
	if tz, ok := rec["timezone"]; ok {
		n, ok := asInt(tz)
		if !ok {
			return errf(InvalidShape, "config.timezone must be an integer, got %s", typeOf(tz))
		}
		cfg.Timezone = n
	}
	return nil
}

func compileDialog(v starlark.Value, m *Manifest) error {
	rec, ok := record(v)
	if !ok {
		return errf(InvalidShape, "dialog must be a record, got %s", typeOf(v))
	}

	commands, ok := rec["commands"]
	if !ok {
		return errf(InvalidShape, "dialog.commands is required")
	}
	if err := compileNodeMap(commands, "dialog.commands", m.Commands); err != nil {
		return err
	}

	if buttons, ok := rec["buttons"]; ok {
		all := make(map[string]*DialogNode)
		if err := compileNodeMap(buttons, "dialog.buttons", all); err != nil {
			return err
		}
		for key, node := range all {
			if !strings.Contains(key, "{") {
				m.Buttons[key] = node
				continue
			}
			pat, err := familyPattern(key)
			if err != nil {
				return err
			}
			m.Families = append(m.Families, Family{Key: key, Pattern: pat, Node: node})
		}
	}

	if handlers, ok := rec["stateful_msg_handlers"]; ok {
		if err := compileNodeMap(handlers, "dialog.stateful_msg_handlers", m.StateHandlers); err != nil {
			return err
		}
	}

	if variants, ok := rec["variants"]; ok {
		vrec, ok := record(variants)
		if !ok {
			return errf(InvalidShape, "dialog.variants must be a record, got %s", typeOf(variants))
		}
		for command, overrides := range vrec {
			vs := make(map[string]*DialogNode)
			if err := compileNodeMap(overrides, "dialog.variants."+command, vs); err != nil {
				return err
			}
			m.Variants[command] = vs
		}
	}

	return nil
}

func compileNodeMap(v starlark.Value, where string, dst map[string]*DialogNode) error {
	rec, ok := record(v)
	if !ok {
		return errf(InvalidShape, "%s must be a record, got %s", where, typeOf(v))
	}
	for name, nv := range rec {
		node, err := compileNode(nv, where+"."+name)
		if err != nil {
			return err
		}
		dst[name] = node
	}
	return nil
}

func compileNode(v starlark.Value, where string) (*DialogNode, error) {
	rec, ok := record(v)
	if !ok {
		return nil, errf(InvalidShape, "%s must be a record, got %s", where, typeOf(v))
	}

	n := new(DialogNode)
	for key, fv := range rec {
		switch key {
		case "literal":
			s, ok := asString(fv)
			if !ok {
				return nil, errf(InvalidShape, "%s.literal must be a string", where)
			}
			n.Literal = s
		case "text":
			s, ok := asString(fv)
			if !ok {
				return nil, errf(InvalidShape, "%s.text must be a string", where)
			}
			n.Text = s
		case "replace":
			b, ok := asBool(fv)
			if !ok {
				return nil, errf(InvalidShape, "%s.replace must be a bool", where)
			}
			n.Replace = b
		case "state":
			s, ok := asString(fv)
			if !ok {
				return nil, errf(InvalidShape, "%s.state must be a string", where)
			}
			n.State = s
		case "meta":
			b, ok := asBool(fv)
			if !ok {
				return nil, errf(InvalidShape, "%s.meta must be a bool", where)
			}
			n.Meta = &b
		case "handler":
			fn, ok := fv.(starlark.Callable)
			if !ok {
				return nil, errf(InvalidShape, "%s.handler must be a function, got %s", where, typeOf(fv))
			}
			n.Handler = NewHandlerRef(fn)
		case "buttons":
			kb, err := compileKeyboard(fv, where+".buttons")
			if err != nil {
				return nil, err
			}
			n.Keyboard = kb
		default:
			return nil, errf(InvalidShape, "%s: unknown field %q", where, key)
		}
	}
	return n, nil
}

func compileKeyboard(v starlark.Value, where string) (*Keyboard, error) {
	if fn, ok := v.(starlark.Callable); ok {
		return &Keyboard{Dynamic: NewHandlerRef(fn)}, nil
	}
	items, ok := sequence(v)
	if !ok {
		return nil, errf(BadButtonShape, "%s must be a list of rows or a function, got %s", where, typeOf(v))
	}
	kb := new(Keyboard)
	for _, rv := range items {
		row, err := compileRow(rv, where)
		if err != nil {
			return nil, err
		}
		kb.Rows = append(kb.Rows, row)
	}
	return kb, nil
}

func compileRow(v starlark.Value, where string) (Row, error) {
	if fn, ok := v.(starlark.Callable); ok {
		return Row{Dynamic: NewHandlerRef(fn)}, nil
	}
	items, ok := sequence(v)
	if !ok {
		return Row{}, errf(BadButtonShape, "%s: row must be a list of buttons or a function, got %s", where, typeOf(v))
	}
	var row Row
	for _, bv := range items {
		b, err := CompileButton(bv)
		if err != nil {
			return Row{}, err
		}
		row.Buttons = append(row.Buttons, b)
	}
	return row, nil
}

// Rows normalizes the result of a dynamic keyboard generator into rows,
// using the same rules as compile-time normalization. Nested generators are
// not resolved further.
func Rows(v starlark.Value) ([]Row, error) {
	items, ok := sequence(v)
	if !ok {
		return nil, errf(BadButtonShape, "keyboard generator must return a list of rows, got %s", typeOf(v))
	}
	rows := make([]Row, 0, len(items))
	for _, rv := range items {
		row, err := compileRow(rv, "generated keyboard")
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Buttons normalizes the result of a dynamic row generator into a row of
// buttons, using the same shorthand rules as compile-time normalization.
func Buttons(v starlark.Value) ([]Button, error) {
	items, ok := sequence(v)
	if !ok {
		return nil, errf(BadButtonShape, "row generator must return a list of buttons, got %s", typeOf(v))
	}
	buttons := make([]Button, 0, len(items))
	for _, bv := range items {
		b, err := CompileButton(bv)
		if err != nil {
			return nil, err
		}
		buttons = append(buttons, b)
	}
	return buttons, nil
}

// CompileButton normalizes button shorthand: a bare string is both the
// display literal and the callback name; a record carries an explicit
// display ("text" or "literal") and "callback_name"; a function is a
// generator resolved at render time. Anything else is a BadButtonShape
// error.
func CompileButton(v starlark.Value) (Button, error) {
	switch v := v.(type) {
	case starlark.String:
		return Button{Literal: string(v), Callback: string(v)}, nil
	case starlark.Callable:
		return Button{Dynamic: NewHandlerRef(v)}, nil
	}
	rec, ok := record(v)
	if !ok {
		return Button{}, errf(BadButtonShape, "button must be a string, record or function, got %s", typeOf(v))
	}
	var b Button
	if lv, ok := rec["literal"]; ok {
		s, ok := asString(lv)
		if !ok {
			return Button{}, errf(BadButtonShape, "button literal must be a string")
		}
		b.Literal = s
	}
	for _, key := range []string{"text", "name"} {
		if tv, ok := rec[key]; ok {
			s, ok := asString(tv)
			if !ok {
				return Button{}, errf(BadButtonShape, "button %s must be a string", key)
			}
			b.Text = s
		}
	}
	if cv, ok := rec["callback_name"]; ok {
		s, ok := asString(cv)
		if !ok {
			return Button{}, errf(BadButtonShape, "button callback_name must be a string")
		}
		b.Callback = s
	}
	if b.Literal == "" && b.Text == "" {
		return Button{}, errf(BadButtonShape, "button needs a display: text or literal")
	}
	if b.Callback == "" {
		if b.Literal == "" {
			return Button{}, errf(BadButtonShape, "button needs a callback_name")
		}
		b.Callback = b.Literal
	}
	return b, nil
}

func compileNotifications(v starlark.Value) ([]Notification, error) {
	items, ok := sequence(v)
	if !ok {
		return nil, errf(InvalidShape, "notifications must be a list, got %s", typeOf(v))
	}
	ns := make([]Notification, 0, len(items))
	for _, nv := range items {
		n, err := compileNotification(nv)
		if err != nil {
			return nil, err
		}
		ns = append(ns, n)
	}
	return ns, nil
}

func compileNotification(v starlark.Value) (Notification, error) {
	rec, ok := record(v)
	if !ok {
		return Notification{}, errf(InvalidShape, "notification must be a record, got %s", typeOf(v))
	}
	var n Notification

	tv, ok := rec["time"]
	if !ok {
		return Notification{}, errf(InvalidShape, "notification.time is required")
	}
	trigger, err := compileTrigger(tv)
	if err != nil {
		return Notification{}, err
	}
	n.Trigger = trigger

	if fv, ok := rec["filter"]; ok {
		filter, err := compileFilter(fv)
		if err != nil {
			return Notification{}, err
		}
		n.Filter = filter
	}

	mv, ok := rec["message"]
	if !ok {
		return Notification{}, errf(InvalidShape, "notification.message is required")
	}
	msg, err := compileMessage(mv)
	if err != nil {
		return Notification{}, err
	}
	n.Message = msg

	return n, nil
}

func compileTrigger(v starlark.Value) (Trigger, error) {
	if s, ok := asString(v); ok {
		return parseWallClock(s)
	}
	rec, ok := record(v)
	if !ok {
		return Trigger{}, errf(InvalidShape, "notification.time must be \"HH:MM\" or a record, got %s", typeOf(v))
	}

	hour := 0
	if hv, ok := rec["hour"]; ok {
		n, ok := asInt(hv)
		if !ok || n < 0 || n > 23 {
			return Trigger{}, errf(InvalidShape, "notification.time.hour must be 0..23")
		}
		hour = n
	}

	_, hasMin := rec["delta_minutes"]
	_, hasHour := rec["delta_hours"]
	if hasMin || hasHour {
		var total int
		if dv, ok := rec["delta_hours"]; ok {
			n, ok := asInt(dv)
			if !ok || n < 0 {
				return Trigger{}, errf(InvalidShape, "notification.time.delta_hours must be a non-negative integer")
			}
			total += n * 60
		}
		if dv, ok := rec["delta_minutes"]; ok {
			n, ok := asInt(dv)
			if !ok || n < 0 {
				return Trigger{}, errf(InvalidShape, "notification.time.delta_minutes must be a non-negative integer")
			}
			total += n
		}
		if total == 0 {
			return Trigger{}, errf(InvalidShape, "recurring notification needs a non-zero period")
		}
		return Trigger{Kind: TriggerEvery, Hour: hour, Every: time.Duration(total) * time.Minute}, nil
	}

	minute := 0
	if mv, ok := rec["minutes"]; ok {
		n, ok := asInt(mv)
		if !ok || n < 0 || n > 59 {
			return Trigger{}, errf(InvalidShape, "notification.time.minutes must be 0..59")
		}
		minute = n
	}
	return Trigger{Kind: TriggerOnce, Hour: hour, Minute: minute}, nil
}

var wallClockRe = regexp.MustCompile(`^([01]?\d|2[0-3]):([0-5]\d)$`)

func parseWallClock(s string) (Trigger, error) {
	sub := wallClockRe.FindStringSubmatch(s)
	if sub == nil {
		return Trigger{}, errf(InvalidShape, "notification.time %q is not in HH:MM form", s)
	}
	// Regexp guarantees both parts are numeric and in range.
	hour, minute := atoi(sub[1]), atoi(sub[2])
	return Trigger{Kind: TriggerOnce, Hour: hour, Minute: minute}, nil
}

func atoi(s string) int {
	n := 0
	for _, c := range s {
		n = n*10 + int(c-'0')
	}
	return n
}

func compileFilter(v starlark.Value) (Filter, error) {
	if fn, ok := v.(starlark.Callable); ok {
		return Filter{Kind: FilterFunc, Fn: NewHandlerRef(fn)}, nil
	}
	if s, ok := asString(v); ok {
		if s == "all" {
			return Filter{Kind: FilterAll}, nil
		}
		return Filter{}, errf(InvalidShape, "unknown notification filter %q", s)
	}
	rec, ok := record(v)
	if !ok {
		return Filter{}, errf(InvalidShape, "notification.filter must be \"all\", a record or a function, got %s", typeOf(v))
	}
	if rv, ok := rec["random"]; ok {
		n, ok := asInt(rv)
		if !ok || n <= 0 {
			return Filter{}, errf(InvalidShape, "notification.filter.random must be a positive integer")
		}
		return Filter{Kind: FilterRandom, N: n}, nil
	}
	return Filter{}, errf(InvalidShape, "unrecognized notification filter")
}

func compileMessage(v starlark.Value) (Message, error) {
	if fn, ok := v.(starlark.Callable); ok {
		return Message{Fn: NewHandlerRef(fn)}, nil
	}
	if s, ok := asString(v); ok {
		return Message{Text: s}, nil
	}
	rec, ok := record(v)
	if !ok {
		return Message{}, errf(InvalidShape, "notification.message must be a string, record or function, got %s", typeOf(v))
	}
	if lv, ok := rec["literal"]; ok {
		s, ok := asString(lv)
		if !ok {
			return Message{}, errf(InvalidShape, "notification.message.literal must be a string")
		}
		return Message{Literal: s}, nil
	}
	if tv, ok := rec["text"]; ok {
		s, ok := asString(tv)
		if !ok {
			return Message{}, errf(InvalidShape, "notification.message.text must be a string")
		}
		return Message{Text: s}, nil
	}
	return Message{}, errf(InvalidShape, "notification.message needs a literal or text")
}

var placeholderRe = regexp.MustCompile(`\{[^{}]*\}`)

// familyPattern turns a generated-family key like "project_{i}" into an
// anchored regexp with one capture group per placeholder.
func familyPattern(key string) (*regexp.Regexp, error) {
	var sb strings.Builder
	sb.WriteString("^")
	last := 0
	for _, loc := range placeholderRe.FindAllStringIndex(key, -1) {
		sb.WriteString(regexp.QuoteMeta(key[last:loc[0]]))
		sb.WriteString(`([0-9A-Za-z_-]+)`)
		last = loc[1]
	}
	sb.WriteString(regexp.QuoteMeta(key[last:]))
	sb.WriteString("$")
	pat, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, errf(InvalidShape, "bad button family key %q: %v", key, err)
	}
	return pat, nil
}

// record views a Starlark dict (with string keys) or struct as a Go map.
func record(v starlark.Value) (map[string]starlark.Value, bool) {
	switch v := v.(type) {
	case *starlark.Dict:
		m := make(map[string]starlark.Value, v.Len())
		for _, item := range v.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, false
			}
			m[string(key)] = item[1]
		}
		return m, true
	case *starlarkstruct.Struct:
		m := make(map[string]starlark.Value)
		for _, name := range v.AttrNames() {
			attr, err := v.Attr(name)
			if err != nil {
				return nil, false
			}
			m[name] = attr
		}
		return m, true
	}
	return nil, false
}

func sequence(v starlark.Value) ([]starlark.Value, bool) {
	switch v := v.(type) {
	case *starlark.List:
		items := make([]starlark.Value, v.Len())
		for i := range items {
			items[i] = v.Index(i)
		}
		return items, true
	case starlark.Tuple:
		return []starlark.Value(v), true
	}
	return nil, false
}

func asString(v starlark.Value) (string, bool) {
	s, ok := v.(starlark.String)
	return string(s), ok
}

func asInt(v starlark.Value) (int, bool) {
	i, ok := v.(starlark.Int)
	if !ok {
		return 0, false
	}
	n, ok := i.Int64()
	if !ok {
		return 0, false
	}
	return int(n), true
}

func asBool(v starlark.Value) (bool, bool) {
	b, ok := v.(starlark.Bool)
	return bool(b), ok
}

func typeOf(v starlark.Value) string {
	if v == nil {
		return "nil"
	}
	return v.Type()
}
