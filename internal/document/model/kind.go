package model

import (
	"fmt"
	"strings"
)

// TitleField is mirrored onto Document.Title whenever it is written.
const TitleField = "title"

// SDGField is the multi-value goal tag field shared by structured kinds.
const SDGField = "sdg_tag"

type FieldType int

const (
	FieldText FieldType = iota
	FieldBool
	FieldInt
	FieldMulti
)

func (t FieldType) String() string {
	switch t {
	case FieldBool:
		return "boolean"
	case FieldInt:
		return "integer"
	case FieldMulti:
		return "multi"
	default:
		return "text"
	}
}

type FieldDescriptor struct {
	Name    string
	Type    FieldType
	Default any
}

func text(name string) FieldDescriptor    { return FieldDescriptor{Name: name, Type: FieldText, Default: ""} }
func boolean(name string) FieldDescriptor { return FieldDescriptor{Name: name, Type: FieldBool, Default: false} }
func integer(name string) FieldDescriptor { return FieldDescriptor{Name: name, Type: FieldInt, Default: nil} }
func multi(name string) FieldDescriptor   { return FieldDescriptor{Name: name, Type: FieldMulti, Default: ""} }

// Kind selects the editable field set of a document.
type Kind string

const (
	KindBlank           Kind = "blank"
	KindActionReport    Kind = "action_report"
	KindLessonPlan      Kind = "lesson_plan"
	KindProjectProposal Kind = "project_proposal"
)

var kindFields = map[Kind][]FieldDescriptor{
	KindBlank: {
		text(TitleField),
		text("description"),
		text("free_content"),
	},
	KindActionReport: {
		text(TitleField),
		text("summary"),
		text("location"),
		text("start_date"),
		text("end_date"),
		integer("participants"),
		integer("volunteers"),
		integer("budget"),
		multi(SDGField),
		boolean("award"),
		text("partners"),
		text("outcome"),
	},
	KindLessonPlan: {
		text(TitleField),
		text("subject"),
		integer("grade_level"),
		integer("duration_minutes"),
		text("objectives"),
		text("materials"),
		text("activities"),
		text("assessment"),
		multi(SDGField),
		boolean("published"),
	},
	KindProjectProposal: {
		text(TitleField),
		text("problem"),
		text("solution"),
		text("target_group"),
		integer("budget"),
		integer("team_size"),
		multi(SDGField),
		boolean("needs_funding"),
	},
}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown document kind %q", s)
	}
	return k, nil
}

func (k Kind) Valid() bool {
	_, ok := kindFields[k]
	return ok
}

// Fields returns the ordered field descriptors of k.
func (k Kind) Fields() []FieldDescriptor {
	return kindFields[k]
}

func (k Kind) Field(name string) (FieldDescriptor, bool) {
	for _, f := range kindFields[k] {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDescriptor{}, false
}

func (k Kind) FieldNames() []string {
	names := make([]string, 0, len(kindFields[k]))
	for _, f := range kindFields[k] {
		names = append(names, f.Name)
	}
	return names
}

// Defaults is the initial field state of a new document of kind k.
func (k Kind) Defaults() Fields {
	out := make(Fields, len(kindFields[k]))
	for _, f := range kindFields[k] {
		out[f.Name] = f.Default
	}
	return out
}

// Normalize re-coerces stored values (decoded JSON numbers arrive as
// json.Number or float64), fills missing fields with defaults and drops
// unknown ones.
func (k Kind) Normalize(stored map[string]any) Fields {
	out := k.Defaults()
	for _, f := range kindFields[k] {
		raw, ok := stored[f.Name]
		if !ok {
			continue
		}
		if v, err := f.Coerce(raw); err == nil {
			out[f.Name] = v
		}
	}
	return out
}
