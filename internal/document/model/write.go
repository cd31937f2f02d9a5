package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// WritePlan is the validated outcome of applying changes to a content
// snapshot. Stores persist it atomically.
type WritePlan struct {
	Fields       Fields
	Version      int64
	Applied      map[string]any
	Names        []string
	Entries      []HistoryEntry
	TitleChanged bool
	Title        string
}

// ValidationError lists every problem found in a write; nothing is applied.
type ValidationError struct {
	Reason  string
	Unknown []string
	Invalid map[string]string
}

func (e *ValidationError) Error() string {
	switch {
	case len(e.Unknown) > 0:
		return fmt.Sprintf("unknown field(s): %s", strings.Join(e.Unknown, ", "))
	case len(e.Invalid) > 0:
		names := make([]string, 0, len(e.Invalid))
		for name := range e.Invalid {
			names = append(names, name)
		}
		sort.Strings(names)
		parts := make([]string, 0, len(names))
		for _, name := range names {
			parts = append(parts, name+": "+e.Invalid[name])
		}
		return "invalid value for " + strings.Join(parts, "; ")
	default:
		return e.Reason
	}
}

// PlanWrite validates changes against doc's kind and computes the next
// content state with one history entry per field. The plan is all or
// nothing: any unknown field or bad value rejects the whole batch.
func PlanWrite(doc Document, content Content, changes map[string]any, actor string, now time.Time, newID func() string) (WritePlan, error) {
	if len(changes) == 0 {
		return WritePlan{}, &ValidationError{Reason: "no changes provided"}
	}
	if doc.Lifecycle != LifecycleActive {
		return WritePlan{}, &ValidationError{Reason: fmt.Sprintf("document is %s and not editable", doc.Lifecycle)}
	}

	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)

	verr := &ValidationError{Invalid: map[string]string{}}
	applied := make(map[string]any, len(changes))
	for _, name := range names {
		desc, ok := doc.Kind.Field(name)
		if !ok {
			verr.Unknown = append(verr.Unknown, name)
			continue
		}
		v, err := desc.Coerce(changes[name])
		if err != nil {
			verr.Invalid[name] = err.Error()
			continue
		}
		applied[name] = v
	}
	if len(verr.Unknown) > 0 || len(verr.Invalid) > 0 {
		return WritePlan{}, verr
	}

	plan := WritePlan{
		Fields:  content.Fields.Clone(),
		Version: content.Version + 1,
		Applied: applied,
		Names:   names,
		Entries: make([]HistoryEntry, 0, len(names)),
	}
	for _, name := range names {
		desc, _ := doc.Kind.Field(name)
		old := content.Fields[name]
		next := applied[name]
		plan.Fields[name] = next
		plan.Entries = append(plan.Entries, HistoryEntry{
			ID:         newID(),
			DocumentID: doc.ID,
			ActorID:    actor,
			Field:      name,
			OldValue:   desc.Render(old),
			NewValue:   desc.Render(next),
			ChangeKind: changeKind(desc, old, next),
			Version:    plan.Version,
			CreatedAt:  now,
		})
		if name == TitleField {
			plan.TitleChanged = true
			plan.Title, _ = next.(string)
		}
	}
	return plan, nil
}

func changeKind(desc FieldDescriptor, old, next any) ChangeKind {
	switch {
	case desc.IsUnset(next) && !desc.IsUnset(old):
		return ChangeClear
	case desc.IsUnset(old) && !desc.IsUnset(next):
		return ChangeSet
	default:
		return ChangeUpdate
	}
}

// NewContent builds the initial content of a document. A non-empty title is
// recorded as a version 1 "create" history entry so replay stays exact.
func NewContent(doc Document, actor string, now time.Time, newID func() string) (Content, []HistoryEntry) {
	content := Content{
		DocumentID: doc.ID,
		Fields:     doc.Kind.Defaults(),
		Version:    1,
		UpdatedAt:  now,
	}
	if doc.Title == "" {
		return content, nil
	}
	content.Fields[TitleField] = doc.Title
	return content, []HistoryEntry{{
		ID:         newID(),
		DocumentID: doc.ID,
		ActorID:    actor,
		Field:      TitleField,
		OldValue:   "",
		NewValue:   doc.Title,
		ChangeKind: ChangeCreate,
		Version:    1,
		CreatedAt:  now,
	}}
}

// Replay rebuilds field values from the kind defaults by applying every
// entry's new value in order. Entries for fields the kind does not define
// are skipped. List values are already canonical in history and are taken
// as stored.
func Replay(kind Kind, entries []HistoryEntry) Fields {
	fields := kind.Defaults()
	for _, e := range entries {
		desc, ok := kind.Field(e.Field)
		if !ok {
			continue
		}
		if desc.Type == FieldMulti {
			fields[e.Field] = e.NewValue
			continue
		}
		if v, err := desc.Coerce(e.NewValue); err == nil {
			fields[e.Field] = v
		}
	}
	return fields
}
