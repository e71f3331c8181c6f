package model

import (
	"encoding/json"
	"fmt"
)

// ChangeType is the kind of mutation a change describes.
type ChangeType int

const (
	ChangeCreate ChangeType = iota
	ChangeUpdate
	ChangeDelete
)

var changeTypeNames = map[ChangeType]string{
	ChangeCreate: "create",
	ChangeUpdate: "update",
	ChangeDelete: "delete",
}

var changeTypesByName = func() map[string]ChangeType {
	m := make(map[string]ChangeType, len(changeTypeNames))
	for t, name := range changeTypeNames {
		m[name] = t
	}
	return m
}()

func (t ChangeType) String() string {
	return changeTypeNames[t]
}

func (t ChangeType) MarshalJSON() ([]byte, error) {
	name, ok := changeTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("invalid change type %d", int(t))
	}
	return json.Marshal(name)
}

func (t *ChangeType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, ok := changeTypesByName[name]
	if !ok {
		return NewValidationError(fmt.Sprintf("unknown change type %q", name))
	}
	*t = parsed
	return nil
}

// Change is one immutable change-log entry. The record is complete: for
// creates and updates it is the state immediately after the mutation, for
// deletes the state immediately before. UpdatedFields is empty except for
// updates, where it holds exactly the written field names.
type Change struct {
	Record        Record     `json:"record"`
	Revision      Revision   `json:"revision"`
	Type          ChangeType `json:"type"`
	UpdatedFields []string   `json:"fields"`
}

// ChangeQuery asks for everything affecting a table/filter combination
// after FromRevision (exclusive). Used both for one-shot catch-up and for
// live subscriptions.
type ChangeQuery struct {
	FromRevision Revision   `json:"from_revision"`
	Table        TableQuery `json:"table"`
}

func NewChangeQuery(query TableQuery, fromRevision Revision) ChangeQuery {
	return ChangeQuery{FromRevision: fromRevision, Table: query}
}

func (q ChangeQuery) Equal(other ChangeQuery) bool {
	return q.FromRevision == other.FromRevision && q.Table.Equal(other.Table)
}

// Matches decides whether a change must be delivered for this query. The
// change's record is the resolved record the filters are evaluated on.
func (q ChangeQuery) Matches(change Change) bool {
	if change.Revision <= q.FromRevision {
		return false
	}
	return q.Table.MatchesRecord(change.Record)
}

// ChangeResponse is a batch of matching changes in ascending revision
// order. LastRevision is the log tip at response time, so a subscriber
// knows no gap remains even when zero changes matched.
type ChangeResponse struct {
	Query        ChangeQuery `json:"query"`
	Changes      []Change    `json:"changes"`
	LastRevision Revision    `json:"last_revision"`
}
