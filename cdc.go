package couchsys

import (
	"strings"
)

// ChangeEvent reports that a database was created, updated or deleted
type ChangeEvent struct {
	// Type is the kind of change, ex: created, updated, deleted
	Type string `json:"type"`
	// DBName is the name of the database that changed
	DBName string `json:"db_name"`
	// Seq is the sequence of the item the event was read from, if the source provides one
	Seq string `json:"seq,omitempty"`
}

const ledgerIDSeparator = ":"

// LedgerItemToEvent converts an item from the ledger database's changes feed. Ledger documents are keyed by
// "<type>:<db_name>". Items without an id, or whose id does not split into two non-empty parts, are rejected.
func LedgerItemToEvent(item Item) (ChangeEvent, bool) {
	id := item.ID()
	if id == "" {
		return ChangeEvent{}, false
	}
	parts := strings.SplitN(id, ledgerIDSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ChangeEvent{}, false
	}
	return ChangeEvent{
		Type:   parts[0],
		DBName: parts[1],
		Seq:    item.Get("seq").String(),
	}, true
}

// UpdateItemToEvent converts an item from the server's live updates feed. Items missing a type or db_name,
// such as a trailing last_seq line, are rejected.
func UpdateItemToEvent(item Item) (ChangeEvent, bool) {
	event := ChangeEvent{
		Type:   item.Get("type").String(),
		DBName: item.Get("db_name").String(),
		Seq:    item.Get("seq").String(),
	}
	if event.Type == "" || event.DBName == "" {
		return ChangeEvent{}, false
	}
	return event, true
}
