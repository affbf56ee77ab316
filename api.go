package couchsys

import (
	"context"
	"net/url"

	"github.com/spf13/cast"
	"github.com/tidwall/gjson"
)

const (
	// LedgerDatabase is the system database that records database lifecycle events on 2.x+ servers
	LedgerDatabase = "_global_changes"
	// ReplicatorDatabase holds replication documents
	ReplicatorDatabase = "_replicator"
	// UsersDatabase holds user documents
	UsersDatabase = "_users"

	// FeaturePartitioned is the server feature flag advertised by servers that support partitioned databases
	FeaturePartitioned = "partitioned"
	// FeedContinuous selects an indefinitely open feed of newline delimited items
	FeedContinuous = "continuous"
)

// Server is the set of primitive server operations the system is built on. The http transport in
// transport/http implements it against a live server.
type Server interface {
	// Info fetches the server's root metadata
	Info(ctx context.Context) (*ServerInfo, error)
	// AllDatabases lists the names of every database on the server
	AllDatabases(ctx context.Context) ([]string, error)
	// CreateDatabase creates a database
	CreateDatabase(ctx context.Context, name string) error
	// DestroyDatabase deletes a database and all of its documents
	DestroyDatabase(ctx context.Context, name string) error
	// GetDatabase fetches a database's descriptor
	GetDatabase(ctx context.Context, name string) (*DatabaseInfo, error)
	// Changes subscribes to a database's changes feed
	Changes(ctx context.Context, name string, params ChangesParams) (*Stream[Item], error)
	// DBUpdates subscribes to the server's live database updates feed
	DBUpdates(ctx context.Context, params ChangesParams) (*Stream[Item], error)
}

// ServerInfo is the server's root metadata
type ServerInfo struct {
	CouchDB  string         `json:"couchdb,omitempty"`
	Version  string         `json:"version" validate:"required"`
	UUID     string         `json:"uuid,omitempty"`
	Features []string       `json:"features,omitempty"`
	Vendor   map[string]any `json:"vendor,omitempty"`
}

// DatabaseInfo is a database descriptor
type DatabaseInfo struct {
	DBName      string `json:"db_name"`
	UpdateSeq   string `json:"update_seq"`
	DocCount    int64  `json:"doc_count"`
	DocDelCount int64  `json:"doc_del_count"`
}

// ChangesParams are the query parameters of a changes or updates feed
type ChangesParams struct {
	// Feed is the feed type. "continuous" keeps the feed open, anything else returns a single results envelope.
	Feed string `json:"feed,omitempty"`
	// Since starts the feed after the given sequence
	Since       string `json:"since,omitempty"`
	Heartbeat   int    `json:"heartbeat,omitempty"`
	Timeout     int    `json:"timeout,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	IncludeDocs bool   `json:"include_docs,omitempty"`
	Descending  bool   `json:"descending,omitempty"`
	Filter      string `json:"filter,omitempty"`
	// Extra holds any additional query parameters
	Extra map[string]any `json:"-"`
}

// IsContinuous returns true if the params select a continuous feed
func (p ChangesParams) IsContinuous() bool {
	return p.Feed == FeedContinuous
}

// Values encodes the params as url query values
func (p ChangesParams) Values() url.Values {
	values := url.Values{}
	for k, v := range p.Extra {
		values.Set(k, cast.ToString(v))
	}
	set := func(key string, value any, ok bool) {
		if ok {
			values.Set(key, cast.ToString(value))
		}
	}
	set("feed", p.Feed, p.Feed != "")
	set("since", p.Since, p.Since != "")
	set("heartbeat", p.Heartbeat, p.Heartbeat > 0)
	set("timeout", p.Timeout, p.Timeout > 0)
	set("limit", p.Limit, p.Limit > 0)
	set("include_docs", p.IncludeDocs, p.IncludeDocs)
	set("descending", p.Descending, p.Descending)
	set("filter", p.Filter, p.Filter != "")
	return values
}

// Item is a single raw json value read from a feed
type Item []byte

// Get returns the value at the given gjson path
func (i Item) Get(path string) gjson.Result {
	return gjson.GetBytes(i, path)
}

// ID returns the item's id field, if any
func (i Item) ID() string {
	return i.Get("id").String()
}

// String returns the item as a json string
func (i Item) String() string {
	return string(i)
}

// MarshalJSON returns the item's raw json
func (i Item) MarshalJSON() ([]byte, error) {
	if len(i) == 0 {
		return []byte("null"), nil
	}
	return i, nil
}
