// Package testutil provides an in memory server for tests. MemServer implements couchsys.Server directly and
// serves the same state over http through Handler, so the core and the http transport are tested against one
// fake.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cast"
	"github.com/tidwall/sjson"

	"github.com/autom8ter/couchsys"
	"github.com/autom8ter/couchsys/errors"
	"github.com/autom8ter/couchsys/internal/safe"
)

const (
	// LegacyVersion is a 1.x server version
	LegacyVersion = "1.7.2"
	// Version is a 3.x server version
	Version = "3.3.3"
)

// Op is a completed database operation
type Op struct {
	Kind string
	DB   string
}

func (o Op) String() string {
	return o.Kind + ":" + o.DB
}

const (
	OpCreate  = "create"
	OpDestroy = "destroy"
)

type memDB struct {
	mu      sync.Mutex
	seq     int
	changes []couchsys.Item
	subs    []*couchsys.Stream[couchsys.Item]
}

// MemServer is an in memory server
type MemServer struct {
	version  string
	features []string
	dbs      *safe.Map[*memDB]

	mu         sync.Mutex
	ops        []Op
	infoCalls  int
	infoGate   chan struct{}
	failures   map[string]error
	latency    time.Duration
	updateSeq  int
	updateSubs []*couchsys.Stream[couchsys.Item]
}

// NewServer returns a server reporting the given version with exactly the given databases
func NewServer(version string, dbs ...string) *MemServer {
	m := &MemServer{
		version:  version,
		dbs:      safe.NewMap[*memDB](nil),
		failures: map[string]error{},
	}
	for _, db := range dbs {
		m.dbs.Set(db, &memDB{})
	}
	return m
}

// DatabaseName returns a random, valid database name
func DatabaseName() string {
	return "db-" + strings.ToLower(gofakeit.LetterN(12))
}

// SetFeatures sets the features advertised by the server
func (m *MemServer) SetFeatures(features ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.features = features
}

// SetLatency delays every create and destroy operation
func (m *MemServer) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// FailOn makes the given operation kind fail with err for the given database
func (m *MemServer) FailOn(kind, db string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[kind+":"+db] = err
}

// BlockInfo makes Info block until the returned release function is called
func (m *MemServer) BlockInfo() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.infoGate = gate
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(gate)
		})
	}
}

// InfoCalls returns the number of times Info was called
func (m *MemServer) InfoCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infoCalls
}

// Ops returns completed create and destroy operations in completion order
func (m *MemServer) Ops() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Op{}, m.ops...)
}

// Subscribers returns the number of open continuous feeds on the database, or on the updates feed if db is empty
func (m *MemServer) Subscribers(db string) int {
	if db == "" {
		m.mu.Lock()
		defer m.mu.Unlock()
		return countOpen(m.updateSubs)
	}
	d, ok := m.dbs.Get(db)
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return countOpen(d.subs)
}

func countOpen(subs []*couchsys.Stream[couchsys.Item]) int {
	var count int
	for _, s := range subs {
		select {
		case <-s.Closed():
		default:
			count++
		}
	}
	return count
}

func (m *MemServer) legacy() bool {
	return strings.HasPrefix(m.version, "1")
}

func (m *MemServer) formatSeq(seq int) string {
	if m.legacy() {
		return cast.ToString(seq)
	}
	return fmt.Sprintf("%d-g1AAAABteJzLYWBgYMpgTmHgz8tPSTV0MDQy", seq)
}

func parseSeq(seq string) int {
	if seq == "now" {
		return -1
	}
	return cast.ToInt(strings.SplitN(seq, "-", 2)[0])
}

func (m *MemServer) failure(kind, db string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[kind+":"+db]
}

func (m *MemServer) wait(ctx context.Context) error {
	m.mu.Lock()
	latency := m.latency
	m.mu.Unlock()
	if latency == 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(latency):
		return nil
	}
}

// Info returns the server's root metadata
func (m *MemServer) Info(ctx context.Context) (*couchsys.ServerInfo, error) {
	m.mu.Lock()
	m.infoCalls++
	gate := m.infoGate
	features := append([]string{}, m.features...)
	m.mu.Unlock()
	if err := m.failure("info", ""); err != nil {
		return nil, err
	}
	if gate != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-gate:
		}
	}
	info := &couchsys.ServerInfo{
		CouchDB: "Welcome",
		Version: m.version,
		UUID:    "85fb71bf700c17267fef77535820e371",
	}
	if len(features) > 0 {
		info.Features = features
	}
	return info, nil
}

// AllDatabases lists the databases in sorted order
func (m *MemServer) AllDatabases(ctx context.Context) ([]string, error) {
	if err := m.failure("all_dbs", ""); err != nil {
		return nil, err
	}
	return m.dbs.Keys(), nil
}

// CreateDatabase creates a database
func (m *MemServer) CreateDatabase(ctx context.Context, name string) error {
	if err := m.wait(ctx); err != nil {
		return errors.Wrap(err, errors.Transport, "create %s", name)
	}
	if err := m.failure(OpCreate, name); err != nil {
		return err
	}
	if !m.dbs.SetNX(name, &memDB{}) {
		return errors.New(errors.Conflict, "The database could not be created, the file already exists.")
	}
	m.record(OpCreate, name, "created")
	return nil
}

// DestroyDatabase deletes a database
func (m *MemServer) DestroyDatabase(ctx context.Context, name string) error {
	if err := m.wait(ctx); err != nil {
		return errors.Wrap(err, errors.Transport, "destroy %s", name)
	}
	if err := m.failure(OpDestroy, name); err != nil {
		return err
	}
	db, ok := m.dbs.Del(name)
	if !ok {
		return errors.New(errors.NotFound, "Database does not exist.")
	}
	db.mu.Lock()
	for _, sub := range db.subs {
		sub.End()
	}
	db.subs = nil
	db.mu.Unlock()
	m.record(OpDestroy, name, "deleted")
	return nil
}

// UpdateDatabase simulates a document write to a database
func (m *MemServer) UpdateDatabase(ctx context.Context, name string) error {
	db, ok := m.dbs.Get(name)
	if !ok {
		return errors.New(errors.NotFound, "Database does not exist.")
	}
	db.mu.Lock()
	db.seq++
	db.mu.Unlock()
	m.notify(name, "updated")
	return nil
}

func (m *MemServer) record(kind, name, eventType string) {
	m.mu.Lock()
	m.ops = append(m.ops, Op{Kind: kind, DB: name})
	m.mu.Unlock()
	m.notify(name, eventType)
}

// notify publishes a database event on the live updates feed and, on 2.x+ servers, records it in the ledger
func (m *MemServer) notify(name, eventType string) {
	m.mu.Lock()
	m.updateSeq++
	update := m.updateItem(name, eventType, m.updateSeq)
	subs := m.updateSubs[:0]
	for _, sub := range m.updateSubs {
		if sub.Publish(update) {
			subs = append(subs, sub)
		}
	}
	m.updateSubs = subs
	m.mu.Unlock()

	if m.legacy() || name == couchsys.LedgerDatabase {
		return
	}
	ledger, ok := m.dbs.Get(couchsys.LedgerDatabase)
	if !ok {
		return
	}
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	ledger.seq++
	item := couchsys.Item(`{}`)
	item = setJSON(item, "seq", m.formatSeq(ledger.seq))
	item = setJSON(item, "id", eventType+":"+name)
	item = setJSON(item, "changes", []map[string]string{{"rev": "1-967a00dff5e02add41819138abb3284d"}})
	ledger.changes = append(ledger.changes, item)
	live := ledger.subs[:0]
	for _, sub := range ledger.subs {
		if sub.Publish(item) {
			live = append(live, sub)
		}
	}
	ledger.subs = live
}

func (m *MemServer) updateItem(name, eventType string, seq int) couchsys.Item {
	item := couchsys.Item(`{}`)
	item = setJSON(item, "db_name", name)
	item = setJSON(item, "type", eventType)
	if m.legacy() {
		return item
	}
	return setJSON(item, "seq", m.formatSeq(seq))
}

func setJSON(item couchsys.Item, path string, value any) couchsys.Item {
	bits, err := sjson.SetBytes(item, path, value)
	if err != nil {
		panic(err)
	}
	return bits
}

// GetDatabase returns a database descriptor
func (m *MemServer) GetDatabase(ctx context.Context, name string) (*couchsys.DatabaseInfo, error) {
	if err := m.failure("get", name); err != nil {
		return nil, err
	}
	db, ok := m.dbs.Get(name)
	if !ok {
		return nil, errors.New(errors.NotFound, "Database does not exist.")
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	return &couchsys.DatabaseInfo{
		DBName:    name,
		UpdateSeq: m.formatSeq(db.seq),
		DocCount:  int64(len(db.changes)),
	}, nil
}

// Changes returns the database's changes after params.Since. A continuous feed stays open until ctx is done
// or the database is destroyed.
func (m *MemServer) Changes(ctx context.Context, name string, params couchsys.ChangesParams) (*couchsys.Stream[couchsys.Item], error) {
	if err := m.failure("changes", name); err != nil {
		return nil, err
	}
	db, ok := m.dbs.Get(name)
	if !ok {
		return nil, errors.New(errors.NotFound, "Database does not exist.")
	}
	stream := couchsys.NewStream[couchsys.Item]()
	db.mu.Lock()
	defer db.mu.Unlock()
	since := parseSeq(params.Since)
	if since < 0 {
		since = db.seq
	}
	for _, item := range db.changes {
		if parseSeq(item.Get("seq").String()) > since {
			stream.Publish(item)
		}
	}
	if !params.IsContinuous() {
		stream.End()
		return stream, nil
	}
	db.subs = append(db.subs, stream)
	go endOnDone(ctx, stream)
	return stream, nil
}

// DBUpdates returns the live updates feed. It has no history. A continuous feed stays open until ctx is done,
// any other feed ends after the next update.
func (m *MemServer) DBUpdates(ctx context.Context, params couchsys.ChangesParams) (*couchsys.Stream[couchsys.Item], error) {
	if err := m.failure("db_updates", ""); err != nil {
		return nil, err
	}
	stream := couchsys.NewStream[couchsys.Item]()
	m.mu.Lock()
	m.updateSubs = append(m.updateSubs, stream)
	m.mu.Unlock()
	if params.IsContinuous() {
		go endOnDone(ctx, stream)
		return stream, nil
	}
	longpoll := couchsys.NewStream[couchsys.Item]()
	go func() {
		defer stream.Close()
		item, err := stream.Next(ctx)
		if err == nil {
			longpoll.Publish(item)
		}
		longpoll.End()
	}()
	return longpoll, nil
}

func endOnDone(ctx context.Context, stream *couchsys.Stream[couchsys.Item]) {
	select {
	case <-ctx.Done():
		stream.End()
	case <-stream.Closed():
	}
}
