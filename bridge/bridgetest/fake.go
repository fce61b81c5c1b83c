// Package bridgetest provides an in-memory bridge implementation used by
// tests. Databases, views, documents and failure injection are assembled
// with plain builders; no native bridge is involved.
package bridgetest

import (
	"fmt"
	"os"
	"time"

	"lode.evalgo.org/bridge"
)

// Connector hands out a fixed session.
type Connector struct {
	Sess    *Session
	OpenErr error

	// Opens counts OpenSession calls, including failed ones.
	Opens int
}

func NewConnector(sess *Session) *Connector {
	return &Connector{Sess: sess}
}

func (c *Connector) OpenSession(password string) (bridge.Session, error) {
	c.Opens++
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	return c.Sess, nil
}

// Session holds registered databases keyed by server and filepath.
type Session struct {
	databases map[string]*Database

	// DatabaseCalls counts Database lookups, open or not.
	DatabaseCalls int
}

func NewSession() *Session {
	return &Session{databases: map[string]*Database{}}
}

func dbKey(server, filepath string) string {
	return server + "!!" + filepath
}

// Add registers db under its server and filepath.
func (s *Session) Add(db *Database) *Session {
	s.databases[dbKey(db.server, db.filepath)] = db
	return s
}

// Database returns the registered handle, or a closed placeholder whose
// Open fails, mirroring how the native bridge reports unreachable paths.
func (s *Session) Database(server, filepath string) (bridge.Database, error) {
	s.DatabaseCalls++
	if db, ok := s.databases[dbKey(server, filepath)]; ok {
		return db, nil
	}
	return &Database{server: server, filepath: filepath, closed: true, unreachable: true}, nil
}

// Database is an in-memory upstream database.
type Database struct {
	server    string
	filepath  string
	title     string
	replicaID string

	closed      bool
	unreachable bool

	viewOrder []string
	views     map[string]*View
	docs      map[string]*Document

	// FetchedUNIDs records every DocumentByUNID call in order.
	FetchedUNIDs []string

	// FetchHook, when set, observes every DocumentByUNID call.
	FetchHook func(unid string)

	docFailures map[string]*failurePlan
}

type failurePlan struct {
	remaining int
	message   string
}

func NewDatabase(server, filepath, title string) *Database {
	return &Database{
		server:    server,
		filepath:  filepath,
		title:     title,
		replicaID: "8525623B0042F5BE",
		views:     map[string]*View{},
		docs:      map[string]*Document{},
	}
}

// Closed marks the handle as initially closed so Open must be called.
func (d *Database) Closed() *Database {
	d.closed = true
	return d
}

// WithReplicaID overrides the default replica id.
func (d *Database) WithReplicaID(id string) *Database {
	d.replicaID = id
	return d
}

// AddView registers a view on the database.
func (d *Database) AddView(v *View) *Database {
	if _, ok := d.views[v.name]; !ok {
		d.viewOrder = append(d.viewOrder, v.name)
	}
	d.views[v.name] = v
	return d
}

// AddDocument registers a document for UNID fetches.
func (d *Database) AddDocument(doc *Document) *Database {
	d.docs[doc.unid] = doc
	return d
}

// FailDocumentFetch injects times consecutive failures with the given
// message for fetches of unid.
func (d *Database) FailDocumentFetch(unid, message string, times int) *Database {
	if d.docFailures == nil {
		d.docFailures = map[string]*failurePlan{}
	}
	d.docFailures[unid] = &failurePlan{remaining: times, message: message}
	return d
}

// ResetFetchLog clears the recorded DocumentByUNID calls.
func (d *Database) ResetFetchLog() {
	d.FetchedUNIDs = nil
}

func (d *Database) IsOpen() bool { return !d.closed }

func (d *Database) Open(server, filepath string) error {
	if d.unreachable {
		return fmt.Errorf("unable to find path to server %q", server)
	}
	d.closed = false
	return nil
}

func (d *Database) Title() string     { return d.title }
func (d *Database) Server() string    { return d.server }
func (d *Database) FilePath() string  { return d.filepath }
func (d *Database) ReplicaID() string { return d.replicaID }

func (d *Database) ViewNames() ([]string, error) {
	names := make([]string, len(d.viewOrder))
	copy(names, d.viewOrder)
	return names, nil
}

func (d *Database) View(name string) (bridge.View, error) {
	v, ok := d.views[name]
	if !ok {
		return nil, fmt.Errorf("view %q not found", name)
	}
	return v, nil
}

func (d *Database) DocumentByUNID(unid string) (bridge.Document, error) {
	d.FetchedUNIDs = append(d.FetchedUNIDs, unid)
	if d.FetchHook != nil {
		d.FetchHook(unid)
	}
	if plan, ok := d.docFailures[unid]; ok && plan.remaining > 0 {
		plan.remaining--
		return nil, fmt.Errorf("%s", plan.message)
	}
	doc, ok := d.docs[unid]
	if !ok {
		return nil, bridge.ErrNotFound
	}
	return doc, nil
}

// View is an in-memory view with optional mid-iteration failure injection.
type View struct {
	name    string
	entries []viewEntry

	// failAt injects a failure when iteration reaches that entry index;
	// failTimes controls how many iterations fail before one succeeds.
	failAt      int
	failTimes   int
	failMessage string

	entriesFailures int
	entriesMessage  string

	// EntriesCalls counts Entries invocations, failed ones included.
	EntriesCalls int
}

type viewEntry struct {
	unid     string
	category any
	isDoc    bool
}

func NewView(name string) *View {
	return &View{name: name, failAt: -1}
}

// AddEntry appends a document entry with the given first-column value.
func (v *View) AddEntry(unid string, category any) *View {
	v.entries = append(v.entries, viewEntry{unid: unid, category: category, isDoc: true})
	return v
}

// AddCategoryRow appends a non-document row, as category headers appear in
// categorized views.
func (v *View) AddCategoryRow(label string) *View {
	v.entries = append(v.entries, viewEntry{category: label})
	return v
}

// FailIterationAt makes the next times iterations fail with message once
// they reach entry index at.
func (v *View) FailIterationAt(at, times int, message string) *View {
	v.failAt = at
	v.failTimes = times
	v.failMessage = message
	return v
}

// FailEntries makes the next times Entries calls fail with message.
func (v *View) FailEntries(message string, times int) *View {
	v.entriesMessage = message
	v.entriesFailures = times
	return v
}

func (v *View) Name() string { return v.name }

func (v *View) Entries() (bridge.EntryIterator, error) {
	v.EntriesCalls++
	if v.entriesFailures > 0 {
		v.entriesFailures--
		return nil, fmt.Errorf("%s", v.entriesMessage)
	}
	return &iterator{view: v}, nil
}

type iterator struct {
	view *View
	idx  int
}

func (it *iterator) Next() (bridge.Entry, error) {
	if it.view.failTimes > 0 && it.view.failAt >= 0 && it.idx == it.view.failAt {
		it.view.failTimes--
		return nil, fmt.Errorf("%s", it.view.failMessage)
	}
	if it.idx >= len(it.view.entries) {
		return nil, nil
	}
	e := it.view.entries[it.idx]
	it.idx++
	return &entry{e: e}, nil
}

type entry struct {
	e viewEntry
}

func (e *entry) IsDocument() bool { return e.e.isDoc }
func (e *entry) UNID() string     { return e.e.unid }

func (e *entry) ColumnValue(index int) (any, error) {
	if index == 0 {
		return e.e.category, nil
	}
	return nil, nil
}

// Document is an in-memory upstream document.
type Document struct {
	unid     string
	noteID   string
	created  *time.Time
	modified *time.Time
	items    []*Item
}

func NewDocument(unid string) *Document {
	short := unid
	if len(short) > 4 {
		short = short[:4]
	}
	return &Document{unid: unid, noteID: "NT0000" + short}
}

// WithTimes sets the created and modified timestamps.
func (d *Document) WithTimes(created, modified time.Time) *Document {
	d.created = &created
	d.modified = &modified
	return d
}

// AddItem appends an item.
func (d *Document) AddItem(items ...*Item) *Document {
	d.items = append(d.items, items...)
	return d
}

func (d *Document) UNID() string   { return d.unid }
func (d *Document) NoteID() string { return d.noteID }

func (d *Document) Created() (time.Time, bool) {
	if d.created == nil {
		return time.Time{}, false
	}
	return *d.created, true
}

func (d *Document) LastModified() (time.Time, bool) {
	if d.modified == nil {
		return time.Time{}, false
	}
	return *d.modified, true
}

func (d *Document) Items() ([]bridge.Item, error) {
	out := make([]bridge.Item, len(d.items))
	for i, it := range d.items {
		out[i] = it
	}
	return out, nil
}

// Item is an in-memory document item.
type Item struct {
	name   string
	typ    bridge.ItemType
	values []any
	text   string
	embeds []*Embed
}

// NewItem builds a simple (non-rich) item holding values.
func NewItem(name string, values ...any) *Item {
	return &Item{name: name, typ: bridge.ItemText, values: values}
}

// NewRichItem builds a rich-text item whose flattened text is text.
func NewRichItem(name, text string) *Item {
	return &Item{name: name, typ: bridge.ItemRichText, text: text}
}

// WithType overrides the item type.
func (i *Item) WithType(t bridge.ItemType) *Item {
	i.typ = t
	return i
}

// AddEmbed attaches an embedded object carrying payload.
func (i *Item) AddEmbed(name string, kind bridge.EmbedKind, payload []byte) *Item {
	i.embeds = append(i.embeds, &Embed{name: name, kind: kind, payload: payload})
	return i
}

func (i *Item) Name() string          { return i.name }
func (i *Item) Type() bridge.ItemType { return i.typ }
func (i *Item) Text() string          { return i.text }

func (i *Item) Values() ([]any, error) {
	return i.values, nil
}

func (i *Item) EmbeddedObjects() ([]bridge.EmbeddedObject, error) {
	out := make([]bridge.EmbeddedObject, len(i.embeds))
	for j, e := range i.embeds {
		out[j] = e
	}
	return out, nil
}

// Embed is an in-memory embedded object.
type Embed struct {
	name    string
	kind    bridge.EmbedKind
	payload []byte

	// ExtractErr, when set, makes ExtractTo fail.
	ExtractErr error
}

func (e *Embed) Name() string           { return e.name }
func (e *Embed) Kind() bridge.EmbedKind { return e.kind }

func (e *Embed) ExtractTo(path string) error {
	if e.ExtractErr != nil {
		return e.ExtractErr
	}
	return os.WriteFile(path, e.payload, 0o644)
}

var (
	_ bridge.Connector      = (*Connector)(nil)
	_ bridge.Session        = (*Session)(nil)
	_ bridge.Database       = (*Database)(nil)
	_ bridge.View           = (*View)(nil)
	_ bridge.EntryIterator  = (*iterator)(nil)
	_ bridge.Entry          = (*entry)(nil)
	_ bridge.Document       = (*Document)(nil)
	_ bridge.Item           = (*Item)(nil)
	_ bridge.EmbeddedObject = (*Embed)(nil)
)
