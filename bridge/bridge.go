// Package bridge defines the interface to the host object bridge that
// fronts the upstream document database, together with the retry envelope
// every call into it runs under.
//
// The bridge itself (COM or another FFI surface) lives outside this module;
// callers receive a Connector and never touch the native layer directly.
// Handles obtained from a Session are not safe for concurrent use.
package bridge

import (
	"errors"
	"time"
)

// ErrNotFound is returned by Database.DocumentByUNID when the id does not
// resolve to a document. It is not a transient condition.
var ErrNotFound = errors.New("document not found")

// Connector opens authenticated sessions against the host bridge.
type Connector interface {
	OpenSession(password string) (Session, error)
}

// Session is an authenticated bridge session.
type Session interface {
	// Database returns a handle for the database at server!!filepath.
	// The handle may come back closed; callers check IsOpen and may
	// retry Open or fall back to the local replica (empty server).
	Database(server, filepath string) (Database, error)
}

// Database is a handle to one upstream database.
type Database interface {
	IsOpen() bool
	Open(server, filepath string) error
	Title() string
	Server() string
	FilePath() string
	ReplicaID() string
	// ViewNames enumerates the names of all views in the database.
	ViewNames() ([]string, error)
	// View opens a view by its exact name.
	View(name string) (View, error)
	// DocumentByUNID fetches a document by its 32-char universal id.
	DocumentByUNID(unid string) (Document, error)
}

// View is a named, ordered projection of documents.
type View interface {
	Name() string
	// Entries starts a fresh iteration over the view's entries in view
	// order. Each call returns an independent iterator positioned before
	// the first entry.
	Entries() (EntryIterator, error)
}

// EntryIterator walks view entries sequentially. Next returns (nil, nil)
// once the iteration is exhausted.
type EntryIterator interface {
	Next() (Entry, error)
}

// Entry is a single row of a view. Category rows and total rows report
// IsDocument false and are skipped by snapshotting.
type Entry interface {
	IsDocument() bool
	UNID() string
	// ColumnValue returns the value of the entry's column at index, or nil
	// when the view has fewer columns.
	ColumnValue(index int) (any, error)
}

// Document is one upstream document with its items.
type Document interface {
	UNID() string
	NoteID() string
	Created() (time.Time, bool)
	LastModified() (time.Time, bool)
	Items() ([]Item, error)
}

// ItemType mirrors the upstream item type constants.
type ItemType int

const (
	ItemRichText  ItemType = 1
	ItemNumbers   ItemType = 768
	ItemDateTimes ItemType = 1024
	ItemText      ItemType = 1280
)

// Item is a named attribute of a document. Values carries the typed value
// list for simple items; Text carries the flattened text of rich items.
type Item interface {
	Name() string
	Type() ItemType
	Values() ([]any, error)
	Text() string
	EmbeddedObjects() ([]EmbeddedObject, error)
}

// EmbedKind mirrors the upstream embedded-object type constants.
type EmbedKind int

const (
	EmbedImage      EmbedKind = 1452
	EmbedOLE        EmbedKind = 1453
	EmbedAttachment EmbedKind = 1454
)

// EmbeddedObject is a binary object carried by a rich-text item.
type EmbeddedObject interface {
	Name() string
	Kind() EmbedKind
	// ExtractTo writes the object's bytes to path.
	ExtractTo(path string) error
}
