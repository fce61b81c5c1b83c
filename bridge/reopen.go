package bridge

import "fmt"

// ReopenContext is the capability handed to retry loops that lets them
// rebuild the session, database and view handles after an upstream loss.
// It carries the two closures needed to get back to a working state rather
// than any global session.
type ReopenContext struct {
	openDB  func() (Database, error)
	getView func(db Database, name string) (View, error)

	db       Database
	view     View
	viewName string
}

// NewReopenContext builds a reopen capability from the closure that opens
// the plan's database and the closure that resolves a view by name.
func NewReopenContext(openDB func() (Database, error), getView func(db Database, name string) (View, error)) *ReopenContext {
	return &ReopenContext{openDB: openDB, getView: getView}
}

// Track seeds the context with handles that are already open, so the first
// use does not reopen them.
func (rc *ReopenContext) Track(db Database, view View, viewName string) {
	rc.db = db
	rc.view = view
	rc.viewName = viewName
}

// DB returns the current database handle, opening it on first use.
func (rc *ReopenContext) DB() (Database, error) {
	if rc.db == nil {
		if err := rc.ReopenDB(); err != nil {
			return nil, err
		}
	}
	return rc.db, nil
}

// View returns the currently tracked view handle.
func (rc *ReopenContext) View() View {
	return rc.view
}

// ReopenDB rebuilds the database handle and, when a view is tracked,
// re-resolves it against the fresh handle.
func (rc *ReopenContext) ReopenDB() error {
	db, err := rc.openDB()
	if err != nil {
		return fmt.Errorf("failed to reopen database: %w", err)
	}
	rc.db = db
	if rc.viewName != "" {
		view, err := rc.getView(rc.db, rc.viewName)
		if err != nil {
			return fmt.Errorf("failed to reopen view %q: %w", rc.viewName, err)
		}
		rc.view = view
	}
	return nil
}

// ReopenView starts tracking name and resolves it against the current
// database handle.
func (rc *ReopenContext) ReopenView(name string) error {
	rc.viewName = name
	if rc.db == nil {
		return rc.ReopenDB()
	}
	view, err := rc.getView(rc.db, name)
	if err != nil {
		return fmt.Errorf("failed to reopen view %q: %w", name, err)
	}
	rc.view = view
	return nil
}
