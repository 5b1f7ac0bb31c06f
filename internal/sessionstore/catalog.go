package sessionstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver, registers "sqlite"
)

// catalog is a derived, queryable listing of sessions, kept in sync with the
// filesystem on every WriteState/DeleteSession. It exists only to make
// ListSessions (and, eventually, filtering by graph or status) cheap without
// a directory scan once a deployment accumulates many sessions; the
// filesystem layout under Store.root remains the source of truth.
type catalog struct {
	db *sql.DB
}

func openCatalog(path string) (*catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	graph_id TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: create schema: %w", err)
	}
	return &catalog{db: db}, nil
}

func (c *catalog) upsert(id string, st *State) error {
	const stmt = `
INSERT INTO sessions (id, graph_id, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET graph_id = excluded.graph_id, status = excluded.status, updated_at = excluded.updated_at;`
	_, err := c.db.Exec(stmt, id, st.GraphID, string(st.Status), st.CreatedAt, st.UpdatedAt)
	return err
}

func (c *catalog) remove(id string) error {
	_, err := c.db.Exec(`DELETE FROM sessions WHERE id = ?;`, id)
	return err
}

func (c *catalog) list() ([]string, error) {
	rows, err := c.db.Query(`SELECT id FROM sessions ORDER BY updated_at DESC;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// byStatus returns sessions with a given status, most recently updated
// first.
func (c *catalog) byStatus(status Status) ([]string, error) {
	rows, err := c.db.Query(`SELECT id FROM sessions WHERE status = ? ORDER BY updated_at DESC;`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (c *catalog) close() error {
	return c.db.Close()
}
