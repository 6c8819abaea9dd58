// Package migrate applies the embedded schema migrations. Files under
// sql/ are named NNN_description.sql and run once each, in version order,
// inside a single transaction tracked by a schema_version row.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type step struct {
	version int
	name    string
	stmts   string
}

func steps() ([]step, error) {
	names, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	out := make([]step, 0, len(names))
	for _, name := range names {
		data, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		s := step{name: name, stmts: string(data)}
		if _, err := fmt.Sscanf(path.Base(name), "%d_", &s.version); err != nil {
			return nil, fmt.Errorf("migrate: bad migration filename %s: %w", name, err)
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Migrate brings the database to the newest embedded schema version.
func Migrate(db *sql.DB) error {
	all, err := steps()
	if err != nil {
		return err
	}
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("migrate: create schema_version: %w", err)
	}
	current := 0
	switch err := tx.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&current); err {
	case nil:
	case sql.ErrNoRows:
		if _, err := tx.Exec(`INSERT INTO schema_version(version) VALUES (0)`); err != nil {
			return fmt.Errorf("migrate: seed schema_version: %w", err)
		}
	default:
		return fmt.Errorf("migrate: read schema_version: %w", err)
	}

	for _, s := range all {
		if s.version <= current {
			continue
		}
		if _, err := tx.Exec(s.stmts); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", s.name, err)
		}
		if _, err := tx.Exec(`UPDATE schema_version SET version=?`, s.version); err != nil {
			return fmt.Errorf("migrate: record %s: %w", s.name, err)
		}
		current = s.version
	}
	return tx.Commit()
}
