// Package migrate applies the embedded schema migrations for the
// workspace database.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type step struct {
	version int
	name    string
	stmts   string
}

// steps reads the embedded sql directory. File names are NNN_label.sql;
// the numeric prefix is the schema version the file brings the database to.
func steps() ([]step, error) {
	entries, err := fs.ReadDir(schemaFS, "sql")
	if err != nil {
		return nil, err
	}
	out := make([]step, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migrate: %s has no version prefix", e.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("migrate: bad version prefix in %s", e.Name())
		}
		body, err := schemaFS.ReadFile("sql/" + e.Name())
		if err != nil {
			return nil, err
		}
		out = append(out, step{version: v, name: e.Name(), stmts: string(body)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// SchemaVersion reports the applied schema version, 0 for a fresh database.
func SchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}
	var v int
	err = db.QueryRow(`SELECT version FROM schema_version`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

// Migrate brings the database up to the latest embedded schema version.
// Each pending step runs in its own transaction together with its
// version bump, so a failed step leaves the database at the last good
// version instead of half-applied.
func Migrate(db *sql.DB) error {
	all, err := steps()
	if err != nil {
		return err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("migrate: ensure schema_version: %w", err)
	}
	current, err := SchemaVersion(db)
	if err != nil {
		return fmt.Errorf("migrate: read version: %w", err)
	}

	for _, s := range all {
		if s.version <= current {
			continue
		}
		if err := applyStep(db, s, current); err != nil {
			return err
		}
		current = s.version
	}
	return nil
}

func applyStep(db *sql.DB, s step, from int) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(s.stmts); err != nil {
		return fmt.Errorf("migrate: apply %s: %w", s.name, err)
	}
	var res sql.Result
	if from == 0 {
		res, err = tx.Exec(`INSERT INTO schema_version(version) VALUES (?)`, s.version)
	} else {
		res, err = tx.Exec(`UPDATE schema_version SET version=?`, s.version)
	}
	if err != nil {
		return fmt.Errorf("migrate: bump to %d: %w", s.version, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("migrate: version row missing at %s", s.name)
	}
	return tx.Commit()
}
