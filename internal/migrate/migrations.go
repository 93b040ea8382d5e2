// Package migrate brings the workspace database up to the latest embedded
// schema revision. Revision files live under sql/ as NNN_name.sql and run in
// ascending order; the applied revision is tracked in sqlite's user_version
// pragma so no bookkeeping table is needed.
package migrate

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var schemaFS embed.FS

type revision struct {
	version int
	name    string
	script  string
}

func revisions() ([]revision, error) {
	names, err := fs.Glob(schemaFS, "sql/*.sql")
	if err != nil {
		return nil, err
	}
	revs := make([]revision, 0, len(names))
	for _, name := range names {
		base := path.Base(name)
		prefix, _, ok := strings.Cut(base, "_")
		if !ok {
			return nil, fmt.Errorf("revision %s: name must be NNN_description.sql", base)
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("revision %s: %w", base, err)
		}
		script, err := fs.ReadFile(schemaFS, name)
		if err != nil {
			return nil, err
		}
		revs = append(revs, revision{version: version, name: base, script: string(script)})
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].version < revs[j].version })
	return revs, nil
}

// Migrate applies every revision newer than the database's user_version.
// All pending revisions commit atomically; a second call is a no-op.
func Migrate(db *sql.DB) error {
	revs, err := revisions()
	if err != nil {
		return err
	}

	var current int
	if err := db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	applied := current
	for _, r := range revs {
		if r.version <= current {
			continue
		}
		if _, err := tx.Exec(r.script); err != nil {
			return fmt.Errorf("revision %s: %w", r.name, err)
		}
		applied = r.version
	}
	if applied == current {
		return nil
	}
	// pragmas do not take bound parameters
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", applied)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return tx.Commit()
}
