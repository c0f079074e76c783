// Package migrations embeds the SQL schema of every logical store.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed accounts/*.sql clinical/*.sql research/*.sql
var files embed.FS

// For returns the migration files of the named store.
func For(store string) (fs.FS, error) {
	sub, err := fs.Sub(files, store)
	if err != nil {
		return nil, fmt.Errorf("migrations for %s: %w", store, err)
	}
	if _, err := fs.ReadDir(sub, "."); err != nil {
		return nil, fmt.Errorf("unknown store %q", store)
	}
	return sub, nil
}
