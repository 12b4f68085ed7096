// Package migrations embeds the schema migrations and seed files so
// the binaries carry their own SQL.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql
var sqlFS embed.FS

//go:embed seeds/*.sql
var seedFS embed.FS

// SQL returns the migration files.
func SQL() fs.FS {
	sub, err := fs.Sub(sqlFS, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Seeds returns the seed files.
func Seeds() fs.FS {
	sub, err := fs.Sub(seedFS, "seeds")
	if err != nil {
		panic(err)
	}
	return sub
}
