// Package migrations embeds the SQL schema and development seeds.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed sql/*.sql seeds/*.sql
var files embed.FS

// SQL returns the schema migrations (*.up.sql / *.down.sql).
func SQL() fs.FS { return sub("sql") }

// Seeds returns the development seed files.
func Seeds() fs.FS { return sub("seeds") }

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return f
}
