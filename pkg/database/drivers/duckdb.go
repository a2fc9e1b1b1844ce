//go:build cgo && duckdb && (linux || darwin || windows) && (amd64 || arm64)

// DuckDB is registered for database/sql behind build tags so default
// builds stay CGO-free. Enable with: CGO_ENABLED=1 go build -tags duckdb

package drivers

import (
	_ "github.com/marcboeker/go-duckdb"
)
