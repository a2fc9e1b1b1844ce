package drivers

import (
	// The pgx stdlib shim registers itself under the "pgx" name, which is
	// exactly what -db-type=pgx selects.
	_ "github.com/jackc/pgx/v5/stdlib"
)
