// Copyright © 2026 Teradata Corporation - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package sqlitedriver registers the pure-Go modernc.org/sqlite driver under
// the name "sqlite3" so every store in the platform opens databases the same
// way regardless of build environment. Secrets are encrypted at the field
// level (see pkg/secrets), so no database-level encryption is required.
//
// Import this package for its side effects only:
//
//	import _ "github.com/kilnworks/kiln/internal/sqlitedriver"
package sqlitedriver

import (
	"database/sql"

	"modernc.org/sqlite"
)

func init() {
	sql.Register("sqlite3", &sqlite.Driver{})
}
