// Package mysql opens the shared MySQL connection pool and applies the
// embedded schema migrations. The per-domain stores live next to their
// domain packages and only receive the *sql.DB returned by Open.
package mysql
