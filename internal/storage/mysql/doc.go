// Package mysql persists swap sessions in MySQL. Each session is stored as a
// JSON document next to the columns used for filtering, and the schema is
// managed by the embedded migrations under deploy/migrations.
package mysql
