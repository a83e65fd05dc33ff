// Package migrations embeds the goose SQL migrations for the control-plane
// database. New deployment_status variants are only ever added; removing a
// variant that exists in a live database is forbidden.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
