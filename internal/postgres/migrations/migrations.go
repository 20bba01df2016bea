// Package migrations embeds the schema SQL applied by the migrate command.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

// Files lists migrations in apply order.
var Files = []string{
	"001_create_tasks.sql",
	"002_create_dependencies.sql",
	"003_create_task_groups.sql",
	"004_create_artifacts.sql",
}
