package migrations

import "embed"

// Files 暴露按版本号命名的 SQL 迁移文件，由 storage/mysql.Migrate 按序执行。
//
//go:embed *.sql
var Files embed.FS
