package main

import (
	"fmt"
	"strings"

	"AgentEscrow/internal/config"
	"AgentEscrow/internal/storage/mysql"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "对 MySQL 执行内置的数据库迁移",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.ResolvePath(*configPath))
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Storage.MySQL.DSN) == "" {
				return fmt.Errorf("未配置 storage.mysql.dsn")
			}
			db, err := mysql.Open(cmd.Context(), mysqlConfig(cfg.Storage.MySQL))
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := mysql.Migrate(cmd.Context(), db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(applied) == 0 {
				fmt.Fprintln(out, color.YellowString("数据库已是最新版本"))
				return nil
			}
			for _, version := range applied {
				fmt.Fprintf(out, "%s %s\n", color.GreenString("已应用"), version)
			}
			return nil
		},
	}
}

func mysqlConfig(cfg config.MySQLConfig) mysql.Config {
	return mysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime.Std(),
		ConnMaxIdleTime: cfg.ConnMaxIdleTime.Std(),
	}
}
