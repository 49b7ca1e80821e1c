package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version 可在构建时覆盖：
// go build -ldflags "-X main.version=1.2.3" ./cmd/escrowd
var version = "0.1.0"

const logo = "\n" +
	"  ___ ___  ___ _ __ _____      ____| |\n" +
	" / _ / __|/ __| '__/ _ \\ \\ /\\ / / _` |\n" +
	"|  __\\__ \\ (__| | | (_) \\ V  V / (_| |\n" +
	" \\___|___/\\___|_|  \\___/ \\_/\\_/ \\__,_|\n"

// main 是 escrowd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("escrowd 运行失败: %v", err))
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "escrowd",
		Short:         "escrowd - 多智能体交易编排与托管服务",
		Long:          color.CyanString(logo) + "\n多智能体流水线、双脑合并与托管状态机的守护进程。",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "配置文件路径，默认读取 ESCROW_CONFIG 或 configs/escrow.json")

	root.AddCommand(newServeCmd(&configPath), newMigrateCmd(&configPath), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本号",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "escrowd %s\n", color.GreenString(version))
		},
	}
}
