// xdispatch-cli — инструмент оператора для admin API xdispatch-server.
//
// Использование:
//
//	xdispatch-cli [--api-url URL] [--token TOKEN] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	rule      Правила классификации ошибок
//	job       Просмотр jobs
//	sessions  Счётчики сессий
//	sweep     Задачи обслуживания
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/xdispatch/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL, token string
	var jsonOutput bool

	rootCmd := &cobra.Command{
		Use:           "xdispatch-cli",
		Short:         "xdispatch operator CLI",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8085", "Admin API URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("ADMIN_TOKEN"), "Admin API bearer token (default $ADMIN_TOKEN)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL, token) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewRuleCmd(clientFn, outputFn),
		cli.NewJobCmd(clientFn, outputFn),
		cli.NewSessionsCmd(clientFn, outputFn),
		cli.NewSweepCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
