package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = NewRootCommand()

func NewRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "salestream",
		Short: "salestream is a real-time sales transaction processing pipeline",
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	command.AddCommand(NewRunCommand())
	command.AddCommand(NewPublishCommand())
	return command
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
