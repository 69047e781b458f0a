package cmd

import (
	"github.com/aussiebroadwan/gatekeeper/internal/app"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := app.Load(cfgFile)
		if err != nil {
			return err
		}

		application, err := app.New(cfg)
		if err != nil {
			return err
		}
		return application.Run()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
