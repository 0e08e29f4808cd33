package main

import (
	"fmt"
	"os"

	"github.com/function61/gokit/dynversion"
	"github.com/function61/gokit/logex"
	"github.com/function61/gokit/osutil"
	"github.com/spf13/cobra"
)

const defaultConfigPath = "edgecert.json"

func main() {
	configPath := defaultConfigPath

	app := &cobra.Command{
		Use:     os.Args[0],
		Short:   "edgecert keeps the TLS certificates of unattended endpoints fresh",
		Version: dynversion.Version,
	}

	app.PersistentFlags().StringVarP(&configPath, "config", "c", configPath, "Path to configuration file")

	app.AddCommand(runEntry(&configPath))
	app.AddCommand(statusEntry(&configPath))
	app.AddCommand(crlUpdateEntry(&configPath))
	app.AddCommand(exampleServerEntry(&configPath))

	if err := app.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runEntry(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the lifecycle agents until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rootLogger := logex.StandardLogger()

			return run(
				osutil.CancelOnInterruptOrTerminate(rootLogger),
				*configPath,
				"",
				rootLogger)
		},
	}
}

func statusEntry(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show certificate status and what would be done about it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rootLogger := logex.StandardLogger()

			return status(osutil.CancelOnInterruptOrTerminate(rootLogger), *configPath, rootLogger)
		},
	}
}

func crlUpdateEntry(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "crl-update",
		Short: "Refresh CRL caches that are due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rootLogger := logex.StandardLogger()

			return crlUpdate(osutil.CancelOnInterruptOrTerminate(rootLogger), *configPath, rootLogger)
		},
	}
}

func exampleServerEntry(configPath *string) *cobra.Command {
	addr := ":443"

	cmd := &cobra.Command{
		Use:   "example-server",
		Short: "Run the agents plus a demo HTTPS server serving their certificates",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rootLogger := logex.StandardLogger()

			return run(
				osutil.CancelOnInterruptOrTerminate(rootLogger),
				*configPath,
				addr,
				rootLogger)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "", addr, "Address for the HTTPS server")

	return cmd
}
