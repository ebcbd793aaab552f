package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	version = "dev"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ecoingest",
		Short:         "Store weather station gateway uploads in SQLite or MySQL",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml)")

	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(aggregateCmd())
	root.AddCommand(stationsCmd())
	root.AddCommand(columnsCmd())

	return root
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the upload endpoint and read API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func runCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the HTTP server and the daily aggregate scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "server port (default: from config)")
	return cmd
}

func ingestCmd() *cobra.Command {
	var (
		station    string
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "ingest key=value...",
		Short: "Store one reading given as key=value pairs",
		Example: "  ecoingest ingest tempf=72.5 humidity=40 tempinf=70.0\n" +
			"  ecoingest ingest --station garden tempf=61 uv=3",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(station, args, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&station, "station", "", "station id (default: from config)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func aggregateCmd() *cobra.Command {
	var (
		date    string
		station string
	)

	cmd := &cobra.Command{
		Use:   "aggregate",
		Short: "Recompute daily aggregates once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAggregate(date, station)
		},
	}

	cmd.Flags().StringVar(&date, "date", "", "day to aggregate, YYYY-MM-DD (default: today)")
	cmd.Flags().StringVar(&station, "station", "", "only this station (default: all registered)")
	return cmd
}

func stationsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "stations",
		Short: "List registered stations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStations(jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

func columnsCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "columns [station]",
		Short: "Show the persisted columns of a station table",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			station := ""
			if len(args) == 1 {
				station = args[0]
			}
			return runColumns(station, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}
