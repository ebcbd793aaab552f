package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/elonfeng/ecoingest/internal/config"
	"github.com/elonfeng/ecoingest/internal/logging"
	"github.com/elonfeng/ecoingest/internal/scheduler"
	"github.com/elonfeng/ecoingest/internal/store"
	"github.com/elonfeng/ecoingest/pkg/catalog"
	"github.com/elonfeng/ecoingest/pkg/ingest"
	"github.com/elonfeng/ecoingest/pkg/server"
)

const appName = "ecoingest"

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

// setup loads config, builds the logger and opens the store.
func setup() (*config.Config, *slog.Logger, *store.SQLStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg, version, appName)
	slog.SetDefault(log)

	db, err := store.New(cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return cfg, log, db, nil
}

func buildIngester(cfg *config.Config, db store.Store, log *slog.Logger) *ingest.Ingester {
	return ingest.New(db, ingest.Options{
		IgnoreKeys:     cfg.Ingest.IgnoreKeys,
		ColumnCacheTTL: cfg.Ingest.ParseColumnCacheTTL(),
		Logger:         log,
	})
}

func runServe(port int) error {
	cfg, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	if port == 0 {
		port = cfg.Server.Port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := server.New(db, buildIngester(cfg, db, log), cfg.Station.ID, port, log)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runDaemon(port int) error {
	cfg, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	if port == 0 {
		port = cfg.Server.Port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	srv := server.New(db, buildIngester(cfg, db, log), cfg.Station.ID, port, log)
	sched := scheduler.New(db, cfg.Schedule.ParseAggregateInterval(), log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("shut down")
	return nil
}

func runIngest(station string, args []string, jsonOutput bool) error {
	payload, err := parseAssignments(args)
	if err != nil {
		return err
	}

	cfg, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	if station == "" {
		station = cfg.Station.ID
	}

	ctx := context.Background()
	res, ingestErr := buildIngester(cfg, db, log).Ingest(ctx, station, payload)

	if jsonOutput {
		out := map[string]any{"result": res}
		if ingestErr != nil {
			out["error"] = ingestErr.Error()
			out["severity"] = ingest.SeverityOf(ingestErr).String()
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return err
		}
		return ingestErr
	}

	if ingestErr != nil {
		return ingestErr
	}

	fmt.Printf("stored reading %d in %s (%d columns)\n", res.InsertedID, res.Table, len(res.Columns))
	if res.CreatedTable {
		fmt.Println("  created table")
	}
	for _, c := range res.AddedColumns {
		fmt.Printf("  added column %s\n", c)
	}
	return nil
}

func runAggregate(date, station string) error {
	day, err := parseDay(date, time.Now())
	if err != nil {
		return err
	}

	cfg, log, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	sched := scheduler.New(db, cfg.Schedule.ParseAggregateInterval(), log)
	ctx := context.Background()

	var n int
	if station != "" {
		n, err = sched.AggregateStation(ctx, station, day)
	} else {
		n, err = sched.AggregateDay(ctx, day)
	}
	if err != nil {
		return fmt.Errorf("aggregate %s: %w", day.Format("2006-01-02"), err)
	}

	fmt.Fprintf(os.Stderr, "aggregated %s: %d rows\n", day.Format("2006-01-02"), n)
	return nil
}

func runStations(jsonOutput bool) error {
	_, _, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	stations, err := db.ListStations(context.Background())
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stations)
	}

	if len(stations) == 0 {
		fmt.Println("no stations registered (they appear after the first upload)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATION\tTABLE")
	for _, s := range stations {
		fmt.Fprintf(w, "%d\t%s\t%s\n", s.ID, s.StationID, catalog.TableName(s.StationID))
	}
	return w.Flush()
}

func runColumns(station string, jsonOutput bool) error {
	cfg, _, db, err := setup()
	if err != nil {
		return err
	}
	defer db.Close()

	if station == "" {
		station = cfg.Station.ID
	}
	table := catalog.TableName(station)

	cols, err := db.TableColumns(context.Background(), table)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("table %s: %w", table, store.ErrNotFound)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cols)
	}

	known := catalog.Default()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "COLUMN\tPAYLOAD KEY")
	for _, c := range catalog.SensorColumns(cols) {
		key := c
		if col, ok := known.Lookup(c); ok {
			key = col.Key
		}
		fmt.Fprintf(w, "%s\t%s\n", c, key)
	}
	return w.Flush()
}

// parseAssignments turns key=value arguments into a payload.
func parseAssignments(args []string) (ingest.Payload, error) {
	p := make(ingest.Payload, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q, want key=value", a)
		}
		p[k] = v
	}
	return p, nil
}

func parseDay(s string, now time.Time) (time.Time, error) {
	if s == "" {
		return now, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --date %q, want YYYY-MM-DD", s)
	}
	return d, nil
}
