package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/elonfeng/ecoingest/internal/store"
	"github.com/elonfeng/ecoingest/pkg/catalog"
)

// Payload is one gateway upload: sensor key to textual value.
type Payload map[string]string

// PayloadFromForm flattens form values. For repeated keys the last value wins.
func PayloadFromForm(form url.Values) Payload {
	p := make(Payload, len(form))
	for k, vs := range form {
		if len(vs) == 0 {
			continue
		}
		p[k] = vs[len(vs)-1]
	}
	return p
}

// Keys returns the payload keys in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Result describes a completed (or partially completed) ingest.
type Result struct {
	Table        string   `json:"table"`
	StationID    string   `json:"station_id"`
	StationRowID int64    `json:"station_row_id"`
	CreatedTable bool     `json:"created_table"`
	AddedColumns []string `json:"added_columns,omitempty"`
	Statement    string   `json:"statement"`
	Columns      []string `json:"columns"`
	InsertedID   int64    `json:"inserted_id"`
}

// Options configures an Ingester. Zero values get defaults.
type Options struct {
	Catalog        catalog.Catalog
	IgnoreKeys     []string
	ColumnCacheTTL time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Ingester turns payloads into weather table rows.
type Ingester struct {
	store  store.Store
	base   catalog.Catalog
	ignore []string
	cols   *cache.Cache
	locks  sync.Map
	log    *slog.Logger
	now    func() time.Time
}

// New creates an Ingester writing to s.
func New(s store.Store, opts Options) *Ingester {
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.ColumnCacheTTL <= 0 {
		opts.ColumnCacheTTL = 10 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ingester{
		store:  s,
		base:   opts.Catalog,
		ignore: opts.IgnoreKeys,
		cols:   cache.New(opts.ColumnCacheTTL, 2*opts.ColumnCacheTTL),
		log:    opts.Logger.With("component", "ingest"),
		now:    opts.Now,
	}
}

// Ingest stores one payload for stationID. On failure the returned Result
// holds whatever was resolved before the failing step and the error is an
// *Error carrying its severity.
func (in *Ingester) Ingest(ctx context.Context, stationID string, payload Payload) (*Result, error) {
	table := catalog.TableName(stationID)
	res := &Result{Table: table, StationID: stationID}

	if stationID == "" || !catalog.ValidIdent(table) {
		return res, &Error{Severity: Fatal, Op: "station", Err: fmt.Errorf("%w: %q", ErrInvalidStation, stationID)}
	}

	cat := in.reconcile(ctx, table, payload, res)
	res.Columns = cat.Names()

	st, created, err := in.store.EnsureStation(ctx, stationID)
	if err != nil {
		return res, &Error{Severity: Fatal, Op: "registry", Err: err}
	}
	res.StationRowID = st.ID
	if created {
		in.log.Info("registered station", "station", stationID, "row_id", st.ID)
	}

	ts := in.now().Format(store.TimeLayout)
	values := ApplyDefaults(payload, cat)

	args := make([]any, len(cat))
	for i, col := range cat {
		if v, ok := FormatDecimal(values[col.Key]); ok {
			args[i] = v
		}
	}

	ins, err := in.store.InsertReading(ctx, table, ts, cat, args)
	res.Statement = ins.Statement
	if err != nil {
		return res, &Error{Severity: Reported, Op: "insert", Statement: ins.Statement, Err: err}
	}
	res.InsertedID = ins.ID

	in.log.Debug("stored reading", "station", stationID, "id", ins.ID, "columns", len(cat))
	return res, nil
}

// reconcile builds the request catalog and brings the table in line with it.
// DDL failures are logged and otherwise ignored; the insert will surface them.
func (in *Ingester) reconcile(ctx context.Context, table string, payload Payload, res *Result) catalog.Catalog {
	unlock := in.lock(table)
	defer unlock()

	existing, err := in.tableColumns(ctx, table)
	cat, rejected := in.base.WithColumns(existing).Extend(payload.Keys(), in.ignore)
	if len(rejected) > 0 {
		in.log.Warn("skipping payload keys", "table", table, "keys", rejected)
	}
	if err != nil {
		in.log.Warn("load table columns", "table", table, "error", err)
		return cat
	}

	if len(existing) == 0 {
		if err := in.store.CreateWeatherTable(ctx, table, cat); err != nil {
			in.log.Warn("create table", "table", table, "error", err)
			return cat
		}
		res.CreatedTable = true
		in.log.Info("created weather table", "table", table, "columns", len(cat))
		in.cols.Delete(table)
		return cat
	}

	for _, col := range cat.Missing(existing) {
		if err := in.store.AddColumn(ctx, table, col); err != nil {
			in.log.Warn("add column", "table", table, "column", col.Name, "error", err)
			continue
		}
		res.AddedColumns = append(res.AddedColumns, col.Name)
		in.log.Info("added column", "table", table, "column", col.Name)
	}
	if len(res.AddedColumns) > 0 {
		in.cols.Delete(table)
	}
	return cat
}

func (in *Ingester) tableColumns(ctx context.Context, table string) ([]string, error) {
	if v, ok := in.cols.Get(table); ok {
		return v.([]string), nil
	}
	cols, err := in.store.TableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	// An empty result means no table yet; don't remember that.
	if len(cols) > 0 {
		in.cols.SetDefault(table, cols)
	}
	return cols, nil
}

func (in *Ingester) lock(table string) func() {
	v, _ := in.locks.LoadOrStore(table, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
