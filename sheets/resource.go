package sheets

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sheetmesh/engine"
	"sheetmesh/replog"
	"sheetmesh/result"
	"sheetmesh/syncpoint"
	"sheetmesh/version"
)

// MaxImportDepth bounds chains of importrange across sheets.
const MaxImportDepth = 8

// Resource is the replicated sheets service of one domain on one replica.
//
// Writes are appended to the domain's log and answered with whatever the
// log consumer produced when it applied them. Reads wait until the replica
// has applied the version the caller asks for.
type Resource struct {
	domain    string
	publisher string
	log       replog.Log
	sp        *syncpoint.SyncPoint
	state     *State
	remotes   *Remotes
	validate  *validator.Validate
	applied   *prometheus.CounterVec
	logger    *zap.Logger
}

type ResourceConfig struct {
	Domain string
	// Publisher identifies this replica in the envelopes it appends.
	Publisher string
	Log       replog.Log
	SyncPoint *syncpoint.SyncPoint
	State     *State
	// Remotes reaches the sheets of other domains. Nil disables
	// cross-domain imports.
	Remotes *Remotes
	Logger  *zap.Logger
}

func NewResource(cfg ResourceConfig) *Resource {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resource{
		domain:    cfg.Domain,
		publisher: cfg.Publisher,
		log:       cfg.Log,
		sp:        cfg.SyncPoint,
		state:     cfg.State,
		remotes:   cfg.Remotes,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sheetmesh",
			Subsystem: "sheets",
			Name:      "records_applied_total",
			Help:      "Log records applied, by event type and outcome kind.",
		}, []string{"event", "kind"}),
		logger: logger.Named("sheets").With(zap.String("domain", cfg.Domain)),
	}
}

func (r *Resource) Domain() string {
	return r.domain
}

func (r *Resource) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{r.applied}
}

// Run consumes the domain's log from the beginning until ctx ends. Every
// record advances the sync point, whether it applied cleanly or not.
func (r *Resource) Run(ctx context.Context) error {
	r.logger.Info("consuming log")
	return r.log.Subscribe(ctx, r.domain, 0, r.consume)
}

func (r *Resource) consume(ctx context.Context, rec replog.Record) error {
	env, ev, err := Open(rec.Value)
	if err != nil {
		r.logger.Error("undecodable record", zap.Int64("seq", rec.Offset), zap.Error(err))
		r.applied.WithLabelValues("unknown", result.InternalError.String()).Inc()
		r.sp.SetResult(rec.Offset, result.Fail[string](result.InternalError, "undecodable record: %v", err))
		return nil
	}

	res := r.state.Apply(ctx, ev)
	r.logger.Debug("applied",
		zap.Int64("seq", rec.Offset),
		zap.Stringer("event", env.Type),
		zap.String("publisher", env.Publisher),
		zap.Stringer("kind", res.Kind))
	r.applied.WithLabelValues(env.Type.String(), res.Kind.String()).Inc()
	r.sp.SetResult(rec.Offset, res)
	return nil
}

// publish appends ev and waits for the consumer to apply it.
func (r *Resource) publish(ctx context.Context, ev Event) result.Result[string] {
	data, err := Seal(r.domain, r.publisher, ev)
	if err != nil {
		return result.Fail[string](result.InternalError, "%v", err)
	}
	seq, err := r.log.Append(ctx, r.domain, data)
	if err != nil || seq < 0 {
		return result.Fail[string](result.InternalError, "append %s: %v", ev.Type(), err)
	}

	res, err := r.sp.WaitForResult(ctx, seq)
	if err != nil {
		// The record is in the log; it must not look retriable.
		return result.Fail[string](result.InternalError, "%s at %d not applied in time", ev.Type(), seq)
	}
	out, ok := res.(result.Result[string])
	if !ok {
		out = result.Fail[string](result.InternalError, "no result for %s at %d", ev.Type(), seq)
	}
	return stamp(r, out)
}

// stamp adds the version this replica has applied.
func stamp[T any](r *Resource, res result.Result[T]) result.Result[T] {
	return res.With(version.Header(r.domain), strconv.FormatInt(r.sp.CurrentVersion(), 10))
}

func (r *Resource) badRequest(err error) result.Result[string] {
	return result.Fail[string](result.BadRequest, "%v", err)
}

func (r *Resource) CreateSheet(ctx context.Context, sheet Spreadsheet, password string) result.Result[string] {
	if err := r.validate.StructCtx(ctx, sheet); err != nil {
		return r.badRequest(err)
	}
	if err := checkShape(&sheet); err != nil {
		return r.badRequest(err)
	}
	if password == "" {
		return result.Fail[string](result.BadRequest, "password is required")
	}
	sheet.SheetID = uuid.NewString()
	return r.publish(ctx, CreateSheet{Sheet: sheet, Password: password})
}

func (r *Resource) DeleteSheet(ctx context.Context, sheetID, password string) result.Result[string] {
	if sheetID == "" || password == "" {
		return result.Fail[string](result.BadRequest, "sheet id and password are required")
	}
	return r.publish(ctx, DeleteSheet{SheetID: sheetID, Password: password})
}

func (r *Resource) UpdateCell(ctx context.Context, sheetID, cell, rawValue, userID, password string) result.Result[string] {
	if sheetID == "" || userID == "" || password == "" {
		return result.Fail[string](result.BadRequest, "sheet id, user id and password are required")
	}
	if _, _, err := engine.ParseCell(cell); err != nil {
		return r.badRequest(err)
	}
	return r.publish(ctx, UpdateCell{SheetID: sheetID, Cell: cell, RawValue: rawValue, UserID: userID, Password: password})
}

// Share grants qualifiedUser ("user@domain") read access.
func (r *Resource) Share(ctx context.Context, sheetID, qualifiedUser, password string) result.Result[string] {
	if err := r.validateShare(sheetID, qualifiedUser, password); err != nil {
		return r.badRequest(err)
	}
	return r.publish(ctx, Share{SheetID: sheetID, UserID: qualifiedUser, Password: password})
}

func (r *Resource) Unshare(ctx context.Context, sheetID, qualifiedUser, password string) result.Result[string] {
	if err := r.validateShare(sheetID, qualifiedUser, password); err != nil {
		return r.badRequest(err)
	}
	return r.publish(ctx, Unshare{SheetID: sheetID, UserID: qualifiedUser, Password: password})
}

func (r *Resource) validateShare(sheetID, qualifiedUser, password string) error {
	if sheetID == "" || password == "" {
		return errors.New("sheet id and password are required")
	}
	return r.validate.Var(qualifiedUser, "required,contains=@")
}

func (r *Resource) DeleteUserSheets(ctx context.Context, userID, password string) result.Result[string] {
	if userID == "" || password == "" {
		return result.Fail[string](result.BadRequest, "user id and password are required")
	}
	return r.publish(ctx, DeleteUserSheets{UserID: userID, Password: password})
}

// await blocks until this replica has applied what vv asks of its domain.
func (r *Resource) await(ctx context.Context, vv version.Vector) error {
	want := vv.Get(r.domain)
	if err := r.sp.WaitForVersion(ctx, want); err != nil {
		return result.Errorf(result.NotAvailable, "replica has not reached version %d of %s", want, r.domain)
	}
	return nil
}

func (r *Resource) GetSheet(ctx context.Context, vv version.Vector, sheetID, userID, password string) result.Result[Spreadsheet] {
	if sheetID == "" || userID == "" {
		return result.Fail[Spreadsheet](result.BadRequest, "sheet id and user id are required")
	}
	if err := r.await(ctx, vv); err != nil {
		return result.FromError[Spreadsheet](err)
	}
	sheet, err := r.state.Sheet(ctx, sheetID, userID, password)
	if err != nil {
		return stamp(r, result.FromError[Spreadsheet](err))
	}
	return stamp(r, result.Ok(*sheet))
}

// GetValues computes a sheet. Ranges imported from other domains are read
// at least at the versions vv holds for them, and the versions they answer
// with are merged into the response.
func (r *Resource) GetValues(ctx context.Context, vv version.Vector, sheetID, userID, password string) result.Result[[][]string] {
	if sheetID == "" || userID == "" {
		return result.Fail[[][]string](result.BadRequest, "sheet id and user id are required")
	}
	if err := r.await(ctx, vv); err != nil {
		return result.FromError[[][]string](err)
	}
	sheet, err := r.state.Sheet(ctx, sheetID, userID, password)
	if err != nil {
		return stamp(r, result.FromError[[][]string](err))
	}
	return r.compute(ctx, vv, sheet, nil, 0, imports{})
}

// GetReferencedValues serves an importrange of another sheet: the range
// of sheetID seen by qualifiedUser. depth counts the imports already
// followed to get here.
func (r *Resource) GetReferencedValues(ctx context.Context, vv version.Vector, sheetID, qualifiedUser, rng string, depth int) result.Result[[][]string] {
	return r.referenced(ctx, vv, sheetID, qualifiedUser, rng, depth, imports{})
}

// imports memoizes the local ranges read while computing one request.
type imports map[importKey]result.Result[[][]string]

type importKey struct {
	sheetID, user, rng string
}

func (r *Resource) referenced(ctx context.Context, vv version.Vector, sheetID, qualifiedUser, rng string, depth int, memo imports) result.Result[[][]string] {
	if sheetID == "" || qualifiedUser == "" {
		return result.Fail[[][]string](result.BadRequest, "sheet id and user id are required")
	}
	parsed, err := engine.ParseRange(rng)
	if err != nil {
		return result.Fail[[][]string](result.BadRequest, "%v", err)
	}
	if depth > MaxImportDepth {
		return result.Fail[[][]string](result.BadRequest, "importrange chain deeper than %d", MaxImportDepth)
	}
	if err := r.await(ctx, vv); err != nil {
		return result.FromError[[][]string](err)
	}
	sheet, err := r.state.ReferencedSheet(sheetID, qualifiedUser)
	if err != nil {
		return stamp(r, result.FromError[[][]string](err))
	}
	return r.compute(ctx, vv, sheet, &parsed, depth, memo)
}

func (r *Resource) compute(ctx context.Context, vv version.Vector, sheet *Spreadsheet, only *engine.Range, depth int, memo imports) result.Result[[][]string] {
	grid := engine.Grid{Rows: sheet.Rows, Columns: sheet.Columns, Raw: sheet.RawValues}
	values, imported := engine.Compute(ctx, grid, r.resolver(vv, sheet.Owner, depth, memo))
	if only != nil {
		values = only.Extract(values)
	}
	seen := imported.Clone()
	seen.Observe(r.domain, r.sp.CurrentVersion())
	return result.Ok(values).WithMetadata(seen.Metadata())
}

// resolver imports ranges on behalf of owner. Local sheets are read from
// this replica, once per range and request; remote ones through the sheets
// replicas of their domain.
func (r *Resource) resolver(vv version.Vector, owner string, depth int, memo imports) engine.Resolver {
	user := QualifiedUser(owner, r.domain)
	return func(ctx context.Context, sheetURL string, rng engine.Range) ([][]string, version.Vector, error) {
		domain, sheetID, err := ParseSheetURL(sheetURL)
		if err != nil {
			return nil, nil, err
		}

		var res result.Result[[][]string]
		if domain == r.domain {
			key := importKey{sheetID, user, rng.String()}
			cached, ok := memo[key]
			if !ok {
				cached = r.referenced(ctx, vv, sheetID, user, key.rng, depth+1, memo)
				memo[key] = cached
			}
			res = cached
		} else if r.remotes != nil {
			res = r.remotes.For(domain).GetReferencedValues(ctx, vv.Only(domain), sheetID, user, rng.String(), depth+1)
		} else {
			return nil, nil, result.Errorf(result.NotImplemented, "no route to domain %s", domain)
		}
		return res.Value, version.FromMetadata(res.Metadata), res.Err()
	}
}
