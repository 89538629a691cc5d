package sheets

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"sheetmesh/client"
	"sheetmesh/codec"
	"sheetmesh/discovery"
	"sheetmesh/engine"
	"sheetmesh/replog"
	"sheetmesh/result"
	"sheetmesh/server"
	"sheetmesh/syncpoint"
	"sheetmesh/users"
	"sheetmesh/version"
)

func newDirectory(t *testing.T, ids ...string) *users.Service {
	t.Helper()
	svc := users.NewService(zaptest.NewLogger(t))
	for _, id := range ids {
		_, err := svc.CreateUser(context.Background(), users.User{UserID: id, FullName: id, Email: id + "@example.org", Password: id + "-pw"})
		require.NoError(t, err)
	}
	return svc
}

func newResource(t *testing.T, domain string, log replog.Log, dir users.Directory, remotes *Remotes) *Resource {
	t.Helper()
	return NewResource(ResourceConfig{
		Domain:    domain,
		Publisher: t.Name(),
		Log:       log,
		SyncPoint: syncpoint.New(),
		State:     NewState(domain, dir),
		Remotes:   remotes,
		Logger:    zaptest.NewLogger(t),
	})
}

func run(t *testing.T, r *Resource) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func versionOf[T any](r result.Result[T], domain string) int64 {
	return version.FromMetadata(r.Metadata).Get(domain)
}

func TestReadYourWrites(t *testing.T) {
	ctx := context.Background()
	res := newResource(t, "d1", replog.NewMemory(), newDirectory(t, "alice"), nil)
	run(t, res)

	created := res.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 2, Columns: 2}, "alice-pw")
	require.True(t, created.IsOK(), created.Msg)
	sheetID := created.Value
	assert.GreaterOrEqual(t, versionOf(created, "d1"), int64(0))

	vv := version.Vector{}
	for _, u := range []struct{ cell, raw string }{{"A1", "41"}, {"B1", "=A1+1"}, {"A2", "hello"}} {
		r := res.UpdateCell(ctx, sheetID, u.cell, u.raw, "alice", "alice-pw")
		require.True(t, r.IsOK(), r.Msg)
		vv.Merge(version.FromMetadata(r.Metadata))
	}

	values := res.GetValues(ctx, vv, sheetID, "alice", "alice-pw")
	require.True(t, values.IsOK(), values.Msg)
	assert.Equal(t, [][]string{{"41", "42"}, {"hello", ""}}, values.Value)
	assert.GreaterOrEqual(t, versionOf(values, "d1"), vv.Get("d1"))

	sheet := res.GetSheet(ctx, vv, sheetID, "alice", "alice-pw")
	require.True(t, sheet.IsOK(), sheet.Msg)
	assert.Equal(t, SheetURL("d1", sheetID), sheet.Value.SheetURL)
	assert.Equal(t, "=A1+1", sheet.Value.RawValues[0][1])

	assert.Equal(t, 4.0, testutil.ToFloat64(res.applied.WithLabelValues(UpdateCellEvent.String(), result.OK.String()))+
		testutil.ToFloat64(res.applied.WithLabelValues(CreateSheetEvent.String(), result.OK.String())))
}

func TestWriteOutcomes(t *testing.T) {
	ctx := context.Background()
	log := replog.NewMemory()
	res := newResource(t, "d1", log, newDirectory(t, "alice", "bob"), nil)
	run(t, res)

	kind := func(r result.Result[string]) result.Kind {
		_, stamped := r.Metadata[version.Header("d1")]
		assert.True(t, r.Kind == result.BadRequest || stamped, "%v carries no version", r)
		return r.Kind
	}

	// Malformed requests are answered without touching the log.
	for name, r := range map[string]result.Result[string]{
		"no rows":       res.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 0, Columns: 2}, "alice-pw"),
		"no password":   res.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 1, Columns: 1}, ""),
		"bad cell":      res.UpdateCell(ctx, "any", "not a cell", "1", "alice", "alice-pw"),
		"unqualified":   res.Share(ctx, "any", "bob", "alice-pw"),
		"no sheet id":   res.DeleteSheet(ctx, "", "alice-pw"),
		"no user":       res.DeleteUserSheets(ctx, "", "alice-pw"),
		"wide raw rows": res.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 1, Columns: 1, RawValues: [][]string{{"1", "2"}}}, "alice-pw"),
	} {
		assert.Equal(t, result.BadRequest, r.Kind, name)
	}
	assert.Empty(t, log.Records("d1"))

	assert.Equal(t, result.BadRequest, kind(res.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 0, Columns: 2}, "alice-pw")))
	assert.Equal(t, result.BadRequest, kind(res.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 1, Columns: 1}, "wrong")))
	assert.Equal(t, result.BadRequest, kind(res.CreateSheet(ctx, Spreadsheet{Owner: "nobody", Rows: 1, Columns: 1}, "pw")))

	created := res.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 2, Columns: 2}, "alice-pw")
	require.True(t, created.IsOK(), created.Msg)
	id := created.Value

	assert.Equal(t, result.NotFound, kind(res.UpdateCell(ctx, "missing", "A1", "1", "alice", "alice-pw")))
	assert.Equal(t, result.BadRequest, kind(res.UpdateCell(ctx, id, "Z99", "1", "alice", "alice-pw")))
	assert.Equal(t, result.BadRequest, kind(res.UpdateCell(ctx, id, "not a cell", "1", "alice", "alice-pw")))
	assert.Equal(t, result.Forbidden, kind(res.UpdateCell(ctx, id, "A1", "1", "alice", "wrong")))
	assert.Equal(t, result.Forbidden, kind(res.UpdateCell(ctx, id, "A1", "1", "bob", "bob-pw")))

	assert.Equal(t, result.Forbidden, kind(res.Share(ctx, id, "bob@d1", "wrong")))
	assert.Equal(t, result.BadRequest, kind(res.Share(ctx, id, "bob", "alice-pw")))
	assert.Equal(t, result.OK, kind(res.Share(ctx, id, "bob@d1", "alice-pw")))
	assert.Equal(t, result.Conflict, kind(res.Share(ctx, id, "bob@d1", "alice-pw")))
	assert.Equal(t, result.OK, kind(res.UpdateCell(ctx, id, "A1", "1", "bob", "bob-pw")))

	assert.Equal(t, result.NotFound, kind(res.Unshare(ctx, id, "carol@d2", "alice-pw")))
	assert.Equal(t, result.NotFound, kind(res.Unshare(ctx, "missing", "bob@d1", "alice-pw")))
	assert.Equal(t, result.OK, kind(res.Unshare(ctx, id, "bob@d1", "alice-pw")))
	assert.Equal(t, result.Forbidden, kind(res.UpdateCell(ctx, id, "A1", "2", "bob", "bob-pw")))

	assert.Equal(t, result.Forbidden, kind(res.DeleteSheet(ctx, id, "bob-pw")))
	assert.Equal(t, result.OK, kind(res.DeleteSheet(ctx, id, "alice-pw")))
	assert.Equal(t, result.NotFound, kind(res.DeleteSheet(ctx, id, "alice-pw")))

	got := res.GetValues(ctx, nil, id, "alice", "alice-pw")
	assert.Equal(t, result.NotFound, got.Kind)
}

func TestDeleteUserSheets(t *testing.T) {
	ctx := context.Background()
	res := newResource(t, "d1", replog.NewMemory(), newDirectory(t, "alice", "bob"), nil)
	run(t, res)

	for _, owner := range []string{"alice", "alice", "bob"} {
		r := res.CreateSheet(ctx, Spreadsheet{Owner: owner, Rows: 1, Columns: 1}, owner+"-pw")
		require.True(t, r.IsOK(), r.Msg)
	}
	assert.Equal(t, result.Forbidden, res.DeleteUserSheets(ctx, "alice", "bob-pw").Kind)
	require.True(t, res.DeleteUserSheets(ctx, "alice", "alice-pw").IsOK())
	assert.Equal(t, 1, res.state.Len())
	assert.True(t, res.DeleteUserSheets(ctx, "alice", "alice-pw").IsOK())
}

func TestReplicasConverge(t *testing.T) {
	ctx := context.Background()
	log := replog.NewMemory()
	dir := newDirectory(t, "alice", "bob")
	r1 := newResource(t, "d1", log, dir, nil)
	r2 := newResource(t, "d1", log, dir, nil)
	run(t, r1)
	run(t, r2)

	a := r1.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 3, Columns: 3}, "alice-pw")
	require.True(t, a.IsOK(), a.Msg)
	b := r2.CreateSheet(ctx, Spreadsheet{Owner: "bob", Rows: 2, Columns: 2}, "bob-pw")
	require.True(t, b.IsOK(), b.Msg)

	last := int64(-1)
	for i := range 10 {
		replica, id, user := r1, a.Value, "alice"
		if i%2 == 1 {
			replica, id, user = r2, b.Value, "bob"
		}
		r := replica.UpdateCell(ctx, id, engine.CellID(i%2, i%2), strconv.Itoa(i), user, user+"-pw")
		require.True(t, r.IsOK(), r.Msg)
		last = max(last, versionOf(r, "d1"))
	}
	r2.Share(ctx, a.Value, "bob@d1", "alice-pw")
	last = max(last, versionOf(r1.Share(ctx, b.Value, "alice@d2", "bob-pw"), "d1"))
	last = max(last, versionOf(r2.UpdateCell(ctx, "missing", "A1", "x", "bob", "bob-pw"), "d1"))

	require.Eventually(t, func() bool {
		return r1.sp.CurrentVersion() >= last && r2.sp.CurrentVersion() >= last
	}, 5*time.Second, 5*time.Millisecond)

	s1, err := r1.state.Snapshot()
	require.NoError(t, err)
	s2, err := r2.state.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, s1, s2)
	assert.Equal(t, 2, r1.state.Len())
}

func TestReadWaitsForVersion(t *testing.T) {
	ctx := context.Background()
	res := newResource(t, "d1", replog.NewMemory(), newDirectory(t, "alice"), nil)
	run(t, res)

	created := res.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 1, Columns: 1}, "alice-pw")
	require.True(t, created.IsOK(), created.Msg)

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	got := res.GetValues(short, version.Vector{"d1": 100}, created.Value, "alice", "alice-pw")
	assert.Equal(t, result.NotAvailable, got.Kind)
}

func TestImportCycleIsBounded(t *testing.T) {
	ctx := context.Background()
	res := newResource(t, "d1", replog.NewMemory(), newDirectory(t, "alice"), nil)
	run(t, res)

	created := res.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 1, Columns: 2}, "alice-pw")
	require.True(t, created.IsOK(), created.Msg)
	self := `=importrange("` + SheetURL("d1", created.Value) + `","A1:A1")`
	require.True(t, res.UpdateCell(ctx, created.Value, "A1", self, "alice", "alice-pw").IsOK())
	require.True(t, res.UpdateCell(ctx, created.Value, "B1", "ok", "alice", "alice-pw").IsOK())

	got := res.GetValues(ctx, nil, created.Value, "alice", "alice-pw")
	require.True(t, got.IsOK(), got.Msg)
	assert.Equal(t, [][]string{{engine.ErrorValue, "ok"}}, got.Value)

	deep := res.GetReferencedValues(ctx, nil, created.Value, "alice@d1", "A1:B1", MaxImportDepth+1)
	assert.Equal(t, result.BadRequest, deep.Kind)
}

func TestOversizedSheetNeverReachesLog(t *testing.T) {
	ctx := context.Background()
	log := replog.NewMemory()
	res := newResource(t, "d1", log, newDirectory(t, "alice"), nil)

	for name, sheet := range map[string]Spreadsheet{
		"huge":       {Owner: "alice", Rows: 1 << 31, Columns: 1 << 20},
		"too many":   {Owner: "alice", Rows: MaxRows, Columns: MaxColumns},
		"extra rows": {Owner: "alice", Rows: 1, Columns: 2, RawValues: [][]string{{"1"}, {"2"}}},
	} {
		got := res.CreateSheet(ctx, sheet, "alice-pw")
		assert.Equal(t, result.BadRequest, got.Kind, name)
	}
	assert.Empty(t, log.Records("d1"))

	// A record that got into the log anyway is refused on apply.
	applied := res.state.Apply(ctx, CreateSheet{Sheet: Spreadsheet{SheetID: "s1", Owner: "alice", Rows: 1 << 31, Columns: 1 << 20}, Password: "alice-pw"})
	assert.Equal(t, result.BadRequest, applied.Kind)
	assert.Equal(t, 0, res.state.Len())
}

func TestImportFanOutIsComputedOnce(t *testing.T) {
	ctx := context.Background()
	res := newResource(t, "d1", replog.NewMemory(), newDirectory(t, "alice"), nil)
	run(t, res)

	created := res.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 1, Columns: 6}, "alice-pw")
	require.True(t, created.IsOK(), created.Msg)
	self := `=importrange("` + SheetURL("d1", created.Value) + `","A1:A1")`
	for _, cell := range []string{"A1", "B1", "C1", "D1", "E1", "F1"} {
		require.True(t, res.UpdateCell(ctx, created.Value, cell, self, "alice", "alice-pw").IsOK())
	}

	// Without memoization this is 6^9 sheet computations.
	start := time.Now()
	got := res.GetValues(ctx, nil, created.Value, "alice", "alice-pw")
	require.True(t, got.IsOK(), got.Msg)
	assert.Less(t, time.Since(start), 2*time.Second)
	for _, v := range got.Value[0] {
		assert.Equal(t, engine.ErrorValue, v)
	}
}

type slowDirectory struct {
	users.Directory
	delay time.Duration
}

func (d slowDirectory) GetUser(ctx context.Context, userID, password string) (users.User, error) {
	time.Sleep(d.delay)
	return d.Directory.GetUser(ctx, userID, password)
}

func TestTimedOutWriteIsNotResent(t *testing.T) {
	ctx := context.Background()
	log := replog.NewMemory()
	res := newResource(t, "d1", log, slowDirectory{newDirectory(t, "alice"), 300 * time.Millisecond}, nil)
	run(t, res)

	reg := discovery.NewRegistry()
	addr := serve(t, NewRPC(res))
	reg.Add("d1", ServiceKind, addr)
	fanout := client.NewFanoutClient(reg, "d1", ServiceKind,
		client.RPCStubFactory(codec.CodecTypeMsgpack, 100*time.Millisecond),
		client.WithRetries(3, 0))
	t.Cleanup(func() { fanout.Close() })

	created := NewClient(fanout).CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 1, Columns: 1}, "alice-pw")
	assert.Equal(t, result.InternalError, created.Kind, created.Msg)

	require.Eventually(t, func() bool { return res.state.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, log.Records("d1"), 1)
	assert.Equal(t, []string{addr}, reg.KnownEndpoints("d1", ServiceKind))
}

func TestImportWithinDomain(t *testing.T) {
	ctx := context.Background()
	res := newResource(t, "d1", replog.NewMemory(), newDirectory(t, "alice", "bob"), nil)
	run(t, res)

	src := res.CreateSheet(ctx, Spreadsheet{Owner: "bob", Rows: 1, Columns: 2, RawValues: [][]string{{"2", "=A1*3"}}}, "bob-pw")
	require.True(t, src.IsOK(), src.Msg)
	dst := res.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 2, Columns: 2, RawValues: [][]string{
		{`=importrange("` + SheetURL("d1", src.Value) + `","A1:B1")`, ""},
		{"=SUM(A1:B1)", ""},
	}}, "alice-pw")
	require.True(t, dst.IsOK(), dst.Msg)

	// Not shared yet.
	got := res.GetValues(ctx, nil, dst.Value, "alice", "alice-pw")
	require.True(t, got.IsOK(), got.Msg)
	assert.Equal(t, engine.ErrorValue, got.Value[0][0])

	require.True(t, res.Share(ctx, src.Value, "alice@d1", "bob-pw").IsOK())
	got = res.GetValues(ctx, nil, dst.Value, "alice", "alice-pw")
	require.True(t, got.IsOK(), got.Msg)
	assert.Equal(t, [][]string{{"2", "6"}, {"8", ""}}, got.Value)
}

func serve(t *testing.T, svc any) string {
	t.Helper()
	svr := server.NewServer(zaptest.NewLogger(t))
	require.NoError(t, svr.RegisterName(ServiceName, svc))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr.Addr().String()
}

func TestCrossDomainReadWaitsForRemoteVersion(t *testing.T) {
	ctx := context.Background()

	// Domain B: b1 takes the writes, b2 is the only replica A can reach
	// and starts consuming late.
	logB := replog.NewMemory()
	dirB := newDirectory(t, "bob")
	b1 := newResource(t, "B", logB, dirB, nil)
	run(t, b1)
	b2 := newResource(t, "B", logB, dirB, nil)

	src := b1.CreateSheet(ctx, Spreadsheet{Owner: "bob", Rows: 1, Columns: 2}, "bob-pw")
	require.True(t, src.IsOK(), src.Msg)
	require.True(t, b1.Share(ctx, src.Value, "alice@A", "bob-pw").IsOK())
	require.True(t, b1.UpdateCell(ctx, src.Value, "A1", "7", "bob", "bob-pw").IsOK())
	upd := b1.UpdateCell(ctx, src.Value, "B1", "=A1*6", "bob", "bob-pw")
	require.True(t, upd.IsOK(), upd.Msg)
	want := versionOf(upd, "B")

	reg := discovery.NewRegistry()
	reg.Add("B", ServiceKind, serve(t, NewRPC(b2)))
	remotes := NewRemotes(reg, client.RPCStubFactory(codec.CodecTypeMsgpack, 10*time.Second))
	t.Cleanup(func() { remotes.Close() })

	a := newResource(t, "A", replog.NewMemory(), newDirectory(t, "alice"), remotes)
	run(t, a)
	dst := a.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 1, Columns: 2, RawValues: [][]string{
		{`=importrange("` + SheetURL("B", src.Value) + `","A1:B1")`, ""},
	}}, "alice-pw")
	require.True(t, dst.IsOK(), dst.Msg)

	done := make(chan result.Result[[][]string], 1)
	go func() {
		done <- a.GetValues(ctx, version.Vector{"B": want}, dst.Value, "alice", "alice-pw")
	}()

	select {
	case got := <-done:
		t.Fatalf("read answered before B caught up: %v", got)
	case <-time.After(200 * time.Millisecond):
	}

	run(t, b2)
	var got result.Result[[][]string]
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("read never answered")
	}
	require.True(t, got.IsOK(), got.Msg)
	assert.Equal(t, [][]string{{"7", "42"}}, got.Value)
	assert.GreaterOrEqual(t, versionOf(got, "B"), want)
	assert.GreaterOrEqual(t, versionOf(got, "A"), versionOf(dst, "A"))
}

func TestClientOverRPC(t *testing.T) {
	ctx := context.Background()
	dir := newDirectory(t, "alice", "bob")
	res := newResource(t, "d1", replog.NewMemory(), dir, nil)
	run(t, res)

	reg := discovery.NewRegistry()
	reg.Add("d1", ServiceKind, serve(t, NewRPC(res)))
	fanout := client.NewFanoutClient(reg, "d1", ServiceKind, client.RPCStubFactory(codec.CodecTypeJSON, time.Second))
	t.Cleanup(func() { fanout.Close() })
	c := NewClient(fanout)

	created := c.CreateSheet(ctx, Spreadsheet{Owner: "alice", Rows: 1, Columns: 2}, "alice-pw")
	require.True(t, created.IsOK(), created.Msg)
	id := created.Value

	upd := c.UpdateCell(ctx, id, "A1", "3", "alice", "alice-pw")
	require.True(t, upd.IsOK(), upd.Msg)
	assert.Equal(t, result.Forbidden, c.UpdateCell(ctx, id, "A1", "3", "bob", "bob-pw").Kind)
	require.True(t, c.Share(ctx, id, "bob@d1", "alice-pw").IsOK())

	vv := version.FromMetadata(upd.Metadata)
	values := c.GetValues(ctx, vv, id, "bob", "bob-pw")
	require.True(t, values.IsOK(), values.Msg)
	assert.Equal(t, [][]string{{"3", ""}}, values.Value)
	assert.GreaterOrEqual(t, versionOf(values, "d1"), vv.Get("d1"))

	sheet := c.GetSheet(ctx, nil, id, "alice", "alice-pw")
	require.True(t, sheet.IsOK(), sheet.Msg)
	assert.Equal(t, []string{"bob@d1"}, sheet.Value.SharedWith)

	require.True(t, c.Unshare(ctx, id, "bob@d1", "alice-pw").IsOK())
	assert.Equal(t, result.Forbidden, c.GetValues(ctx, nil, id, "bob", "bob-pw").Kind)

	dir.SetSheetsCleaner(c)
	_, err := dir.DeleteUser(ctx, "alice", "alice-pw")
	require.NoError(t, err)
	assert.Equal(t, 0, res.state.Len())

	missing := c.DeleteSheet(ctx, id, "alice-pw")
	assert.Equal(t, result.NotFound, missing.Kind)
	assert.Contains(t, missing.Metadata, version.Header("d1"))
}
