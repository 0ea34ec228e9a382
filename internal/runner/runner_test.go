package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/transparent-crawler/internal/crawler"
	"github.com/JakeFAU/transparent-crawler/internal/id/uuid"
	"github.com/JakeFAU/transparent-crawler/internal/pricealert"
	"github.com/JakeFAU/transparent-crawler/internal/protocol"
	"github.com/JakeFAU/transparent-crawler/internal/protocol/protocoltest"
	"github.com/JakeFAU/transparent-crawler/internal/publisher/memory"
	"github.com/JakeFAU/transparent-crawler/internal/sandbox"
	memstore "github.com/JakeFAU/transparent-crawler/internal/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var localModule = crawler.Module{ID: 11, ModuleName: "newegg", SourceName: "newegg.com"}

func testClient() *http.Client {
	return &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: 5 * time.Second}
}

func newTestRunner(cfg Config, launcher sandbox.Launcher, store *memstore.Store, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return New(cfg, Deps{
		Launcher: launcher,
		Products: store,
		Groups:   &sequentialGroups{},
		HTTP:     testClient(),
		IDs:      uuid.New(),
		Logger:   logger,
	})
}

func collectIDs(t *testing.T, store *memstore.Store, module crawler.ModuleID) []string {
	t.Helper()
	it, err := store.ProductIDs(context.Background(), module)
	require.NoError(t, err)
	var ids []string
	for {
		id, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return ids
		}
		ids = append(ids, id)
	}
}

func TestListModeStoresIDsAndCheckpoint(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	store := memstore.New()
	var gotMode protocol.Mode
	var gotCheckpoint string
	run := func(w *protocoltest.Worker, p *fakeProcess) {
		gotMode, gotCheckpoint, _ = w.ReadRequest()
		_, _ = p.stderrW.Write([]byte("parsing page 1\n"))
		_ = w.ListResponse("page.2", "A", "B")
	}
	r := newTestRunner(Config{}, launcherFor(run, nil), store, zap.New(core))

	var checkpoints []string
	res := r.Run(context.Background(), Request{
		Module:       localModule,
		Mode:         protocol.ModeList,
		Checkpoint:   "page.1",
		OnCheckpoint: func(cp string) { checkpoints = append(checkpoints, cp) },
	})

	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, protocol.ModeList, gotMode)
	assert.Equal(t, "page.1", gotCheckpoint)
	assert.Equal(t, 1, res.Responses)
	assert.Equal(t, "page.2", res.Checkpoint)
	assert.Equal(t, []string{"page.2"}, checkpoints)
	assert.Equal(t, []string{"A", "B"}, collectIDs(t, store, localModule.ID))
	assert.Equal(t, 1, logs.FilterMessage("module diagnostic").Len())
}

func TestListModeDummySkipsStorage(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	run := func(w *protocoltest.Worker, _ *fakeProcess) {
		_, _, _ = w.ReadRequest()
		_ = w.ListResponse("", "A")
	}
	r := newTestRunner(Config{}, launcherFor(run, nil), store, nil)

	res := r.Run(context.Background(), Request{Module: localModule, Mode: protocol.ModeList, Dummy: true})
	require.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Empty(t, collectIDs(t, store, localModule.ID))
}

func TestOversizedListResponseDroppedThenContinue(t *testing.T) {
	t.Parallel()

	store := memstore.New()
	run := func(w *protocoltest.Worker, _ *fakeProcess) {
		_, _, _ = w.ReadRequest()
		count := protocol.MaxIDs + 1
		frame := []byte{byte(protocol.TagResponse), 0, 0, byte(count >> 8), byte(count)}
		frame = append(frame, make([]byte, 2*count)...)
		_ = w.Raw(frame...)
		_ = w.ListResponse("after", "C")
	}
	r := newTestRunner(Config{}, launcherFor(run, nil), store, nil)

	res := r.Run(context.Background(), Request{Module: localModule, Mode: protocol.ModeList})
	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, 1, res.Responses)
	assert.Equal(t, "after", res.Checkpoint)
	assert.Equal(t, []string{"C"}, collectIDs(t, store, localModule.ID))
}

func TestUnknownTagEndsActivation(t *testing.T) {
	t.Parallel()

	var proc *fakeProcess
	run := func(w *protocoltest.Worker, _ *fakeProcess) {
		_, _, _ = w.ReadRequest()
		_ = w.Raw(9)
		blockUntilKilled(w)
	}
	r := newTestRunner(Config{}, launcherFor(run, &proc), memstore.New(), nil)

	res := r.Run(context.Background(), Request{Module: localModule, Mode: protocol.ModeList})
	assert.Equal(t, OutcomeViolation, res.Outcome)
	assert.ErrorIs(t, res.Err, protocol.ErrUnknownTag)
	assert.True(t, proc.killed.Load())
}

func TestTruncatedFrameIsCommFailure(t *testing.T) {
	t.Parallel()

	run := func(w *protocoltest.Worker, _ *fakeProcess) {
		_, _, _ = w.ReadRequest()
		_ = w.Raw(byte(protocol.TagHTTPGet), 0, 10, 'h')
	}
	r := newTestRunner(Config{}, launcherFor(run, nil), memstore.New(), nil)

	res := r.Run(context.Background(), Request{Module: localModule, Mode: protocol.ModeList})
	assert.Equal(t, OutcomeCommFailure, res.Outcome)
	assert.ErrorIs(t, res.Err, io.ErrUnexpectedEOF)
}

func TestRemoteModuleCannotMakeRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		send func(w *protocoltest.Worker) error
	}{
		{name: "user agent", send: func(w *protocoltest.Worker) error { return w.SetUserAgent("bot") }},
		{name: "get", send: func(w *protocoltest.Worker) error { return w.Get("http://example.invalid") }},
		{name: "post", send: func(w *protocoltest.Worker) error { return w.Post("http://example.invalid", []byte("q=1")) }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			run := func(w *protocoltest.Worker, _ *fakeProcess) {
				_, _, _ = w.ReadRequest()
				_ = tt.send(w)
				blockUntilKilled(w)
			}
			r := newTestRunner(Config{}, launcherFor(run, nil), memstore.New(), nil)
			remote := localModule
			remote.Remote = true

			res := r.Run(context.Background(), Request{Module: remote, Mode: protocol.ModeList})
			assert.Equal(t, OutcomeViolation, res.Outcome)
			assert.ErrorIs(t, res.Err, ErrRemoteHTTP)
		})
	}
}

type recordingTransport struct {
	mu     sync.Mutex
	starts []time.Time
	next   http.RoundTripper
}

func (rt *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	rt.starts = append(rt.starts, time.Now())
	rt.mu.Unlock()
	return rt.next.RoundTrip(req)
}

func TestRequestsAreThrottled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	run := func(w *protocoltest.Worker, _ *fakeProcess) {
		_, _, _ = w.ReadRequest()
		for i := 0; i < 2; i++ {
			if w.Get(srv.URL) != nil {
				return
			}
			if _, err := w.ReadDownload(false); err != nil {
				return
			}
		}
	}
	transport := &recordingTransport{next: &http.Transport{DisableKeepAlives: true}}
	r := New(Config{RequestInterval: 150 * time.Millisecond}, Deps{
		Launcher: launcherFor(run, nil),
		Products: memstore.New(),
		HTTP:     &http.Client{Transport: transport},
	})

	res := r.Run(context.Background(), Request{Module: localModule, Mode: protocol.ModeList})
	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	require.Len(t, transport.starts, 2)
	assert.GreaterOrEqual(t, transport.starts[1].Sub(transport.starts[0]), 140*time.Millisecond)
}

func TestDownloads(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		switch req.URL.Path {
		case "/big":
			_, _ = w.Write([]byte(strings.Repeat("x", 25000)))
		case "/echo":
			body, _ := io.ReadAll(req.Body)
			_, _ = w.Write([]byte(req.Method + " " + req.UserAgent() + " " + string(body)))
		default:
			_, _ = w.Write([]byte("small page"))
		}
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		name    string
		chunked bool
		send    func(w *protocoltest.Worker) error
		status  protocol.Status
		body    string
		size    int
	}{
		{name: "block under cap", send: func(w *protocoltest.Worker) error { return w.Get(srv.URL + "/small") }, status: protocol.StatusOK, body: "small page"},
		{name: "chunked under cap", chunked: true, send: func(w *protocoltest.Worker) error { return w.Get(srv.URL + "/small") }, status: protocol.StatusOK, body: "small page"},
		{name: "block over cap", send: func(w *protocoltest.Worker) error { return w.Get(srv.URL + "/big") }, status: protocol.StatusAborted, size: 10000},
		{name: "chunked over cap", chunked: true, send: func(w *protocoltest.Worker) error { return w.Get(srv.URL + "/big") }, status: protocol.StatusAborted, size: 10000},
		{
			name: "post with user agent",
			send: func(w *protocoltest.Worker) error {
				if err := w.SetUserAgent("bot/2"); err != nil {
					return err
				}
				return w.Post(srv.URL+"/echo", []byte("q=tv"))
			},
			status: protocol.StatusOK,
			body:   "POST bot/2 q=tv",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got protocoltest.Download
			var readErr error
			run := func(w *protocoltest.Worker, _ *fakeProcess) {
				_, _, _ = w.ReadRequest()
				if readErr = tt.send(w); readErr != nil {
					return
				}
				got, readErr = w.ReadDownload(tt.chunked)
			}
			module := localModule
			module.ChunkedDownload = tt.chunked
			r := newTestRunner(Config{MaxDownload: 10000}, launcherFor(run, nil), memstore.New(), nil)

			res := r.Run(context.Background(), Request{Module: module, Mode: protocol.ModeList})
			require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
			require.NoError(t, readErr)
			assert.Equal(t, "text/html", got.ContentType)
			assert.Equal(t, tt.status, got.Status)
			if tt.body != "" {
				assert.Equal(t, tt.body, string(got.Body))
			} else {
				assert.Len(t, got.Body, tt.size)
			}
		})
	}
}

func TestDownloadFailureRepliesAborted(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	var got protocoltest.Download
	run := func(w *protocoltest.Worker, _ *fakeProcess) {
		_, _, _ = w.ReadRequest()
		_ = w.Get(url)
		got, _ = w.ReadDownload(true)
	}
	r := newTestRunner(Config{}, launcherFor(run, nil), memstore.New(), nil)

	res := r.Run(context.Background(), Request{Module: localModule, Mode: protocol.ModeList})
	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, protocol.StatusAborted, got.Status)
	assert.Empty(t, got.ContentType)
	assert.Empty(t, got.Body)
}

func TestCancellationInterruptsBlockedRead(t *testing.T) {
	t.Parallel()

	var proc *fakeProcess
	run := func(w *protocoltest.Worker, _ *fakeProcess) {
		_, _, _ = w.ReadRequest()
		blockUntilKilled(w)
	}
	r := newTestRunner(Config{PollInterval: 5 * time.Millisecond}, launcherFor(run, &proc), memstore.New(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	defer cancel()

	start := time.Now()
	res := r.Run(ctx, Request{Module: localModule, Mode: protocol.ModeList})
	assert.Equal(t, OutcomeInterrupted, res.Outcome)
	assert.NoError(t, res.Err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, proc.killed.Load())
	select {
	case <-proc.done:
	default:
		t.Fatal("worker not reaped")
	}
}

func TestProcessExitedOutOfBand(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	run := func(w *protocoltest.Worker, p *fakeProcess) {
		_, _, _ = w.ReadRequest()
		p.exited.Store(true)
		blockUntilKilled(w)
	}
	cfg := Config{PollInterval: 5 * time.Millisecond, ExitGrace: 20 * time.Millisecond}
	r := newTestRunner(cfg, launcherFor(run, nil), memstore.New(), zap.New(core))

	res := r.Run(context.Background(), Request{Module: localModule, Mode: protocol.ModeList})
	assert.Equal(t, OutcomeInterrupted, res.Outcome)
	assert.Equal(t, 1, logs.FilterMessage("process exited out of band").Len())
}

func TestWorkerExitAfterFinalResponseCompletes(t *testing.T) {
	t.Parallel()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	ids := make([]string, 9000)
	for i := range ids {
		ids[i] = fmt.Sprintf("sku-%05d", i)
	}
	var frame bytes.Buffer
	require.NoError(t, protocoltest.NewWorker(strings.NewReader(""), &frame).ListResponse("page.9", ids...))
	path := filepath.Join(t.TempDir(), "frame.bin")
	require.NoError(t, os.WriteFile(path, frame.Bytes(), 0o600))

	// Consume the 3-byte list request, dump one large Response and exit.
	module := crawler.Module{
		ID: 12, ModuleName: "shell", Path: sh,
		Args: []string{"-c", `head -c 3 >/dev/null; cat "$1"`, "worker", path},
	}
	core, logs := observer.New(zap.InfoLevel)
	for i := 0; i < 10; i++ {
		store := memstore.New()
		r := newTestRunner(Config{PollInterval: time.Millisecond}, sandbox.NewNoSandbox(nil), store, zap.New(core))

		res := r.Run(context.Background(), Request{Module: module, Mode: protocol.ModeList})
		require.Equal(t, OutcomeCompleted, res.Outcome, "run %d err: %v", i, res.Err)
		assert.Equal(t, 1, res.Responses)
		assert.Equal(t, "page.9", res.Checkpoint)
		assert.Len(t, collectIDs(t, store, module.ID), len(ids))
	}
	assert.Zero(t, logs.FilterMessage("process exited out of band").Len())
}

func TestLaunchFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("no such file")
	launcher := sandbox.LauncherFunc(func(context.Context, crawler.Module) (sandbox.Process, error) {
		return nil, boom
	})
	r := newTestRunner(Config{}, launcher, memstore.New(), nil)

	res := r.Run(context.Background(), Request{Module: localModule, Mode: protocol.ModeList, Checkpoint: "cp"})
	assert.Equal(t, OutcomeLaunchFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, "cp", res.Checkpoint)
}

type countingAlerts struct {
	*pricealert.Service
	checks atomic.Int32
}

func (c *countingAlerts) CheckPrice(module crawler.ModuleID, group crawler.GroupID, price int64) bool {
	c.checks.Add(1)
	return c.Service.CheckPrice(module, group, price)
}

func TestDetailModePriceDrop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New()
	_, err := store.AddProductIDs(ctx, localModule.ID, []string{"p1", "p2"})
	require.NoError(t, err)

	trigger := pricealert.NewTrigger()
	trigger.Add(pricealert.Track{})
	publisher := memory.New()
	alerts := &countingAlerts{Service: pricealert.NewService(trigger, pricealert.NewHistory(), publisher, uuid.New(), nil)}

	var sent []string
	run := func(w *protocoltest.Worker, _ *fakeProcess) {
		if mode, _, err := w.ReadRequest(); err != nil || mode != protocol.ModeDetail {
			return
		}
		prices := []string{"10.00", "9.00"}
		for {
			id, err := w.ReadString()
			if err != nil {
				return
			}
			sent = append(sent, id)
			if id == "" {
				return
			}
			pairs := []protocol.Pair{
				protocoltest.S("brand", "X"),
				protocoltest.S("model", "Y"),
				protocoltest.S("price", prices[len(sent)-1]),
				protocoltest.S("color", "red"),
			}
			if w.DetailResponse(pairs...) != nil {
				return
			}
		}
	}
	r := New(Config{}, Deps{
		Launcher: launcherFor(run, nil),
		Products: store,
		Alerts:   alerts,
		Groups:   &sequentialGroups{},
		HTTP:     testClient(),
	})

	var checkpoints []string
	res := r.Run(ctx, Request{
		Module:       localModule,
		Mode:         protocol.ModeDetail,
		OnCheckpoint: func(cp string) { checkpoints = append(checkpoints, cp) },
	})

	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, []string{"p1", "p2", ""}, sent)
	assert.Equal(t, []string{"1", "2"}, checkpoints)
	assert.Equal(t, 2, res.Responses)

	p1, ok := store.Product(localModule.ID, "p1")
	require.True(t, ok)
	p2, ok := store.Product(localModule.ID, "p2")
	require.True(t, ok)
	gid := crawler.GroupID(77)
	assert.Equal(t, gid, p1.GroupID)
	assert.Equal(t, gid, p2.GroupID)
	assert.Equal(t, crawler.IntValue(77), p1.Attributes["gid"])
	assert.Equal(t, crawler.StringValue("red"), p1.Attributes["color"])
	assert.NotContains(t, p1.Attributes, "brand")

	history, err := alerts.History(ctx, localModule.ID, gid)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1000), history[0].Price)
	assert.Equal(t, int64(900), history[1].Price)

	assert.Equal(t, int32(1), alerts.checks.Load())
	published := publisher.Alerts()
	require.Len(t, published, 1)
	assert.Equal(t, int64(1000), published[0].Previous)
	assert.Equal(t, int64(900), published[0].Price)
	assert.Equal(t, "p2", published[0].ProductID)
}

func TestDetailModeResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memstore.New()
	_, err := store.AddProductIDs(ctx, localModule.ID, []string{"p1", "p2", "p3"})
	require.NoError(t, err)

	var sent []string
	run := func(w *protocoltest.Worker, _ *fakeProcess) {
		_, _, _ = w.ReadRequest()
		for {
			id, err := w.ReadString()
			if err != nil || id == "" {
				return
			}
			sent = append(sent, id)
			// no brand: dropped, but still consumed
			if w.DetailResponse(protocoltest.S("model", "Y")) != nil {
				return
			}
		}
	}
	r := newTestRunner(Config{}, launcherFor(run, nil), store, nil)

	res := r.Run(ctx, Request{Module: localModule, Mode: protocol.ModeDetail, Checkpoint: "1"})
	require.Equal(t, OutcomeCompleted, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, []string{"p2", "p3"}, sent)
	assert.Equal(t, "3", res.Checkpoint)
	_, ok := store.Product(localModule.ID, "p2")
	assert.False(t, ok)
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   crawler.Value
		want int64
		ok   bool
	}{
		{in: crawler.IntValue(1299), want: 1299, ok: true},
		{in: crawler.IntValue(-1), ok: false},
		{in: crawler.StringValue("10.00"), want: 1000, ok: true},
		{in: crawler.StringValue("$1,299.5"), want: 129950, ok: true},
		{in: crawler.StringValue(" 7 "), want: 700, ok: true},
		{in: crawler.StringValue("USD 12.34"), want: 1234, ok: true},
		{in: crawler.StringValue(".99"), want: 99, ok: true},
		{in: crawler.StringValue("12.345"), ok: false},
		{in: crawler.StringValue("-3.00"), ok: false},
		{in: crawler.StringValue("call for price"), ok: false},
		{in: crawler.StringValue(""), ok: false},
		{in: crawler.StringValue("1.2.3"), ok: false},
	}
	for _, tt := range tests {
		got, ok := ParsePrice(tt.in)
		assert.Equal(t, tt.ok, ok, "input %q", tt.in.String())
		if tt.ok {
			assert.Equal(t, tt.want, got, "input %q", tt.in.String())
		}
	}
}
