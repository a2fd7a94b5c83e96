package dispatch_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MahdiBaghbani/reqscope/internal/classify"
	"github.com/MahdiBaghbani/reqscope/internal/dispatch"
	"github.com/MahdiBaghbani/reqscope/internal/netprobe"
	"github.com/MahdiBaghbani/reqscope/internal/platform/http/client"
)

type item struct {
	Name string `json:"name"`
}

// recorder is a Listener[item] that records every callback as a string.
type recorder struct {
	mu       sync.Mutex
	events   []string
	exempt   bool
	exemptQs atomic.Int32
	got      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 16)}
}

func (r *recorder) add(ev string) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) OnSuccess(data item) {
	r.add("success:" + data.Name)
}

func (r *recorder) OnError(body *classify.Envelope, kind classify.Kind, message string, code int) {
	r.add(fmt.Sprintf("error:%s:%s:%d", kind, message, code))
}

func (r *recorder) IsAuthExempt(code int, message string) bool {
	r.exemptQs.Add(1)
	return r.exempt
}

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a callback")
	}
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode:    status,
		Header:        make(http.Header),
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func staticClient(status int, body string) client.Func {
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return response(status, body), nil
	}
}

func newRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://api.test/v1/items/7", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func newDispatcher(t *testing.T, opts dispatch.Options) (*dispatch.Dispatcher, *dispatch.Loop) {
	t.Helper()
	loop := dispatch.NewLoop()
	t.Cleanup(loop.Close)
	if opts.Poster == nil {
		opts.Poster = loop
	}
	d, err := dispatch.New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d, loop
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// settle waits for the delivery step of every call under tag to finish.
func settle(t *testing.T, d *dispatch.Dispatcher, loop *dispatch.Loop, tag string) {
	t.Helper()
	eventually(t, func() bool { return !d.Registry().IsLive(tag) })
	loop.Flush()
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := dispatch.New(dispatch.Options{}); !errors.Is(err, dispatch.ErrNoClient) {
		t.Errorf("expected ErrNoClient, got %v", err)
	}
}

func TestSend_NoInternet(t *testing.T) {
	var called atomic.Bool
	d, _ := newDispatcher(t, dispatch.Options{
		Probe: netprobe.Static(false),
		Client: client.Func(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			called.Store(true)
			return nil, errors.New("unexpected")
		}),
	})

	r := newRecorder()
	dispatch.Send[item](context.Background(), d, "screen", newRequest(t), r)

	// delivered before Send returns, without the poster
	events := r.Events()
	want := "error:no_internet:network unavailable:-1"
	if len(events) != 1 || events[0] != want {
		t.Fatalf("events = %v, want [%s]", events, want)
	}
	if called.Load() {
		t.Error("transport must not be used when the network is down")
	}
	if d.Registry().IsLive("screen") || len(d.Registry().Tags()) != 0 {
		t.Error("registry must be untouched")
	}
}

func TestSend_Success(t *testing.T) {
	d, loop := newDispatcher(t, dispatch.Options{
		Client: staticClient(200, `{"code":0,"message":"ok","data":{"name":"widget"}}`),
	})

	r := newRecorder()
	dispatch.Send[item](context.Background(), d, "screen", newRequest(t), r)
	r.wait(t)
	settle(t, d, loop, "screen")

	events := r.Events()
	if len(events) != 1 || events[0] != "success:widget" {
		t.Fatalf("events = %v", events)
	}
	if d.Registry().Len("screen") != 0 {
		t.Error("handle not removed after delivery")
	}
}

func TestSend_SuccessWithoutData(t *testing.T) {
	d, loop := newDispatcher(t, dispatch.Options{
		Client: staticClient(200, `{"code":0,"message":"ok"}`),
	})

	r := newRecorder()
	dispatch.Send[item](context.Background(), d, "screen", newRequest(t), r)
	r.wait(t)
	settle(t, d, loop, "screen")

	if events := r.Events(); len(events) != 1 || events[0] != "success:" {
		t.Fatalf("events = %v", events)
	}
}

func TestSend_AuthInvalid(t *testing.T) {
	tests := []struct {
		name        string
		handler     bool
		exempt      bool
		wantEvents  []string
		wantAuth    []string
		wantQueried bool
	}{
		{
			name:        "handler and not exempt",
			handler:     true,
			exempt:      false,
			wantEvents:  []string{"error:application_auth_invalid:token expired:1002"},
			wantAuth:    []string{"1002:token expired"},
			wantQueried: true,
		},
		{
			name:        "handler and exempt",
			handler:     true,
			exempt:      true,
			wantQueried: true,
		},
		{
			name:        "no handler",
			handler:     false,
			exempt:      false,
			wantQueried: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, loop := newDispatcher(t, dispatch.Options{
				Client: staticClient(200, `{"code":1002,"message":"token expired"}`),
			})

			var auth []string
			if tt.handler {
				d.SetAuthInvalidHandler(func(code int, message string) {
					auth = append(auth, fmt.Sprintf("%d:%s", code, message))
				})
			}

			r := newRecorder()
			r.exempt = tt.exempt
			dispatch.Send[item](context.Background(), d, "screen", newRequest(t), r)
			settle(t, d, loop, "screen")

			events := r.Events()
			if fmt.Sprint(events) != fmt.Sprint(tt.wantEvents) {
				t.Errorf("events = %v, want %v", events, tt.wantEvents)
			}
			if fmt.Sprint(auth) != fmt.Sprint(tt.wantAuth) {
				t.Errorf("auth handler calls = %v, want %v", auth, tt.wantAuth)
			}
			if (r.exemptQs.Load() > 0) != tt.wantQueried {
				t.Errorf("exemption queried = %v, want %v", r.exemptQs.Load() > 0, tt.wantQueried)
			}
		})
	}
}

func TestSend_AuthInvalidErrorBeforeHandler(t *testing.T) {
	d, loop := newDispatcher(t, dispatch.Options{
		Client: staticClient(200, `{"code":1002,"message":"token expired"}`),
	})

	var mu sync.Mutex
	var order []string
	d.SetAuthInvalidHandler(func(int, string) {
		mu.Lock()
		order = append(order, "handler")
		mu.Unlock()
	})

	l := dispatch.ListenerFuncs[item]{
		Error: func(*classify.Envelope, classify.Kind, string, int) {
			mu.Lock()
			order = append(order, "error")
			mu.Unlock()
		},
	}
	dispatch.Send[item](context.Background(), d, "screen", newRequest(t), l)
	settle(t, d, loop, "screen")

	mu.Lock()
	defer mu.Unlock()
	if fmt.Sprint(order) != "[error handler]" {
		t.Errorf("order = %v", order)
	}
}

func TestSend_Failures(t *testing.T) {
	big := `{"code":0,"data":"` + strings.Repeat("x", 128) + `"}`

	tests := []struct {
		name   string
		client client.Func
		want   string
	}{
		{
			name: "transport error",
			client: func(ctx context.Context, req *http.Request) (*http.Response, error) {
				return nil, errors.New("connection refused")
			},
			want: "error:transport_failure:request failed:-1",
		},
		{
			name:   "not found",
			client: staticClient(404, "not here"),
			want:   "error:http_server_error:server error, please try again later:404",
		},
		{
			name:   "bad gateway",
			client: staticClient(502, ""),
			want:   "error:http_server_error:server error, please try again later:502",
		},
		{
			name:   "gateway timeout",
			client: staticClient(504, ""),
			want:   "error:http_gateway_timeout:gateway timeout, please check your network:504",
		},
		{
			name:   "internal error",
			client: staticClient(500, `{"code":0}`),
			want:   "error:http_other_error:unexpected http status:500",
		},
		{
			name:   "empty body",
			client: staticClient(200, ""),
			want:   "error:empty_body:empty response body:200",
		},
		{
			name:   "malformed body",
			client: staticClient(200, "<html></html>"),
			want:   "error:envelope_contract_violation:response body is not a recognized envelope:-1",
		},
		{
			name:   "application error",
			client: staticClient(200, `{"code":3001,"message":"quota exceeded"}`),
			want:   "error:application_other_error:quota exceeded:3001",
		},
		{
			name:   "data of the wrong shape",
			client: staticClient(200, `{"code":0,"data":[1,2]}`),
			want:   "error:envelope_contract_violation:response body is not a recognized envelope:-1",
		},
		{
			name:   "body over limit",
			client: staticClient(200, big),
			want:   "error:transport_failure:request failed:-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, loop := newDispatcher(t, dispatch.Options{
				Client:           tt.client,
				MaxResponseBytes: 64,
			})

			r := newRecorder()
			dispatch.Send[item](context.Background(), d, "screen", newRequest(t), r)
			r.wait(t)
			settle(t, d, loop, "screen")

			events := r.Events()
			if len(events) != 1 || events[0] != tt.want {
				t.Errorf("events = %v, want [%s]", events, tt.want)
			}
		})
	}
}

func TestSend_ApplicationErrorCarriesEnvelope(t *testing.T) {
	d, loop := newDispatcher(t, dispatch.Options{
		Client: staticClient(200, `{"code":3001,"message":"quota exceeded","data":{"limit":5}}`),
	})

	var got *classify.Envelope
	done := make(chan struct{})
	dispatch.Send[item](context.Background(), d, "screen", newRequest(t), dispatch.ListenerFuncs[item]{
		Error: func(body *classify.Envelope, kind classify.Kind, message string, code int) {
			got = body
			close(done)
		},
	})
	<-done
	settle(t, d, loop, "screen")

	if got == nil || got.Code != 3001 || string(got.Data) != `{"limit":5}` {
		t.Errorf("envelope = %+v", got)
	}
}

// countingPoster counts posts before handing them to a Loop.
type countingPoster struct {
	loop   *dispatch.Loop
	posted atomic.Int32
}

func (p *countingPoster) Post(fn func()) bool {
	ok := p.loop.Post(fn)
	p.posted.Add(1)
	return ok
}

func TestSend_CancelledBeforeCompletion(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var sawCancel atomic.Bool

	loop := dispatch.NewLoop()
	t.Cleanup(loop.Close)
	poster := &countingPoster{loop: loop}

	d, _ := newDispatcher(t, dispatch.Options{
		Poster: poster,
		Client: client.Func(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			close(started)
			<-ctx.Done()
			sawCancel.Store(true)
			<-release
			// a transport that ignores cancellation and answers late
			return response(200, `{"code":0,"data":{"name":"late"}}`), nil
		}),
	})

	r := newRecorder()
	dispatch.Send[item](context.Background(), d, "screen", newRequest(t), r)
	<-started

	if d.Registry().Len("screen") != 1 {
		t.Fatalf("Len = %d, want 1", d.Registry().Len("screen"))
	}
	d.CancelAll("screen")
	if d.Registry().IsLive("screen") {
		t.Error("handle must be removed by CancelAll")
	}

	close(release)
	eventually(t, func() bool { return poster.posted.Load() == 1 })
	loop.Flush()

	if !sawCancel.Load() {
		t.Error("transport context was not cancelled")
	}
	if events := r.Events(); len(events) != 0 {
		t.Errorf("callbacks after CancelAll: %v", events)
	}
	if len(d.Registry().Tags()) != 0 {
		t.Errorf("registry not empty: %v", d.Registry().Tags())
	}
}

func TestSend_CancelAllDropsQueuedDelivery(t *testing.T) {
	loop := dispatch.NewLoop()
	t.Cleanup(loop.Close)
	poster := &countingPoster{loop: loop}

	d, _ := newDispatcher(t, dispatch.Options{
		Poster: poster,
		Client: staticClient(200, `{"code":0,"data":{"name":"queued"}}`),
	})

	// hold the loop so the delivery stays queued
	hold := make(chan struct{})
	loop.Post(func() { <-hold })

	r := newRecorder()
	dispatch.Send[item](context.Background(), d, "screen", newRequest(t), r)
	eventually(t, func() bool { return poster.posted.Load() == 1 })

	// the exchange is over but its delivery has not run
	d.CancelAll("screen")
	close(hold)
	loop.Flush()

	if events := r.Events(); len(events) != 0 {
		t.Errorf("callbacks after CancelAll: %v", events)
	}
}

func TestSend_CallerContextCancelled(t *testing.T) {
	release := make(chan struct{})
	d, loop := newDispatcher(t, dispatch.Options{
		Client: client.Func(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			<-release
			return response(200, `{"code":0,"data":{"name":"late"}}`), nil
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	r := newRecorder()
	dispatch.Send[item](ctx, d, "screen", newRequest(t), r)
	cancel()
	close(release)

	settle(t, d, loop, "screen")
	if events := r.Events(); len(events) != 0 {
		t.Errorf("callbacks after caller context cancelled: %v", events)
	}
}

func TestSend_CancelAllManyInFlight(t *testing.T) {
	const n = 50
	release := make(chan struct{})
	var entered atomic.Int32

	loop := dispatch.NewLoop()
	t.Cleanup(loop.Close)
	poster := &countingPoster{loop: loop}

	d, _ := newDispatcher(t, dispatch.Options{
		Poster: poster,
		Client: client.Func(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			entered.Add(1)
			<-release
			return response(200, `{"code":0,"data":{"name":"late"}}`), nil
		}),
	})

	var delivered atomic.Int32
	l := dispatch.ListenerFuncs[item]{
		Success: func(item) { delivered.Add(1) },
		Error:   func(*classify.Envelope, classify.Kind, string, int) { delivered.Add(1) },
	}
	for i := 0; i < n; i++ {
		dispatch.Send[item](context.Background(), d, "screen", newRequest(t), l)
	}
	eventually(t, func() bool { return entered.Load() == n })

	d.CancelAll("screen")
	close(release)
	eventually(t, func() bool { return poster.posted.Load() == n })
	loop.Flush()

	if got := delivered.Load(); got != 0 {
		t.Errorf("%d callbacks after CancelAll", got)
	}
}

func TestSend_OtherTagsUnaffected(t *testing.T) {
	d, loop := newDispatcher(t, dispatch.Options{
		Client: staticClient(200, `{"code":0,"data":{"name":"kept"}}`),
	})

	d.CancelAll("other")

	r := newRecorder()
	dispatch.Send[item](context.Background(), d, "screen", newRequest(t), r)
	r.wait(t)
	settle(t, d, loop, "screen")

	if events := r.Events(); len(events) != 1 || events[0] != "success:kept" {
		t.Errorf("events = %v", events)
	}
}

func TestSend_EmptyTagPanics(t *testing.T) {
	d, _ := newDispatcher(t, dispatch.Options{Client: staticClient(200, `{"code":0}`)})

	defer func() {
		if recover() == nil {
			t.Error("expected panic for empty tag")
		}
	}()
	dispatch.Send[item](context.Background(), d, "", newRequest(t), newRecorder())
}

func TestSend_HTTPServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"code":    0,
			"message": "ok",
			"data":    map[string]string{"name": r.URL.Query().Get("q")},
		})
	}))
	defer srv.Close()

	c, err := client.New(nil)
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	d, loop := newDispatcher(t, dispatch.Options{Client: client.NewContextClient(c)})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/items?q=gadget", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}

	r := newRecorder()
	dispatch.Send[item](context.Background(), d, "screen", req, r)
	r.wait(t)
	settle(t, d, loop, "screen")

	if events := r.Events(); len(events) != 1 || events[0] != "success:gadget" {
		t.Errorf("events = %v", events)
	}
}

func TestLoop_RunsInOrder(t *testing.T) {
	loop := dispatch.NewLoop()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		loop.Post(func() { got = append(got, i) })
	}
	loop.Close()

	for i, v := range got {
		if v != i {
			t.Fatalf("got[%d] = %d", i, v)
		}
	}
	if len(got) != 100 {
		t.Errorf("ran %d callbacks, want 100", len(got))
	}

	if loop.Post(func() { t.Error("post after Close must be dropped") }) {
		t.Error("Post after Close must report rejection")
	}
	loop.Flush()
}

// decodeHook runs while a selfCancelling value is being decoded.
var decodeHook func()

type selfCancelling struct {
	Name string
}

func (v *selfCancelling) UnmarshalJSON(b []byte) error {
	decodeHook()
	var raw struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v.Name = raw.Name
	return nil
}

// inlineNotify runs callbacks inline and signals once each has returned.
type inlineNotify chan struct{}

func (p inlineNotify) Post(fn func()) bool {
	fn()
	p <- struct{}{}
	return true
}

func TestSend_CancelAllDuringDecode(t *testing.T) {
	ran := make(inlineNotify, 1)
	d, err := dispatch.New(dispatch.Options{
		Client: staticClient(200, `{"code":0,"data":{"name":"widget"}}`),
		Poster: ran,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	decodeHook = func() { d.CancelAll("screen") }
	defer func() { decodeHook = nil }()

	var fired atomic.Int32
	dispatch.Send[selfCancelling](context.Background(), d, "screen", newRequest(t), dispatch.ListenerFuncs[selfCancelling]{
		Success: func(selfCancelling) { fired.Add(1) },
		Error:   func(*classify.Envelope, classify.Kind, string, int) { fired.Add(1) },
	})

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never ran")
	}
	if n := fired.Load(); n != 0 {
		t.Errorf("%d callbacks after CancelAll returned", n)
	}
	if d.Registry().IsLive("screen") {
		t.Error("tag still live after delivery")
	}
}

func TestSend_CancelAllFromExemptionCheck(t *testing.T) {
	d, loop := newDispatcher(t, dispatch.Options{
		Client: staticClient(200, `{"code":1002,"message":"token expired"}`),
	})

	var handled atomic.Int32
	d.SetAuthInvalidHandler(func(int, string) { handled.Add(1) })

	var failed atomic.Int32
	dispatch.Send[item](context.Background(), d, "screen", newRequest(t), dispatch.ListenerFuncs[item]{
		Error: func(*classify.Envelope, classify.Kind, string, int) { failed.Add(1) },
		AuthExempt: func(int, string) bool {
			d.CancelAll("screen")
			return false
		},
	})
	settle(t, d, loop, "screen")

	if failed.Load() != 0 || handled.Load() != 0 {
		t.Errorf("OnError calls = %d, handler calls = %d after CancelAll", failed.Load(), handled.Load())
	}
}

func TestSend_PosterClosed(t *testing.T) {
	loop := dispatch.NewLoop()
	loop.Close()

	d, _ := newDispatcher(t, dispatch.Options{
		Poster: loop,
		Client: staticClient(200, `{"code":0,"data":{"name":"orphan"}}`),
	})

	r := newRecorder()
	dispatch.Send[item](context.Background(), d, "screen", newRequest(t), r)

	eventually(t, func() bool { return !d.Registry().IsLive("screen") })
	if d.Registry().Len("screen") != 0 {
		t.Errorf("Len = %d after completion", d.Registry().Len("screen"))
	}
	if events := r.Events(); len(events) != 0 {
		t.Errorf("callbacks on a closed poster: %v", events)
	}
}

// invalidatingProbe is always available and counts invalidations.
type invalidatingProbe struct {
	invalidated atomic.Int32
}

func (p *invalidatingProbe) Available(context.Context) bool { return true }

func (p *invalidatingProbe) Invalidate(context.Context) { p.invalidated.Add(1) }

func TestSend_TransportFailureInvalidatesProbe(t *testing.T) {
	probe := &invalidatingProbe{}
	d, loop := newDispatcher(t, dispatch.Options{
		Probe: probe,
		Client: client.Func(func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return nil, errors.New("no route to host")
		}),
	})

	r := newRecorder()
	dispatch.Send[item](context.Background(), d, "screen", newRequest(t), r)
	r.wait(t)
	settle(t, d, loop, "screen")

	if probe.invalidated.Load() != 1 {
		t.Errorf("invalidations = %d, want 1", probe.invalidated.Load())
	}

	dispatch.Send[item](context.Background(), d, "screen", newRequest(t), dispatch.ListenerFuncs[item]{})
	settle(t, d, loop, "screen")
	if probe.invalidated.Load() != 2 {
		t.Errorf("invalidations = %d, want 2", probe.invalidated.Load())
	}
}
