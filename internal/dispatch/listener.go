package dispatch

import "github.com/MahdiBaghbani/reqscope/internal/classify"

// Listener receives the outcome of one Send. At most one of OnSuccess or
// OnError is called, on the dispatcher's Poster.
type Listener[T any] interface {
	OnSuccess(data T)
	// OnError receives the failure kind, a short message and a code.
	// body is the decoded envelope for application-level errors, nil otherwise.
	OnError(body *classify.Envelope, kind classify.Kind, message string, code int)
	// IsAuthExempt lets the caller suppress auth-invalid delivery for a
	// request that is expected to run without a valid session.
	IsAuthExempt(code int, message string) bool
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are no-ops;
// a nil AuthExempt means the request is not exempt.
type ListenerFuncs[T any] struct {
	Success    func(data T)
	Error      func(body *classify.Envelope, kind classify.Kind, message string, code int)
	AuthExempt func(code int, message string) bool
}

func (f ListenerFuncs[T]) OnSuccess(data T) {
	if f.Success != nil {
		f.Success(data)
	}
}

func (f ListenerFuncs[T]) OnError(body *classify.Envelope, kind classify.Kind, message string, code int) {
	if f.Error != nil {
		f.Error(body, kind, message, code)
	}
}

func (f ListenerFuncs[T]) IsAuthExempt(code int, message string) bool {
	if f.AuthExempt == nil {
		return false
	}
	return f.AuthExempt(code, message)
}

// AuthInvalidHandler is the process-wide reaction to an expired session,
// typically a redirect to login.
type AuthInvalidHandler func(code int, message string)

// DownloadListener receives the lifecycle of one Download.
type DownloadListener interface {
	OnStart()
	OnProgress(percent int)
	// OnDone receives the path the file was written to.
	OnDone(path string)
	OnFail(message string)
}

// DownloadFuncs adapts plain functions to DownloadListener.
type DownloadFuncs struct {
	Start    func()
	Progress func(percent int)
	Done     func(path string)
	Fail     func(message string)
}

func (f DownloadFuncs) OnStart() {
	if f.Start != nil {
		f.Start()
	}
}

func (f DownloadFuncs) OnProgress(percent int) {
	if f.Progress != nil {
		f.Progress(percent)
	}
}

func (f DownloadFuncs) OnDone(path string) {
	if f.Done != nil {
		f.Done(path)
	}
}

func (f DownloadFuncs) OnFail(message string) {
	if f.Fail != nil {
		f.Fail(message)
	}
}

var (
	_ Listener[any]    = ListenerFuncs[any]{}
	_ DownloadListener = DownloadFuncs{}
)
