package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/MahdiBaghbani/reqscope/internal/classify"
)

// stream is the subscription registered for a download worker.
type stream struct {
	call *call
}

func (s *stream) Dispose() { s.call.Cancel() }

// Download streams the response for req into destDir/fileName on the
// dispatcher filesystem, reporting progress to l. If the target file already
// exists, the name is prefixed with the current Unix time in milliseconds.
//
// A missing destDir is created first; if that fails, or the network is
// unavailable, l.OnFail is called before Download returns. Download panics
// if tag is empty.
func (d *Dispatcher) Download(ctx context.Context, tag string, req *http.Request, destDir, fileName string, l DownloadListener) {
	if tag == "" {
		panic("dispatch: empty tag")
	}

	if !d.probe.Available(ctx) {
		l.OnFail(classify.MsgNoInternet)
		return
	}
	if err := d.prepareDir(destDir); err != nil {
		d.log.Warn("cannot create download directory", "dir", destDir, "error", err)
		l.OnFail("cannot create directory: " + err.Error())
		return
	}

	c := newCall(ctx)
	s := &stream{call: c}
	d.registry.Register(tag, c)
	d.registry.AddSubscription(tag, s)

	go d.runDownload(tag, c, s, req, destDir, fileName, l)
}

func (d *Dispatcher) prepareDir(dir string) error {
	if fi, err := d.fs.Stat(dir); err == nil && fi.IsDir() {
		return nil
	}
	return d.fs.MkdirAll(dir, 0o755)
}

// resolvePath picks the target path, prefixing the name with a timestamp
// when the plain name is taken.
func (d *Dispatcher) resolvePath(dir, name string) string {
	path := d.fs.Join(dir, name)
	if _, err := d.fs.Stat(path); err == nil {
		path = d.fs.Join(dir, strconv.FormatInt(d.now().UnixMilli(), 10)+name)
	}
	return path
}

func (d *Dispatcher) runDownload(tag string, c *call, s *stream, req *http.Request, destDir, fileName string, l DownloadListener) {
	// Posted callbacks re-check the handle when they run.
	post := func(fn func()) {
		d.poster.Post(func() {
			if c.Canceled() {
				return
			}
			fn()
		})
	}

	// Finalization is posted behind every callback this worker queued, so the
	// handle stays reachable by CancelAll until they have all run.
	defer func() {
		c.release()
		finalize := func() {
			d.registry.Unregister(tag, c)
			d.registry.RemoveSubscription(tag, s)
		}
		if !d.poster.Post(finalize) {
			finalize()
		}
	}()

	resp, err := d.client.Do(c.ctx, req)
	if err != nil {
		d.log.Debug("download request failed", "url", req.URL.String(), "error", err)
		if !c.Canceled() {
			d.transportFailed(err)
		}
		msg := "download failed: " + err.Error()
		post(func() { l.OnFail(msg) })
		return
	}

	path, failure, closeErrs := d.writeBody(c, resp, destDir, fileName, post, l)
	if err := resp.Body.Close(); err != nil {
		closeErrs = append(closeErrs, err)
	}

	switch {
	case failure != "":
		post(func() { l.OnFail(failure) })
	case path != "":
		post(func() { l.OnDone(path) })
	default:
		d.log.Debug("download stopped by cancellation", "tag", tag, "url", req.URL.String())
	}

	for _, cerr := range closeErrs {
		d.log.Warn("failed to close download stream", "tag", tag, "error", cerr)
		msg := "close failed: " + cerr.Error()
		post(func() { l.OnFail(msg) })
	}
}

// writeBody copies an accepted response into the target file. It returns the
// written path on success, a failure message, or neither when the call was
// cancelled mid-stream. A cancelled download leaves the partial file behind.
func (d *Dispatcher) writeBody(c *call, resp *http.Response, destDir, fileName string, post func(func()), l DownloadListener) (path, failure string, closeErrs []error) {
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Sprintf("%d %s", resp.StatusCode, classify.StatusMessage(resp.StatusCode)), nil
	}
	if c.Canceled() {
		return "", "", nil
	}
	post(l.OnStart)

	target := d.resolvePath(destDir, fileName)
	f, err := d.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", "cannot create file: " + err.Error(), nil
	}
	defer func() {
		if err := f.Close(); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}()

	total := resp.ContentLength
	buf := make([]byte, d.bufferSize)
	w := bufio.NewWriterSize(f, d.bufferSize)
	var read int64
	last := -1

	for {
		if c.Canceled() {
			return "", "", nil
		}

		n, rerr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return "", "write failed: " + err.Error(), nil
			}
			read += int64(n)

			if total > 0 {
				if p := progress(read, total); p > last {
					last = p
					post(func() { l.OnProgress(p) })
				}
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return "", "download failed: " + rerr.Error(), nil
		}
	}

	if err := w.Flush(); err != nil {
		return "", "write failed: " + err.Error(), nil
	}
	if c.Canceled() {
		return "", "", nil
	}
	return target, "", nil
}

// progress is floor(read*100/total), clamped to 100 for servers that send
// more than they announced.
func progress(read, total int64) int {
	p := read * 100 / total
	if p > 100 {
		p = 100
	}
	return int(p)
}
