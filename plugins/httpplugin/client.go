package httpplugin

import (
	"context"
	"io"
	"net/http"

	"github.com/zoobzio/agentz"
)

// Transport wraps a RoundTripper with exit spans. The exit span is a child of the
// current span of the request's context and is stopped when the response body is
// closed, or immediately when the round trip fails.
type Transport struct {
	manager *agentz.Manager
	base    http.RoundTripper
}

// NewTransport decorates base, or http.DefaultTransport when base is nil.
func NewTransport(m *agentz.Manager, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{manager: m, base: base}
}

// Client returns an http.Client using a Transport over http.DefaultTransport.
func Client(m *agentz.Manager) *http.Client {
	return &http.Client{Transport: NewTransport(m, nil)}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	path := req.URL.Path
	if path == "" {
		path = "/"
	}
	span := t.manager.NewExitSpan(ctx, path, req.URL.Host)
	span.SetComponent(agentz.ComponentHTTP).
		SetLayer(agentz.LayerHTTP).
		Tag(agentz.HTTPURL(req.URL.Host + path)).
		Tag(agentz.HTTPMethod(req.Method))

	snap := span.Snapshot()

	out := req.Clone(ctx)
	span.Extract().Inject(out.Header)
	span.Async()

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		span.ErrorOccurred()
		span.Await().Stop()
		return nil, err
	}

	text := http.StatusText(resp.StatusCode)
	span.Tag(agentz.HTTPStatusCode(resp.StatusCode)).SetStatus(resp.StatusCode, text)
	if resp.StatusCode >= http.StatusBadRequest {
		span.ErrorOccurred()
	}

	body := resp.Body
	if body == nil {
		body = http.NoBody
	}
	resp.Body = &tracedBody{ReadCloser: body, span: span, snap: snap}
	return resp, nil
}

// tracedBody stops the exit span on Close.
type tracedBody struct {
	io.ReadCloser
	span *agentz.ActiveSpan
	snap agentz.Snapshot
}

func (b *tracedBody) Close() error {
	err := b.ReadCloser.Close()
	b.span.Await().Stop()
	return err
}

// SnapshotFrom returns the snapshot taken when resp's request was sent. It is empty
// for responses that did not pass through a Transport.
func SnapshotFrom(resp *http.Response) agentz.Snapshot {
	if resp == nil {
		return agentz.Snapshot{}
	}
	if b, ok := resp.Body.(*tracedBody); ok {
		return b.snap
	}
	return agentz.Snapshot{}
}

// Callback handles a completed response inside the restored execution chain.
type Callback func(ctx context.Context, resp *http.Response, err error)

// Go sends req in the background and runs cb once the response arrives. cb runs
// in a chain restored from the request's snapshot, under a local span named
// "callback" that is a child of the request's exit span. The response body is
// closed after cb returns, which stops the exit span.
//
// The request is forked onto its own chain beneath the current span before the
// goroutine starts, so concurrent calls from one handler are siblings. When the
// request fails before a response exists, cb runs beneath the span that was
// current when Go was called.
func Go(m *agentz.Manager, client *http.Client, req *http.Request, cb Callback) {
	parent := req.Context()
	fork := m.Capture(parent)
	req = req.WithContext(m.Restore(parent, fork))

	go func() {
		resp, err := client.Do(req)

		snap := SnapshotFrom(resp)
		if !snap.IsValid() {
			snap = fork
		}
		ctx := m.Restore(context.Background(), snap)
		callback := m.NewLocalSpan(ctx, "callback")
		if err != nil {
			callback.ErrorOccurred()
		}
		defer func() {
			callback.Stop()
			if resp != nil {
				_ = resp.Body.Close()
			}
		}()

		cb(ctx, resp, err)
	}()
}
