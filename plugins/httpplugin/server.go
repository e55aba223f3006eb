// Package httpplugin instruments net/http servers and clients.
//
// Middleware opens an entry span per inbound request, continuing the caller's trace
// when the request carries an sw8 header. Transport opens an exit span per outbound
// request and injects the carrier; the span stays open until the response body is
// closed, so work done while reading the body is attributed to the call.
package httpplugin

import (
	"bufio"
	"errors"
	"net"
	"net/http"

	"github.com/zoobzio/agentz"
)

// Middleware traces every request handled by next. Each request runs in its own
// execution chain and its entry span is stopped once next returns.
func Middleware(m *agentz.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := m.NewContext(r.Context())

			span := m.NewEntrySpan(ctx, "/", agentz.FromHeader(r.Header))
			if r.URL.Path != "" {
				span.SetOperation(r.URL.Path)
			}
			span.SetComponent(agentz.ComponentHTTPServer).
				SetLayer(agentz.LayerHTTP).
				Tag(agentz.HTTPURL(r.RequestURI)).
				Tag(agentz.HTTPMethod(r.Method))

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			defer func() {
				status := rec.status
				if p := recover(); p != nil {
					status = http.StatusInternalServerError
					finishEntry(span, status)
					panic(p)
				}
				finishEntry(span, status)
			}()

			next.ServeHTTP(rec, r.WithContext(ctx))
		})
	}
}

func finishEntry(span *agentz.ActiveSpan, status int) {
	text := http.StatusText(status)
	span.Tag(agentz.HTTPStatusCode(status)).
		Tag(agentz.HTTPStatusMsg(text)).
		SetStatus(status, text)
	if status >= http.StatusBadRequest {
		span.ErrorOccurred()
	}
	span.Stop()
}

// statusRecorder remembers the status written through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("httpplugin: response writer does not support hijacking")
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
