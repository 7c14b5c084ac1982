package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

var timeoutBody = []byte(`{"error":"request processing exceeded the allowed time limit"}` + "\n")

// RequestTimeout puts a deadline on each request context and answers 504 if
// the handler has not started its response by then. Paths matching a prefix
// in skip (video uploads) run without a deadline.
//
// The handler runs on its own goroutine but the middleware always waits for
// it before returning, so the echo.Context is never used after echo has
// recycled it. Writes the handler makes after the 504 are discarded, and a
// panic in the handler is re-raised on the request goroutine for Recovery.
func RequestTimeout(timeout time.Duration, skip ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			for _, p := range skip {
				if strings.HasPrefix(path, p) {
					return next(c)
				}
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()
			c.SetRequest(c.Request().WithContext(ctx))

			res := c.Response()
			tw := newTimeoutWriter(res.Writer)
			res.Writer = tw

			done := make(chan error, 1)
			panicked := make(chan any, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						panicked <- r
					}
				}()
				done <- next(c)
			}()

			var (
				err       error
				recovered any
				panicking bool
				timedOut  bool
			)
			select {
			case err = <-done:
			case recovered = <-panicked:
				panicking = true
			case <-ctx.Done():
				timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded) && tw.timeout()
				select {
				case err = <-done:
				case recovered = <-panicked:
					panicking = true
				}
			}

			// The handler may also return right at the deadline without
			// having written anything.
			if !timedOut && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				timedOut = tw.timeout()
			}
			if timedOut {
				markTimedOut(res)
			}
			if panicking {
				panic(recovered)
			}
			if timedOut {
				return nil
			}
			return err
		}
	}
}

// markTimedOut records the 504 on the echo response once the handler has
// returned, so later middleware (logging, error handling) see it.
func markTimedOut(res *echo.Response) {
	res.Status = http.StatusGatewayTimeout
	res.Size = int64(len(timeoutBody))
	res.Committed = true
}

// timeoutWriter sits between echo's Response and the real writer. The handler
// gets its own header map, copied out when it writes the status line, so the
// 504 path never shares state with the handler goroutine.
type timeoutWriter struct {
	w http.ResponseWriter
	h http.Header

	mu       sync.Mutex
	wrote    bool
	timedOut bool
}

func newTimeoutWriter(w http.ResponseWriter) *timeoutWriter {
	return &timeoutWriter{w: w, h: w.Header().Clone()}
}

func (tw *timeoutWriter) Header() http.Header { return tw.h }

func (tw *timeoutWriter) WriteHeader(code int) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.writeHeaderLocked(code)
}

func (tw *timeoutWriter) writeHeaderLocked(code int) {
	if tw.timedOut || tw.wrote {
		return
	}
	tw.wrote = true
	dst := tw.w.Header()
	for k := range dst {
		if _, ok := tw.h[k]; !ok {
			delete(dst, k)
		}
	}
	for k, v := range tw.h {
		dst[k] = v
	}
	tw.w.WriteHeader(code)
}

func (tw *timeoutWriter) Write(b []byte) (int, error) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	tw.writeHeaderLocked(http.StatusOK)
	return tw.w.Write(b)
}

func (tw *timeoutWriter) Flush() {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.timedOut {
		return
	}
	if f, ok := tw.w.(http.Flusher); ok {
		f.Flush()
	}
}

// timeout claims the response for a 504. It reports false when the handler
// already started writing, in which case its response stands.
func (tw *timeoutWriter) timeout() bool {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.wrote {
		return false
	}
	tw.timedOut = true
	tw.w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	tw.w.WriteHeader(http.StatusGatewayTimeout)
	_, _ = tw.w.Write(timeoutBody)
	if f, ok := tw.w.(http.Flusher); ok {
		f.Flush()
	}
	return true
}
