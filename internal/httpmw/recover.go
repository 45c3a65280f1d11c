package httpmw

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/keithlinneman/readiness-proxy/internal/log"
	"github.com/keithlinneman/readiness-proxy/internal/xerrors"
)

// Recover turns a handler panic into a 500 JSON error and an error log.
// onPanic, when set, runs after logging (metrics hook). http.ErrAbortHandler
// is re-raised so net/http can abort the connection as intended.
func Recover(L log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if L == nil {
		L = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.Wrap(e, "panic")
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}
				err = xerrors.EnsureTrace(err)

				ctx := r.Context()
				log.FromContextOr(ctx, L).With(
					"http.request.method", r.Method,
					"url.path", r.URL.Path,
					"panic_type", fmt.Sprintf("%T", rec),
				).Error(ctx, err, "httpserver panic recovered")

				if onPanic != nil {
					onPanic()
				}

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("X-Content-Type-Options", "nosniff")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
