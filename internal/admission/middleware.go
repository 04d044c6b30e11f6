package admission

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"concurrency-guard/internal/domain"
)

const overloadedMessage = "the service is overloaded, try again later"

// Middleware applies admission control to HTTP requests. Rejected requests
// get 503 with a Retry-After hint. Delayed requests take a queue slot and
// wait for the suggested delay (or until the client goes away) before running.
func Middleware(c *Controller, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logger.With("component", "admission-middleware")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch c.Admit() {
			case domain.DecisionReject:
				logger.Debug("request rejected", "path", r.URL.Path, "level", c.Level().String())
				writeOverloaded(w, c.SuggestedDelay())
				return

			case domain.DecisionDelay:
				if !c.TryEnqueue() {
					logger.Debug("request rejected, queue full", "path", r.URL.Path)
					writeOverloaded(w, c.SuggestedDelay())
					return
				}
				ok := wait(r, c.SuggestedDelay())
				c.Dequeue()
				if !ok {
					// The client gave up while queued; nobody is left to answer.
					return
				}
			}

			c.StartUnit()
			defer c.CompleteUnit()
			next.ServeHTTP(w, r)
		})
	}
}

func wait(r *http.Request, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-r.Context().Done():
		return false
	}
}

func writeOverloaded(w http.ResponseWriter, retryAfter time.Duration) {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte(overloadedMessage))
}
