package metrics

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Self-observation series, recorded by the /metrics endpoint into its own
// registry.
const (
	scrapesName = "dhxiv_metrics_scrapes_total"
	panicsName  = "dhxiv_metrics_handler_panics_total"
)

// scrapeWriter remembers the first status code written.
type scrapeWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *scrapeWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *scrapeWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.status = http.StatusOK
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

// instrument wraps next so each scrape is traced, counted by status and
// logged at debug. A panic in next becomes a 500 and is counted too.
func (r *Registry) instrument(next http.Handler, log *slog.Logger) http.Handler {
	panics := r.Counter(panicsName, "Panics recovered while serving /metrics.")
	h := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		sw := &scrapeWriter{ResponseWriter: w}
		defer func() {
			if v := recover(); v != nil {
				panics.Inc()
				log.Error("metrics handler panic", "error", fmt.Sprintf("%v", v))
				if !sw.wrote {
					http.Error(sw, "Internal Server Error", http.StatusInternalServerError)
				}
			}
			if !sw.wrote {
				sw.status = http.StatusOK
			}
			r.Counter(WithLabels(scrapesName, "status", strconv.Itoa(sw.status)), "Scrapes of /metrics by response status.").Inc()
			log.Debug("metrics scrape",
				"remote", req.RemoteAddr,
				"status", sw.status,
				"duration", time.Since(start),
			)
		}()
		next.ServeHTTP(sw, req)
	})
	return otelhttp.NewHandler(h, "metrics")
}

// ServeAsync serves /metrics on the given port in a goroutine. The returned
// server can be shut down by the caller.
func (r *Registry) ServeAsync(port int, log *slog.Logger) *http.Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.instrument(r.Handler(), log))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", "port", port, "error", err)
		}
	}()
	log.Info("serving metrics", "port", port)
	return srv
}
