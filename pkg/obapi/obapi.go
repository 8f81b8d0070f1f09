// Local status API: read-only JSON views over the store plus the Prometheus
// metrics endpoint. This is a per-device companion surface for dashboards
// and scripting, meant to listen on loopback.
package obapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/felixge/httpsnoop"
	"github.com/function61/gokit/logex"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/obsync/obsync/pkg/obstore"
	"github.com/obsync/obsync/pkg/obtypes"
)

var httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "obsync_http_requests_total",
	Help: "Status API's handled requests",
}, []string{"code", "method"})

type apiServer struct {
	store *obstore.Store
	logl  *logex.Leveled
}

func NewHandler(store *obstore.Store, logger *log.Logger) http.Handler {
	a := &apiServer{
		store: store,
		logl:  logex.Levels(logger),
	}

	router := mux.NewRouter()
	router.HandleFunc("/api/status", a.serveStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/list", a.serveList).Methods(http.MethodGet)
	router.HandleFunc("/api/diff", a.serveDiff).Methods(http.MethodGet)
	router.HandleFunc("/api/versions", a.serveVersions).Methods(http.MethodGet)
	router.HandleFunc("/api/file", a.serveFile).Methods(http.MethodGet)
	router.HandleFunc("/api/sync", a.serveSync).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return instrumented(router)
}

// Serve runs the API until the context is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, store *obstore.Store, logger *log.Logger) error {
	logl := logex.Levels(logger)

	srv := &http.Server{
		Addr:    addr,
		Handler: NewHandler(store, logger),
	}

	go func() {
		<-ctx.Done()

		if err := srv.Shutdown(context.Background()); err != nil {
			logl.Error.Printf("shutdown: %v", err)
		}
	}()

	logl.Info.Printf("listening on %s", addr)

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	return nil
}

func instrumented(actual http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats := httpsnoop.CaptureMetrics(actual, w, r)

		httpRequests.With(prometheus.Labels{
			"code":   strconv.Itoa(stats.Code),
			"method": r.Method,
		}).Inc()
	})
}

func (a *apiServer) serveStatus(w http.ResponseWriter, r *http.Request) {
	status, err := a.store.SyncStatusOf(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		a.fail(w, err)
		return
	}

	a.writeJson(w, status)
}

func (a *apiServer) serveList(w http.ResponseWriter, r *http.Request) {
	listing, err := a.store.ListFolder(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		a.fail(w, err)
		return
	}

	a.writeJson(w, listing)
}

func (a *apiServer) serveDiff(w http.ResponseWriter, r *http.Request) {
	diff, err := a.store.DiffCurrentAndRemote(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		a.fail(w, err)
		return
	}

	a.writeJson(w, diff)
}

func (a *apiServer) serveVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := a.store.ListVersions(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		a.fail(w, err)
		return
	}

	a.writeJson(w, versions)
}

func (a *apiServer) serveFile(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	path := query.Get("path")

	var content []byte
	var err error

	if query.Get("ofs") != "" || query.Get("len") != "" {
		var ofs, n uint64

		if ofs, err = strconv.ParseUint(query.Get("ofs"), 10, 64); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if n, err = strconv.ParseUint(query.Get("len"), 10, 64); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		content, err = a.store.ReadFileRange(r.Context(), path, ofs, n)
	} else {
		content, err = a.store.ReadFile(r.Context(), path)
	}
	if err != nil {
		a.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(content)
}

func (a *apiServer) serveSync(w http.ResponseWriter, r *http.Request) {
	if err := a.store.SyncSweep(r.Context()); err != nil {
		a.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (a *apiServer) writeJson(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logl.Error.Printf("response encode: %v", err)
	}
}

func (a *apiServer) fail(w http.ResponseWriter, err error) {
	a.logl.Error.Println(err.Error())

	http.Error(w, err.Error(), statusCodeFor(err))
}

func statusCodeFor(err error) int {
	switch {
	case obtypes.IsFileError(err, obtypes.FileErrNotFound),
		obtypes.IsFileError(err, obtypes.FileErrNotFile),
		obtypes.IsFileError(err, obtypes.FileErrNotDirectory):
		return http.StatusNotFound
	case obtypes.IsFileError(err, obtypes.FileErrAlreadyExists),
		obtypes.IsFileError(err, obtypes.FileErrConcurrentUpdate),
		obtypes.IsSyncError(err, obtypes.SyncErrVersionMismatch),
		obtypes.IsSyncError(err, obtypes.SyncErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
