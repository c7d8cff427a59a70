package server

import (
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/replication"
	"github.com/ValentinKolb/dSync/lib/serializer"
	"github.com/ValentinKolb/dSync/lib/snapshot"
	"github.com/ValentinKolb/dSync/lib/syncstore"
	"github.com/ValentinKolb/dSync/lib/txn"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/VictoriaMetrics/metrics"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	maxBodySize = 4 << 20
	writeWait   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	// the API carries no cookies, any origin may watch
	CheckOrigin: func(*http.Request) bool { return true },
}

var watchers = metrics.NewCounter("dsync_watch_streams_total")

// APIOptions configures the HTTP API.
type APIOptions struct {
	// Serializer is the name of the default response serializer, used if a
	// request has no (or a wildcard) Accept header. Defaults to json.
	Serializer string
	// Debug enables request logging.
	Debug bool
}

// API serves the HTTP and WebSocket interface of a store.
type API struct {
	store  *syncstore.Store
	opts   APIOptions
	ser    serializer.ISerializer
	router *mux.Router

	once sync.Once
	done chan struct{}
}

// NewAPI creates the API of a started store.
func NewAPI(s *syncstore.Store, opts APIOptions) *API {
	ser, err := serializer.New(opts.Serializer)
	if err != nil {
		Logger.Warningf("%v, falling back to json", err)
		ser = serializer.NewJSONSerializer()
	}
	a := &API{store: s, opts: opts, ser: ser, done: make(chan struct{})}

	r := mux.NewRouter()
	r.HandleFunc(common.PathCollection, a.getCollection).Methods(http.MethodGet)
	r.HandleFunc(common.PathDocument, a.getDocument).Methods(http.MethodGet)
	r.HandleFunc(common.PathWatch, a.watch).Methods(http.MethodGet)
	r.HandleFunc(common.PathTransactions, a.postTransaction).Methods(http.MethodPost)
	r.HandleFunc(common.PathOperations, a.postOperation).Methods(http.MethodPost)
	r.HandleFunc(common.PathStatus, a.status).Methods(http.MethodGet)
	r.HandleFunc(common.PathMetrics, func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	}).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.writeError(w, r, http.StatusNotFound, common.ErrorResponse{Error: "no route for " + r.URL.Path, Code: "not_found"})
	})
	r.Use(metricsMiddleware)
	if opts.Debug {
		r.Use(loggerMiddleware)
	}
	a.router = r
	return a
}

// Handler returns the http.Handler of the API.
func (a *API) Handler() http.Handler {
	return a.router
}

// Close ends all open watch streams.
func (a *API) Close() {
	a.once.Do(func() { close(a.done) })
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (a *API) getCollection(w http.ResponseWriter, r *http.Request) {
	name, ok := a.collection(w, r)
	if !ok {
		return
	}
	a.write(w, r, http.StatusOK, common.NewCollectionResponse(a.store.Snapshot(name)))
}

func (a *API) getDocument(w http.ResponseWriter, r *http.Request) {
	name, ok := a.collection(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	doc, found := a.store.Doc(name, id)
	if !found {
		a.writeError(w, r, http.StatusNotFound, common.ErrorResponse{Error: fmt.Sprintf("document %s:%s not found", name, id), Code: "not_found"})
		return
	}
	a.write(w, r, http.StatusOK, doc)
}

func (a *API) postTransaction(w http.ResponseWriter, r *http.Request) {
	var req common.TransactionRequest
	if !a.decode(w, r, &req) {
		return
	}
	if len(req.Mutations) == 0 {
		a.fail(w, r, replication.NewError(replication.ErrInvalid, "transaction without mutations", nil))
		return
	}
	result, err := a.store.Apply(r.Context(), req.Mutations...)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.write(w, r, http.StatusOK, common.NewTransactionResponse(result))
}

func (a *API) postOperation(w http.ResponseWriter, r *http.Request) {
	var d txn.Descriptor
	if !a.decode(w, r, &d) {
		return
	}
	result, err := a.store.Execute(r.Context(), d)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.write(w, r, http.StatusOK, common.NewTransactionResponse(result))
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	adapter := a.store.Adapter()
	resp := common.StatusResponse{
		Backend:     adapter.Name(),
		Consistency: adapter.Consistency().String(),
		State:       adapter.State().String(),
		Collections: map[string]int{},
		Version:     common.Version,
	}
	for _, name := range a.store.Collections() {
		resp.Collections[name] = a.store.Snapshot(name).Len()
	}
	a.write(w, r, http.StatusOK, resp)
}

// watch streams the snapshots of a collection as JSON text messages, starting
// with the current one. The stream ends when the client closes the connection.
func (a *API) watch(w http.ResponseWriter, r *http.Request) {
	name, ok := a.collection(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an error
		Logger.Debugf("watch upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	watchers.Inc()

	stream := newWatchStream(conn)
	unsubscribe := a.store.Subscribe(name, stream.send)
	defer unsubscribe()
	defer stream.stop()

	// the read loop only detects the close of the client
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	select {
	case <-closed:
	case <-stream.failed:
		Logger.Debugf("watch of %q: write failed, closing stream", name)
	case <-a.done:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
	}
}

// jsonWriter is the part of a websocket connection a watch stream writes to.
type jsonWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v any) error
}

// watchStream forwards snapshots to a connection. After stop no write is
// started and write errors are no longer reported on failed.
type watchStream struct {
	conn     jsonWriter
	failed   chan struct{}
	failOnce sync.Once
	stopped  atomic.Bool
}

func newWatchStream(conn jsonWriter) *watchStream {
	return &watchStream{conn: conn, failed: make(chan struct{})}
}

func (w *watchStream) send(s snapshot.Snapshot) {
	if w.stopped.Load() {
		return
	}
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteJSON(common.NewCollectionResponse(s)); err != nil && !w.stopped.Load() {
		w.failOnce.Do(func() { close(w.failed) })
	}
}

func (w *watchStream) stop() {
	w.stopped.Store(true)
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// collection validates the {name} path variable. Unknown collections are answered with 404.
func (a *API) collection(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := mux.Vars(r)["name"]
	if !slices.Contains(a.store.Collections(), name) {
		a.writeError(w, r, http.StatusNotFound, common.ErrorResponse{Error: fmt.Sprintf("unknown collection %q", name), Code: "unknown_collection"})
		return "", false
	}
	return name, true
}

// decode reads the body with the serializer matching its Content-Type.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		a.fail(w, r, replication.NewError(replication.ErrInvalid, "failed to read request body", err))
		return false
	}
	if err := serializer.ForContentType(r.Header.Get("Content-Type")).Deserialize(body, v); err != nil {
		a.fail(w, r, replication.NewError(replication.ErrInvalid, "failed to decode request body", err))
		return false
	}
	return true
}

// responseSerializer picks the serializer for the Accept header of r.
func (a *API) responseSerializer(r *http.Request) serializer.ISerializer {
	accept := r.Header.Get("Accept")
	if accept == "" || accept == "*/*" {
		return a.ser
	}
	return serializer.ForContentType(accept)
}

func (a *API) write(w http.ResponseWriter, r *http.Request, status int, v any) {
	ser := a.responseSerializer(r)
	data, err := ser.Serialize(v)
	if err != nil {
		Logger.Errorf("failed to serialize response: %v", err)
		http.Error(w, "failed to serialize response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", ser.ContentType())
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		Logger.Debugf("failed to write response: %v", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, status int, resp common.ErrorResponse) {
	a.write(w, r, status, resp)
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := common.NewErrorResponse(err)
	if status == http.StatusInternalServerError {
		Logger.Errorf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	a.writeError(w, r, status, resp)
}
