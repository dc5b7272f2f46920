package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"memlearn/internal/storage"
)

// VerdictSource provides the most recent verdicts.
type VerdictSource interface {
	Recent(n int) []Verdict
}

// CorpusStore is the read side of storage.Store used by the API.
type CorpusStore interface {
	Shapes(variant string) ([]storage.Shape, error)
	BuiltAt(variant string) (time.Time, error)
	Evaluations(start, end time.Time) ([]storage.EvaluationRecord, error)
}

// SourceShape describes one stored source matrix.
type SourceShape struct {
	Name  string `json:"name"`
	Label int32  `json:"label"`
	Rows  int    `json:"rows"`
	Cols  int    `json:"cols"`
}

// CorpusInfo is the /corpus/{variant} response.
type CorpusInfo struct {
	Variant string        `json:"variant"`
	BuiltAt time.Time     `json:"built_at"`
	Sources []SourceShape `json:"sources"`
}

// API serves the monitor state over HTTP and streams verdicts to websocket clients.
type API struct {
	verdicts VerdictSource
	store    CorpusStore
	server   *http.Server
	upgrader websocket.Upgrader

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex
	broadcast chan Verdict
	stop      chan struct{}

	isRunning bool
	mu        sync.Mutex
}

// NewAPI builds the router. store may be nil, in which case the corpus and
// evaluation routes answer 503.
func NewAPI(verdicts VerdictSource, store CorpusStore, gatherer prometheus.Gatherer, port int) *API {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	a := &API{
		verdicts:  verdicts,
		store:     store,
		upgrader:  websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Verdict, 100),
		stop:      make(chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", a.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/verdicts", a.handleVerdicts).Methods("GET")
	r.HandleFunc("/verdicts/stream", a.handleStream).Methods("GET")
	r.HandleFunc("/corpus/{variant}", a.handleCorpus).Methods("GET")
	r.HandleFunc("/evaluations", a.handleEvaluations).Methods("GET")

	a.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return a
}

// Handler returns the router, for tests and embedding.
func (a *API) Handler() http.Handler { return a.server.Handler }

// Start serves in the background.
func (a *API) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.isRunning {
		return fmt.Errorf("monitor API is already running")
	}

	go a.clientBroadcaster()
	go func() {
		log.Info().Str("address", a.server.Addr).Msg("Starting monitor API server")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Monitor API server failed")
		}
	}()

	a.isRunning = true
	return nil
}

// Stop closes websocket clients and shuts the server down.
func (a *API) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.isRunning {
		return nil
	}
	close(a.stop)

	a.clientsMu.Lock()
	for client := range a.clients {
		client.Close()
	}
	a.clients = make(map[*websocket.Conn]bool)
	a.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown monitor API server")
		return err
	}

	a.isRunning = false
	log.Info().Msg("Monitor API stopped")
	return nil
}

// Publish queues a verdict for websocket clients, dropping it when the queue is full.
func (a *API) Publish(v Verdict) {
	select {
	case a.broadcast <- v:
	default:
		log.Debug().Int64("seq", v.Seq).Msg("Verdict broadcast queue full, dropping")
	}
}

func (a *API) clientBroadcaster() {
	for {
		select {
		case <-a.stop:
			return
		case v := <-a.broadcast:
			a.broadcastToClients(v)
		}
	}
}

func (a *API) broadcastToClients(v Verdict) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal verdict")
		return
	}

	a.clientsMu.Lock()
	defer a.clientsMu.Unlock()
	for client := range a.clients {
		client.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Debug().Err(err).Msg("Dropping verdict stream client")
			client.Close()
			delete(a.clients, client)
		}
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (a *API) handleVerdicts(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, a.verdicts.Recent(limit))
}

func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade verdict stream connection")
		return
	}

	a.clientsMu.Lock()
	a.clients[conn] = true
	a.clientsMu.Unlock()

	// Drain client messages until it goes away
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	a.clientsMu.Lock()
	delete(a.clients, conn)
	a.clientsMu.Unlock()
	conn.Close()
}

func (a *API) handleCorpus(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "no corpus store", http.StatusServiceUnavailable)
		return
	}
	variant := mux.Vars(r)["variant"]

	shapes, err := a.store.Shapes(variant)
	if err != nil {
		storeError(w, err)
		return
	}
	info := CorpusInfo{Variant: variant, Sources: make([]SourceShape, 0, len(shapes))}
	if info.BuiltAt, err = a.store.BuiltAt(variant); err != nil {
		storeError(w, err)
		return
	}
	for _, sh := range shapes {
		info.Sources = append(info.Sources, SourceShape(sh))
	}
	writeJSON(w, info)
}

func (a *API) handleEvaluations(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		http.Error(w, "no corpus store", http.StatusServiceUnavailable)
		return
	}

	start, end := time.Unix(0, 0), time.Now()
	var err error
	if v := r.URL.Query().Get("since"); v != "" {
		if start, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
	}
	if v := r.URL.Query().Get("until"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			http.Error(w, "invalid until", http.StatusBadRequest)
			return
		}
	}

	records, err := a.store.Evaluations(start, end)
	if err != nil {
		storeError(w, err)
		return
	}
	if records == nil {
		records = []storage.EvaluationRecord{}
	}
	writeJSON(w, records)
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrCorpusNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	log.Error().Err(err).Msg("Store read failed")
	http.Error(w, "store read failed", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
