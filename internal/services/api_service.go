package services

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/benmeehan/location-agent/internal/constants"
	"github.com/benmeehan/location-agent/internal/middleware"
	"github.com/benmeehan/location-agent/internal/models"
	"github.com/benmeehan/location-agent/pkg/identity"
	"github.com/benmeehan/location-agent/pkg/response"
)

const shutdownTimeout = 5 * time.Second

// APIService exposes aggregates, status and sample submission over HTTP.
type APIService struct {
	listenAddr string
	querier    Querier
	reporter   *StatusReporter
	sink       SampleSink
	deviceInfo identity.DeviceInfoInterface
	logger     zerolog.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewAPIService creates the HTTP API.
func NewAPIService(listenAddr string, querier Querier, reporter *StatusReporter, sink SampleSink,
	deviceInfo identity.DeviceInfoInterface, logger zerolog.Logger) *APIService {
	return &APIService{
		listenAddr: listenAddr,
		querier:    querier,
		reporter:   reporter,
		sink:       sink,
		deviceInfo: deviceInfo,
		logger:     logger,
	}
}

// Handler returns the API router.
func (a *APIService) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.LoggerMiddleware(a.logger))

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/aggregates", a.getAggregates).Methods(http.MethodGet)
	api.HandleFunc("/status", a.getStatus).Methods(http.MethodGet)
	api.HandleFunc("/samples", a.postSample).Methods(http.MethodPost)
	return r
}

// Start binds the listen address and serves in the background.
func (a *APIService) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.logger.Warn().Msg("APIService is already running")
		return errors.New("api service is already running")
	}

	ln, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return err
	}
	a.listener = ln
	a.server = &http.Server{
		Handler:      a.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	server := a.server
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("API server failed")
		}
	}()

	a.logger.Info().Str("addr", ln.Addr().String()).Msg("APIService started")
	return nil
}

// Addr returns the bound address, or nil when not running.
func (a *APIService) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Stop shuts the server down, letting in-flight requests finish.
func (a *APIService) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil {
		a.logger.Warn().Msg("APIService is not running")
		return errors.New("api service is not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err := a.server.Shutdown(ctx)
	a.wg.Wait()

	a.server = nil
	a.listener = nil
	a.logger.Info().Msg("APIService stopped")
	return err
}

func (a *APIService) getAggregates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		response.BadRequest(w, "invalid from parameter, expected RFC3339")
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		response.BadRequest(w, "invalid to parameter, expected RFC3339")
		return
	}
	resolution, err := time.ParseDuration(q.Get("resolution"))
	if err != nil {
		response.BadRequest(w, "invalid resolution parameter, expected a duration such as 1h")
		return
	}

	windows, err := a.querier.Query(r.Context(), from, to, resolution)
	var (
		verr *models.ValidationError
		rerr *models.RangeUnavailableError
	)
	switch {
	case errors.As(err, &verr):
		response.BadRequest(w, verr.Error())
	case errors.As(err, &rerr):
		response.Error(w, http.StatusGone, rerr.Error())
	case err != nil:
		a.logger.Error().Err(err).Msg("Aggregate query failed")
		response.InternalError(w, "aggregate query failed")
	default:
		response.Success(w, windows)
	}
}

func (a *APIService) getStatus(w http.ResponseWriter, r *http.Request) {
	report, err := a.reporter.Report(r.Context())
	if err != nil {
		a.logger.Error().Err(err).Msg("Status report failed")
		response.InternalError(w, "status unavailable")
		return
	}
	response.Success(w, report)
}

func (a *APIService) postSample(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		response.BadRequest(w, "invalid request body")
		return
	}
	if sample.ClientID == "" {
		sample.ClientID = uuid.NewString()
	}
	if sample.DeviceID == "" {
		sample.DeviceID = a.deviceInfo.GetDeviceID()
	}
	if sample.SchemaVersion == "" {
		sample.SchemaVersion = constants.SchemaVersion
	}

	if err := a.sink.Enqueue(r.Context(), sample); err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			response.BadRequest(w, verr.Error())
			return
		}
		a.logger.Error().Err(err).Msg("Failed to buffer submitted sample")
		response.InternalError(w, "failed to buffer sample")
		return
	}
	response.Accepted(w, map[string]string{"client_id": sample.ClientID})
}
