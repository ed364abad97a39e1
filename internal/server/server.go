package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"photcal/internal/apcorr"
	"photcal/internal/header"
	"photcal/internal/logging"
	"photcal/internal/photometry"
	"photcal/internal/pipeline"
	"photcal/internal/storage"
	"photcal/internal/survey"
	"photcal/internal/uncertainty"

	"github.com/gorilla/mux"
)

// maxBody bounds request bodies.
const maxBody = 8 << 20

// Server exposes the calibration pipeline over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	registry *survey.Registry
	hub      *hub
	log      *slog.Logger
	server   *http.Server
	newID    func(prefix string) string
}

// NewServer creates a server. store may be nil, in which case the run
// history endpoints answer 503.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, reg *survey.Registry, log *slog.Logger) *Server {
	log = logging.Component(log, "server")
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		registry: reg,
		hub:      newHub(log),
		log:      log,
		newID: func(prefix string) string {
			return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
		},
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)
	go s.forwardResults(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve builds a Server and runs it until ctx is done.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, reg *survey.Registry, log *slog.Logger) error {
	return NewServer(addr, store, pipe, reg, log).Start(ctx)
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/surveys", s.handleSurveys).Methods("GET")
	api.HandleFunc("/surveys/{name}", s.handleSurvey).Methods("GET")
	api.HandleFunc("/surveys/{name}/pixel-scale", s.handlePixelScale).Methods("GET")
	api.HandleFunc("/calibrate", s.handleCalibrate).Methods("POST")
	api.HandleFunc("/batch", s.handleBatch).Methods("POST")
	api.HandleFunc("/runs", s.handleRuns).Methods("GET")
	api.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	api.HandleFunc("/stream", s.handleStream).Methods("GET")
}

// forwardResults pushes every finished pipeline job to stream clients.
func (s *Server) forwardResults(ctx context.Context) {
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newRunView(res))
			if err != nil {
				s.log.Warn("failed to encode result", "job", res.Job.ID, "error", err)
				continue
			}
			s.hub.publish(payload)
		}
	}
}

// surveyView is the wire form of a survey descriptor.
type surveyView struct {
	Name            string             `json:"name"`
	Filters         []string           `json:"filters"`
	FilterSpecified bool               `json:"filter_specified"`
	ZeroPoints      map[string]float64 `json:"zero_points,omitempty"`
	ZeroPointHeader string             `json:"zero_point_keyword,omitempty"`
	PixelScales     []float64          `json:"pixel_scales"`
}

func (s *Server) describe(name string) (surveyView, error) {
	d, err := s.registry.Lookup(name)
	if err != nil {
		return surveyView{}, err
	}
	v := surveyView{
		Name:            d.Name,
		Filters:         d.Filters,
		FilterSpecified: d.FilterSpecified(),
		PixelScales:     d.PixelScales,
	}
	if d.ZeroPoint.FromHeader {
		v.ZeroPointHeader = photometry.ZeroPointKeyword
	} else {
		v.ZeroPoints = d.ZeroPoint.Values
	}
	return v, nil
}

// runView is the wire form of a finished job.
type runView struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Input    string             `json:"input,omitempty"`
	Error    string             `json:"error,omitempty"`
	Meta     map[string]any     `json:"meta,omitempty"`
	Outcomes []pipeline.Outcome `json:"outcomes"`
}

func newRunView(res pipeline.Result) runView {
	v := runView{
		ID:       res.Job.ID,
		Type:     string(res.Job.Type),
		Input:    res.Job.InputPath,
		Meta:     res.Meta,
		Outcomes: res.Outcomes,
	}
	if res.Error != nil {
		v.Error = res.Error.Error()
	}
	if v.Outcomes == nil {
		v.Outcomes = []pipeline.Outcome{}
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleSurveys(w http.ResponseWriter, r *http.Request) {
	names := s.registry.Surveys()
	views := make([]surveyView, 0, len(names))
	for _, name := range names {
		v, err := s.describe(name)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleSurvey(w http.ResponseWriter, r *http.Request) {
	v, err := s.describe(mux.Vars(r)["name"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handlePixelScale(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	filter := r.URL.Query().Get("filter")
	scale, err := s.registry.PixelScale(name, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"survey": name, "filter": filter, "pixel_scale": scale})
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	var m photometry.Measurement
	if err := decodeBody(w, r, &m); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	res := s.pipeline.Run(r.Context(), pipeline.Job{
		ID:           s.newID("api"),
		Type:         pipeline.JobBatch,
		Measurements: []photometry.Measurement{m},
		Options:      map[string]any{"source": "api"},
	})
	if res.Error != nil {
		writeError(w, res.Error)
		return
	}
	out := res.Outcomes[0]
	if out.Err != nil {
		writeError(w, out.Err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var ms []photometry.Measurement
	if err := decodeBody(w, r, &ms); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	job := pipeline.Job{
		ID:           s.newID("batch"),
		Type:         pipeline.JobBatch,
		Measurements: ms,
		Options:      map[string]any{"source": "api"},
	}
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := s.pipeline.Submit(job); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "queued"})
		return
	}
	res := s.pipeline.Run(r.Context(), job)
	if res.Error != nil {
		writeError(w, res.Error)
		return
	}
	writeJSON(w, http.StatusOK, newRunView(res))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "run history is disabled"})
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := s.store.RecentRuns(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.RunRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "run history is disabled"})
		return
	}
	id := mux.Vars(r)["id"]
	meta, err := s.store.RunMeta(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: fmt.Sprintf("run %q not found", id)})
		return
	}
	recs, err := s.store.RunResults(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	outs := make([]pipeline.Outcome, len(recs))
	for i, rec := range recs {
		outs[i] = pipeline.Outcome{
			Index:  rec.Index,
			ID:     rec.MeasurementID,
			Survey: rec.Survey,
			Filter: rec.Filter,
			Result: photometry.Result{
				Magnitude:    rec.Magnitude,
				MagnitudeErr: rec.MagnitudeErr,
				Flux:         rec.Flux,
				FluxErr:      rec.FluxErr,
				ZeroPoint:    rec.ZeroPoint,
			},
		}
		if rec.Error != "" {
			outs[i].Err = errors.New(rec.Error)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "meta": meta, "outcomes": outs})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.add(conn)
}

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, survey.ErrUnknownSurvey):
		return http.StatusNotFound
	case errors.Is(err, survey.ErrUnknownFilter),
		errors.Is(err, survey.ErrAmbiguousPixelScale),
		errors.Is(err, header.ErrMissingField),
		errors.Is(err, uncertainty.ErrInvalidHeaderValue),
		errors.Is(err, uncertainty.ErrUnsupportedSurvey),
		errors.Is(err, apcorr.ErrUnknownInstrumentOrFilter):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
