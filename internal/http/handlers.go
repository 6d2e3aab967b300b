package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/dispatch"
	"github.com/example/field-dispatch/internal/drivers"
	"github.com/example/field-dispatch/internal/ledger"
	"github.com/example/field-dispatch/internal/lifecycle"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/models"
	"github.com/example/field-dispatch/internal/payouts"
	"github.com/example/field-dispatch/internal/realtime"
)

// ActorHeader carries the authenticated principal set by the gateway.
const ActorHeader = "X-Actor-ID"

type Deps struct {
	Jobs     *lifecycle.Service
	Dispatch *dispatch.Coordinator
	Drivers  *drivers.Service
	Ledger   *ledger.Service
	Payouts  *payouts.Service
	Hub      *realtime.Hub
	// Payments handles gateway webhooks; nil disables the route.
	Payments http.Handler
	// Health reports readiness of the backing stores.
	Health func(ctx context.Context) error
}

type Server struct {
	deps     Deps
	validate *validator.Validate
	logger   *slog.Logger
	mux      *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:     deps,
		validate: validator.New(),
		logger:   logging.OrDiscard(logger).With("component", "http"),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/status", s.handleTransition).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/offers", s.handleOffer).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/rating", s.handleRating).Methods(http.MethodPost)
	api.HandleFunc("/customers/{id}/jobs", s.handleCustomerJobs).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/offers", s.handlePendingOffers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/offers/{job_id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/profile", s.handleProfile).Methods(http.MethodPut)
	if s.deps.Payouts != nil {
		api.HandleFunc("/drivers/{id}/payouts", s.handleInitiatePayout).Methods(http.MethodPost)
		api.HandleFunc("/drivers/{id}/payouts", s.handleListPayouts).Methods(http.MethodGet)
		api.HandleFunc("/drivers/{id}/payouts/{payout_id}", s.handleGetPayout).Methods(http.MethodGet)
		s.mux.HandleFunc("/internal/payouts/{payout_id}/settle", s.handleSettlePayout).Methods(http.MethodPost)
	}
	api.HandleFunc("/candidates", s.handleCandidates).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{owner}", s.handleBalance).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{owner}/transactions", s.handleTransactions).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	if s.deps.Payments != nil {
		s.mux.Handle("/webhooks/stripe", s.deps.Payments).Methods(http.MethodPost)
	}
	if s.deps.Hub != nil {
		s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
	}
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type coordRequest struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lon float64 `json:"lon" validate:"longitude"`
}

func (c coordRequest) coord() models.Coord { return models.Coord{Lat: c.Lat, Lon: c.Lon} }

type createJobRequest struct {
	QuoteID     string       `json:"quote_id"`
	ServiceType string       `json:"service_type" validate:"required"`
	Origin      coordRequest `json:"origin"`
	Destination coordRequest `json:"destination"`
	QuotedPrice int64        `json:"quoted_price" validate:"gte=0"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var req createJobRequest
	if !s.decode(w, r, &req) {
		return
	}
	job, err := s.deps.Jobs.CreateJob(r.Context(), lifecycle.CreateJobInput{
		QuoteID:     req.QuoteID,
		CustomerID:  actor,
		ServiceType: req.ServiceType,
		Origin:      req.Origin.coord(),
		Destination: req.Destination.coord(),
		QuotedPrice: req.QuotedPrice,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	detail, err := s.deps.Jobs.ViewJob(r.Context(), mux.Vars(r)["id"], actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleCustomerJobs(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	customerID := mux.Vars(r)["id"]
	if actor != customerID {
		s.writeError(w, r, apperr.ErrForbidden)
		return
	}
	limit, offset := paging(r)
	jobs, err := s.deps.Jobs.ListCustomerJobs(r.Context(), customerID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// transitionRequest moves a job on behalf of one of its parties. Assignment
// happens only through offer acceptance.
type transitionRequest struct {
	State string         `json:"state" validate:"required"`
	Meta  map[string]any `json:"meta"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if !s.decode(w, r, &req) {
		return
	}
	jobID := mux.Vars(r)["id"]
	to := models.JobState(strings.ToUpper(req.State))
	if to == models.JobAssigned || to == models.JobDispatching {
		s.writeError(w, r, apperr.Newf(apperr.CodeInvalidTransition, "%s is reached through dispatch, not set directly", to))
		return
	}

	var (
		job *models.Job
		err error
	)
	if to == models.JobCancelled {
		job, err = s.deps.Dispatch.CancelJob(r.Context(), jobID, actor, req.Meta)
	} else {
		job, err = s.deps.Jobs.Transition(r.Context(), lifecycle.TransitionInput{
			JobID:        jobID,
			To:           to,
			Actor:        actor,
			Meta:         req.Meta,
			RequireParty: true,
		})
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// requireCustomer admits only the customer who created the job in the path.
func (s *Server) requireCustomer(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return "", false
	}
	jobID := mux.Vars(r)["id"]
	job, err := s.deps.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	if job.CustomerID != actor {
		s.writeError(w, r, apperr.ErrForbidden)
		return "", false
	}
	return jobID, true
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.requireCustomer(w, r)
	if !ok {
		return
	}
	made, err := s.deps.Dispatch.DispatchJob(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": made})
}

type offerRequest struct {
	DriverID   string `json:"driver_id" validate:"required"`
	TTLSeconds int    `json:"ttl_seconds" validate:"gte=0"`
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.requireCustomer(w, r)
	if !ok {
		return
	}
	var req offerRequest
	if !s.decode(w, r, &req) {
		return
	}
	offer, err := s.deps.Dispatch.OfferJob(r.Context(), jobID, req.DriverID, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offer)
}

func (s *Server) handlePendingOffers(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	pending, err := s.deps.Dispatch.PendingOffers(r.Context(), driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"offers": pending})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	job, err := s.deps.Dispatch.AcceptOffer(r.Context(), mux.Vars(r)["job_id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type ratingRequest struct {
	Value   int    `json:"value" validate:"min=1,max=5"`
	Comment string `json:"comment" validate:"max=1000"`
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}
	var req ratingRequest
	if !s.decode(w, r, &req) {
		return
	}
	rating, err := s.deps.Drivers.SubmitRating(r.Context(), drivers.RatingInput{
		JobID:      mux.Vars(r)["id"],
		CustomerID: actor,
		Value:      req.Value,
		Comment:    req.Comment,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

type profileRequest struct {
	Status       string   `json:"status" validate:"required,oneof=ONLINE OFFLINE SUSPENDED"`
	Capabilities []string `json:"capabilities" validate:"dive,required"`
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if !s.decode(w, r, &req) {
		return
	}
	d, err := s.deps.Drivers.UpsertProfile(r.Context(), drivers.ProfileInput{
		DriverID:     driverID,
		Status:       models.DriverStatus(req.Status),
		Capabilities: req.Capabilities,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type payoutRequest struct {
	Amount        int64  `json:"amount" validate:"min=1"`
	AccountNumber string `json:"account_number" validate:"required,max=34"`
	IFSC          string `json:"ifsc" validate:"required,max=16"`
	Name          string `json:"name" validate:"required,max=128"`
}

func (s *Server) handleInitiatePayout(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	var req payoutRequest
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.deps.Payouts.Initiate(r.Context(), payouts.InitiateInput{
		DriverID:      driverID,
		Amount:        req.Amount,
		AccountNumber: req.AccountNumber,
		IFSC:          req.IFSC,
		AccountName:   req.Name,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleListPayouts(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	limit, offset := paging(r)
	page, err := s.deps.Payouts.List(r.Context(), driverID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetPayout(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.requireSelf(w, r)
	if !ok {
		return
	}
	p, err := s.deps.Payouts.Get(r.Context(), mux.Vars(r)["payout_id"], driverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type settleRequest struct {
	Status     string `json:"status" validate:"required,oneof=COMPLETED FAILED"`
	GatewayRef string `json:"gateway_ref" validate:"max=64"`
	Reason     string `json:"reason"`
}

// handleSettlePayout is called by the payout processor once the bank
// transfer has an outcome.
func (s *Server) handleSettlePayout(w http.ResponseWriter, r *http.Request) {
	var req settleRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["payout_id"]
	var (
		p   *models.Payout
		err error
	)
	if models.PayoutStatus(req.Status) == models.PayoutCompleted {
		p, err = s.deps.Payouts.Complete(r.Context(), id, req.GatewayRef)
	} else {
		p, err = s.deps.Payouts.Fail(r.Context(), id, req.Reason)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type locationRequest struct {
	DriverID string   `json:"driver_id" validate:"required"`
	Lat      float64  `json:"lat" validate:"latitude"`
	Lon      float64  `json:"lon" validate:"longitude"`
	Heading  *float64 `json:"heading" validate:"omitempty,gte=0,lt=360"`
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.deps.Drivers.UpdateLocation(r.Context(), drivers.LocationInput{
		DriverID: req.DriverID,
		Lat:      req.Lat,
		Lon:      req.Lon,
		Heading:  req.Heading,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		s.writeError(w, r, apperr.New(apperr.CodeValidation, "lat and lon query parameters are required"))
		return
	}
	radius, _ := strconv.ParseFloat(q.Get("radius_km"), 64)
	limit, _ := strconv.Atoi(q.Get("limit"))
	found, err := s.deps.Dispatch.FindCandidates(r.Context(), models.Coord{Lat: lat, Lon: lon}, q.Get("capability"), radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": found})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	bal, err := s.deps.Ledger.Balance(r.Context(), owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.requireOwner(w, r)
	if !ok {
		return
	}
	limit, offset := paging(r)
	page, err := s.deps.Ledger.Transactions(r.Context(), owner, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.deps.Hub.ServeWS(w, r, mux.Vars(r)["user_id"])
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		if err := s.deps.Health(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) requireActor(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := actorFromContext(r.Context())
	if actor == "" {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: errorDetail{Code: "UNAUTHENTICATED", Message: "missing " + ActorHeader}})
		return "", false
	}
	return actor, true
}

// requireSelf admits only the driver named in the path.
func (s *Server) requireSelf(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return "", false
	}
	if id := mux.Vars(r)["id"]; id != actor {
		s.writeError(w, r, apperr.ErrForbidden)
		return "", false
	}
	return actor, true
}

func (s *Server) requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, ok := s.requireActor(w, r)
	if !ok {
		return "", false
	}
	if owner := mux.Vars(r)["owner"]; owner != actor {
		s.writeError(w, r, apperr.ErrForbidden)
		return "", false
	}
	return actor, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.CodeValidation, err, "invalid JSON body"))
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeError(w, r, validationError(err))
		return false
	}
	return true
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.CodeValidation, err, "invalid request")
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return apperr.New(apperr.CodeValidation, strings.Join(fields, "; "))
}

type errorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.CodeOf(err)
	meta := apperr.MetadataFor(code)
	msg := "internal error"
	if typed := apperr.As(err); typed != nil && code != apperr.CodeInternal {
		msg = typed.Message()
	}
	if meta.Expected {
		s.logger.Debug("request rejected", "path", r.URL.Path, "code", code, "error", err)
	} else {
		s.logger.Error("request failed", "path", r.URL.Path, "code", code, "error", err)
	}
	writeJSON(w, meta.HTTPStatus, errorBody{Error: errorDetail{
		Code:      string(code),
		Message:   msg,
		RequestID: requestIDFromContext(r.Context()),
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func paging(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return limit, offset
}
