package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/callbill/internal/billing"
	"github.com/opensource-finance/callbill/internal/domain"
	"github.com/opensource-finance/callbill/internal/pricing"
	"github.com/opensource-finance/callbill/internal/repository"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	billing  *billing.Service
	validate *validator.Validate
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, svc *billing.Service, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		billing:  svc,
		validate: newValidator(),
		version:  version,
	}
}

// unixSeconds decodes seconds since the epoch from a JSON number or
// numeric string. Fractions are dropped.
type unixSeconds int64

func (u *unixSeconds) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*u = unixSeconds(n)
		return nil
	}

	if !strings.ContainsAny(s, ".eE") {
		return fmt.Errorf("timestamp must be unix seconds, got %q", s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < math.MinInt64 || f >= math.MaxInt64 {
		return fmt.Errorf("timestamp must be unix seconds, got %q", s)
	}
	*u = unixSeconds(math.Trunc(f))
	return nil
}

// CallRecordRequest is the request body for creating or updating a record.
type CallRecordRequest struct {
	ID          *int64       `json:"id" validate:"required,gte=0"`
	Type        string       `json:"type" validate:"required,oneof=start end"`
	Timestamp   *unixSeconds `json:"timestamp" validate:"required,gte=0"`
	CallID      *int64       `json:"call_id" validate:"required,gte=0"`
	Source      string       `json:"source" validate:"omitempty,phone"`
	Destination string       `json:"destination" validate:"omitempty,phone"`
}

// CallRecordResponse is the serialized form of a call record.
type CallRecordResponse struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	CallID      int64  `json:"call_id"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

func newCallRecordResponse(rec *domain.CallRecord) CallRecordResponse {
	return CallRecordResponse{
		ID:          rec.ID,
		Type:        string(rec.Type),
		Timestamp:   rec.Timestamp.Unix(),
		CallID:      rec.CallID,
		Source:      rec.Source,
		Destination: rec.Destination,
	}
}

// CallResponse is the response for GET /calls/{id}.
type CallResponse struct {
	ID          int64         `json:"id"`
	Source      string        `json:"source"`
	Destination string        `json:"destination"`
	StartedAt   *time.Time    `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at"`
	Duration    string        `json:"duration,omitempty"`
	Bill        *CallBillInfo `json:"bill,omitempty"`
}

// CallBillInfo is the bill attached to a call.
type CallBillInfo struct {
	ID    string `json:"id"`
	Price string `json:"price"`
}

// BillResponse is the response for GET /bills/{subscriber}.
type BillResponse struct {
	Subscriber  string               `json:"subscriber"`
	Period      string               `json:"period"`
	BillRecords []BillRecordResponse `json:"bill_records"`
}

// BillRecordResponse is one charged call on a bill.
type BillRecordResponse struct {
	ID            string `json:"id"`
	Destination   string `json:"destination"`
	CallStartDate string `json:"call_start_date"`
	CallStartTime string `json:"call_start_time"`
	CallDuration  string `json:"call_duration"`
	CallPrice     string `json:"call_price"`
}

// CreateRecord handles POST /calls/records. A body whose id already exists
// updates that record.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req CallRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	h.submitRecord(w, r, &req, http.StatusCreated)
}

// UpdateRecord handles PUT /calls/records/{id}.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}

	if _, err := h.repo.GetCallRecord(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}

	var req CallRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	req.ID = &id

	h.submitRecord(w, r, &req, http.StatusOK)
}

func (h *Handler) submitRecord(w http.ResponseWriter, r *http.Request, req *CallRecordRequest, status int) {
	ctx := r.Context()

	if fields := h.validateRecord(req); len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": fields,
		})
		return
	}

	rec := &domain.CallRecord{
		ID:          *req.ID,
		CallID:      *req.CallID,
		Type:        domain.RecordType(req.Type),
		Timestamp:   time.Unix(int64(*req.Timestamp), 0).UTC(),
		Source:      req.Source,
		Destination: req.Destination,
	}

	created, err := h.billing.SubmitRecord(ctx, rec)
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int64("call.id", rec.CallID),
		attribute.Int64("record.id", rec.ID),
		attribute.String("record.type", string(rec.Type)),
		attribute.Bool("record.created", created),
	)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	stored, err := h.repo.GetCallRecord(ctx, rec.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	slog.Debug("call record saved",
		"record_id", rec.ID,
		"call_id", rec.CallID,
		"type", rec.Type,
		"created", created,
		"trace_id", GetTraceID(ctx),
	)

	writeJSON(w, status, newCallRecordResponse(stored))
}

// validateRecord returns the failing fields of req, if any. Start records
// must carry both phone numbers.
func (h *Handler) validateRecord(req *CallRecordRequest) map[string]string {
	fields := map[string]string{}
	if err := h.validate.Struct(req); err != nil {
		fields = validationFields(err)
	}

	if req.Type == string(domain.RecordStart) {
		if req.Source == "" {
			fields["source"] = "This field is required"
		}
		if req.Destination == "" {
			fields["destination"] = "This field is required"
		}
	}

	return fields
}

// ListRecords handles GET /calls/records.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := h.repo.ListCallRecords(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]CallRecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, newCallRecordResponse(rec))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetRecord handles GET /calls/records/{id}.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}

	rec, err := h.repo.GetCallRecord(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, newCallRecordResponse(rec))
}

// GetCall handles GET /calls/{id}.
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := int64Param(w, r, "id")
	if !ok {
		return
	}

	call, err := h.repo.GetCall(ctx, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	loc := h.billing.Location()
	resp := CallResponse{
		ID:          call.ID,
		Source:      call.Source,
		Destination: call.Destination,
	}
	if call.StartedAt != nil {
		t := call.StartedAt.In(loc)
		resp.StartedAt = &t
	}
	if call.EndedAt != nil {
		t := call.EndedAt.In(loc)
		resp.EndedAt = &t
	}
	if d, ok := call.Duration(); ok {
		resp.Duration = formatDuration(d)
	}

	bill, err := h.repo.GetBillRecordByCall(ctx, id)
	switch {
	case err == nil:
		resp.Bill = &CallBillInfo{
			ID:    bill.ID,
			Price: bill.Price.StringFixed(pricing.ChargePlaces),
		}
	case !errors.Is(err, repository.ErrNotFound):
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// SearchBill handles GET /bills/{subscriber}?period=MM/YYYY.
func (h *Handler) SearchBill(w http.ResponseWriter, r *http.Request) {
	subscriber := chi.URLParam(r, "subscriber")

	fields := map[string]string{}
	if !isPhone(subscriber) {
		fields["subscriber"] = phoneMessage
	}

	var period *domain.Period
	if raw := r.URL.Query().Get("period"); raw != "" {
		p, err := domain.ParsePeriod(raw)
		if err != nil {
			fields["period"] = "Must be a period in MM/YYYY format"
		} else {
			period = &p
		}
	}

	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": fields,
		})
		return
	}

	bill, err := h.billing.SearchBill(r.Context(), subscriber, period)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	loc := h.billing.Location()
	resp := BillResponse{
		Subscriber:  bill.Subscriber,
		Period:      bill.Period.String(),
		BillRecords: make([]BillRecordResponse, 0, len(bill.Lines)),
	}
	for _, line := range bill.Lines {
		started := line.StartedAt.In(loc)
		resp.BillRecords = append(resp.BillRecords, BillRecordResponse{
			ID:            line.ID,
			Destination:   line.Destination,
			CallStartDate: started.Format("02/01/2006"),
			CallStartTime: started.Format("15:04:05"),
			CallDuration:  formatDuration(line.Duration()),
			CallPrice:     line.Price.StringFixed(pricing.ChargePlaces),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// formatDuration renders d as HH:MM:SS, prefixed by a day count when it
// spans a day or more.
func formatDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	days := secs / 86400
	secs %= 86400

	s := fmt.Sprintf("%02d:%02d:%02d", secs/3600, secs%3600/60, secs%60)
	if days > 0 {
		s = fmt.Sprintf("%d %s", days, s)
	}
	return s
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	// Check repository health
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	// Check event bus health
	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// writeError maps domain errors to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, billing.ErrOutOfOrder),
		errors.Is(err, pricing.ErrInvalidInterval),
		errors.Is(err, pricing.ErrMissingEndpoints),
		errors.Is(err, pricing.ErrConfigurationGap):
		status = http.StatusUnprocessableEntity
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
	})
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": name + " must be a non-negative integer",
		})
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
