package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/arksms/dispatch/internal/dispatch/domain"
	"github.com/arksms/dispatch/internal/dispatch/report"
)

// deliveryReportRequest is a carrier's delivery report webhook payload.
type deliveryReportRequest struct {
	OtherID     string     `json:"other_id" validate:"required"`
	Code        string     `json:"code" validate:"required"`
	Description *string    `json:"description"`
	Timestamp   *time.Time `json:"timestamp"`
}

func (s *Server) handleDeliveryReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	routeCode := chi.URLParam(r, "code")

	var req deliveryReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	route, err := s.routeRepo.GetByCode(ctx, routeCode)
	if errors.Is(err, domain.ErrRouteNotFound) {
		s.writeError(w, http.StatusNotFound, "unknown route")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	mappings, err := s.routeRepo.ReportCodeMappings(ctx, route.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	// A code the mapping table does not know is a configuration gap on our
	// side, not a bad request: the carrier is telling us something we are
	// not set up to understand.
	newStatus, ok := mappings[req.Code]
	if !ok {
		s.sink.Report(ctx, "report_webhook", fmt.Sprintf("route %s", routeCode),
			fmt.Errorf("unmapped report code %q", req.Code), domain.ResolutionFatalError)
		s.writeError(w, http.StatusInternalServerError, "unmapped report code")
		return
	}

	incoming := report.IncomingReport{
		NewStatus:        newStatus,
		TheirCode:        &req.Code,
		TheirDescription: req.Description,
		TheirTimestamp:   req.Timestamp,
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		return s.reconciler.ApplyByOtherID(ctx, tx, route.ID, req.OtherID, incoming)
	})
	switch {
	case errors.Is(err, domain.ErrMessageNotFound):
		s.writeError(w, http.StatusNotFound, "unknown message")
	case domain.IsInvalidState(err):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.ErrorContext(ctx, "failed to apply delivery report",
			"route", routeCode, "other_id", req.OtherID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
