package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/arksms/dispatch/internal/dispatch/domain"
)

// withMessage runs op in a transaction against the message named in the URL
// and translates the outcome into an HTTP status.
func (s *Server) withMessage(w http.ResponseWriter, r *http.Request, op func(tx pgx.Tx, msg *domain.Message) error) {
	ctx := r.Context()

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	err = s.inTx(ctx, func(tx pgx.Tx) error {
		msg, err := s.messageRepo.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		return op(tx, msg)
	})
	switch {
	case errors.Is(err, domain.ErrMessageNotFound):
		s.writeError(w, http.StatusNotFound, "unknown message")
	case domain.IsInvalidState(err):
		s.writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		s.logger.ErrorContext(ctx, "management operation failed", "message_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.withMessage(w, r, func(tx pgx.Tx, msg *domain.Message) error {
		return s.engine.CancelMessage(r.Context(), tx, msg)
	})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.withMessage(w, r, func(tx pgx.Tx, msg *domain.Message) error {
		return s.engine.RetryMessage(r.Context(), tx, msg)
	})
}

func (s *Server) handleUnhold(w http.ResponseWriter, r *http.Request) {
	s.withMessage(w, r, func(tx pgx.Tx, msg *domain.Message) error {
		return s.engine.UnholdMessage(r.Context(), tx, msg)
	})
}

type resendRequest struct {
	RouteCode string `json:"route_code" validate:"required"`
}

func (s *Server) handleResend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req resendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	route, err := s.routeRepo.GetByCode(ctx, req.RouteCode)
	if errors.Is(err, domain.ErrRouteNotFound) {
		s.writeError(w, http.StatusBadRequest, "unknown route")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	var fresh *domain.Message
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		msg, err := s.messageRepo.GetByID(ctx, tx, id)
		if err != nil {
			return err
		}
		fresh, err = s.engine.ResendMessage(ctx, tx, msg, route.ID)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrMessageNotFound):
		s.writeError(w, http.StatusNotFound, "unknown message")
	case err != nil:
		s.logger.ErrorContext(ctx, "resend failed", "message_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	default:
		s.logger.InfoContext(ctx, "message resent",
			"original_id", id, "new_id", fresh.ID, "route", req.RouteCode)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]int64{"message_id": fresh.ID})
	}
}
