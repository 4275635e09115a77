// internal/handlers/admin_handler.go
package handlers

import (
	"log/slog"
	"net/http"

	"go_5_listening_test/internal/middleware"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/service"
	"go_5_listening_test/internal/webutil"
)

// AdminHandler は運用者向けの統計・ボーナス支払いエンドポイントです
type AdminHandler struct {
	trials service.TrialService
	turk   service.TurkService
	logger *slog.Logger
}

func NewAdminHandler(trials service.TrialService, turk service.TurkService, logger *slog.Logger) *AdminHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AdminHandler{trials: trials, turk: turk, logger: logger}
}

// statsResponse はCondition別のTrial数です
type statsResponse struct {
	Conditions []model.ConditionTrialCount `json:"conditions"`
}

// GetStats は GET /api/v1/admin/stats を処理します
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "GetStats"))

	counts, err := h.trials.GetConditionStats(r.Context())
	if err != nil {
		logger.Error("Failed to collect condition stats", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	webutil.RespondWithJSON(w, http.StatusOK, statsResponse{Conditions: counts})
}

// bonusRequest はボーナス支払い指示です
type bonusRequest struct {
	Type string `json:"type" validate:"required,oneof=first_trial consistency"`
}

type bonusResponse struct {
	Payments []service.BonusPayment `json:"payments"`
}

// PostBonuses は POST /api/v1/admin/bonuses を処理します
func (h *AdminHandler) PostBonuses(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "PostBonuses"))

	if h.turk == nil {
		webutil.HandleError(w, logger, model.NewAppError("NOT_FOUND", "MTurk連携は無効です。", "", model.ErrNotFound))
		return
	}

	var req bonusRequest
	if err := webutil.DecodeAndValidate(r, &req); err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	var payments []service.BonusPayment
	var err error
	switch req.Type {
	case "first_trial":
		payments, err = h.turk.PayFirstTrialBonuses(r.Context())
	case "consistency":
		payments, err = h.turk.PayConsistencyBonuses(r.Context())
	}
	if err != nil {
		logger.Error("Bonus payment failed", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	webutil.RespondWithJSON(w, http.StatusOK, bonusResponse{Payments: payments})
}
