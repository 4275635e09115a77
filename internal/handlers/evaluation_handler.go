// internal/handlers/evaluation_handler.go
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"gorm.io/gorm"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/middleware"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
	"go_5_listening_test/internal/service"
	"go_5_listening_test/internal/session"
	"go_5_listening_test/internal/webutil"
)

type EvaluationHandler struct {
	db              *gorm.DB
	participantRepo repository.ParticipantRepository
	materializer    service.MaterializerService
	trials          service.TrialService
	eligibility     service.EligibilityService
	sessions        *session.Manager
	cfg             *config.Config
	logger          *slog.Logger
}

func NewEvaluationHandler(db *gorm.DB, participantRepo repository.ParticipantRepository, materializer service.MaterializerService, trials service.TrialService, eligibility service.EligibilityService, sessions *session.Manager, cfg *config.Config, logger *slog.Logger) *EvaluationHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EvaluationHandler{
		db:              db,
		participantRepo: participantRepo,
		materializer:    materializer,
		trials:          trials,
		eligibility:     eligibility,
		sessions:        sessions,
		cfg:             cfg,
		logger:          logger,
	}
}

// evaluationResponse は評価ページ用のテスト設定ビューです
type evaluationResponse struct {
	ParticipantID uint              `json:"participant_id"`
	TestType      string            `json:"test_type"`
	Tests         []*model.TestView `json:"tests"`
}

// GetEvaluation はセッションに割り当てられた条件のテスト設定を返します
func (h *EvaluationHandler) GetEvaluation(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "GetEvaluation"))

	sess := middleware.GetSession(r.Context())
	if sess == nil {
		webutil.HandleError(w, logger, model.NewAppError("UNAUTHORIZED", "セッションが見つかりません。", "", model.ErrSessionInvalid))
		return
	}
	if sess.State != session.StateEvaluation || len(sess.ConditionIDs) == 0 {
		webutil.HandleError(w, logger, model.NewAppError("FORBIDDEN", "評価ステップに進んでいません。", "", model.ErrForbidden))
		return
	}

	views, err := h.materializer.GetTestConfigurations(r.Context(), sess.ParticipantID, sess.ConditionIDs)
	if err != nil {
		logger.Error("Failed to materialize test configurations", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	webutil.RespondWithJSON(w, http.StatusOK, evaluationResponse{
		ParticipantID: sess.ParticipantID,
		TestType:      h.cfg.Experiment.TestType,
		Tests:         views,
	})
}

// PostEvaluation は評価の提出を受け付け、Trialとして記録します
func (h *EvaluationHandler) PostEvaluation(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "PostEvaluation"))

	sess := middleware.GetSession(r.Context())
	if sess == nil {
		webutil.HandleError(w, logger, model.NewAppError("UNAUTHORIZED", "セッションが見つかりません。", "", model.ErrSessionInvalid))
		return
	}

	var req model.SubmitEvaluationRequest
	if err := webutil.DecodeAndValidate(r, &req); err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	resp, err := h.trials.SubmitEvaluation(r.Context(), sess.ParticipantID, sess.ConditionGroupIDs, sess.CrowdData, &req)
	if err != nil {
		// 完全性違反は原典のクライアントが期待する {error, message} 形で返す
		if errors.Is(err, model.ErrSubmissionIntegrity) || errors.Is(err, model.ErrTokenDecode) {
			logger.Warn("Submission rejected", slog.Any("error", err))
			webutil.RespondWithJSON(w, webutil.MapErrorToStatusCode(err), model.SubmitEvaluationResponse{
				Error:   true,
				Message: "The submitted data could not be verified. No responses were recorded.",
			})
			return
		}
		logger.Error("Failed to record evaluation", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	participant, err := h.participantRepo.FindByID(r.Context(), h.db, sess.ParticipantID)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	// 提出済みの条件はセッションから外し、評価後ステップへ進める
	sess.ConditionIDs = nil
	sess.ConditionGroupIDs = nil
	next := h.eligibility.RunPostGate(r.Context(), participant)
	if next == service.GateEnd {
		sess.State = session.StateEnd
	} else {
		sess.State = session.StatePostEvaluation
	}
	if err := h.sessions.Issue(w, sess); err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	webutil.RespondWithJSON(w, http.StatusOK, resp)
}
