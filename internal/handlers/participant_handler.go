// internal/handlers/participant_handler.go
package handlers

import (
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/middleware"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
	"go_5_listening_test/internal/service"
	"go_5_listening_test/internal/session"
	"go_5_listening_test/internal/webutil"
)

// MTurkのプレビュー中はassignmentIdにこの固定値が入ってくる
const mturkPreviewAssignmentID = "ASSIGNMENT_ID_NOT_AVAILABLE"

type ParticipantHandler struct {
	db              *gorm.DB
	participantRepo repository.ParticipantRepository
	eligibility     service.EligibilityService
	sessions        *session.Manager
	cfg             *config.Config
	logger          *slog.Logger
}

func NewParticipantHandler(db *gorm.DB, participantRepo repository.ParticipantRepository, eligibility service.EligibilityService, sessions *session.Manager, cfg *config.Config, logger *slog.Logger) *ParticipantHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParticipantHandler{
		db:              db,
		participantRepo: participantRepo,
		eligibility:     eligibility,
		sessions:        sessions,
		cfg:             cfg,
		logger:          logger,
	}
}

// entryResponse は参加エントリーポイントのレスポンスです
type entryResponse struct {
	Platform  string            `json:"platform"`
	Preview   bool              `json:"preview"`
	CrowdData map[string]string `json:"crowd_data,omitempty"`
}

// EntryAnonymous は匿名参加者のエントリーポイント
func (h *ParticipantHandler) EntryAnonymous(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(slog.String("handler", "EntryAnonymous"))

	if !h.cfg.Experiment.AnonymousParticipantsEnabled {
		appErr := model.NewAppError("FORBIDDEN", "匿名での参加は受け付けていません。", "", model.ErrForbidden)
		webutil.HandleError(w, logger, appErr)
		return
	}

	// 前の参加者のセッションが残っていても引き継がない
	h.sessions.Clear(w)
	webutil.RespondWithJSON(w, http.StatusOK, entryResponse{Platform: model.PlatformAnonymous})
}

// EntryMTurk はMTurkのexternalQuestion iframeからのエントリーポイント。
// プレビュー中 (assignmentId未確定) はセッションを開始しません。
func (h *ParticipantHandler) EntryMTurk(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	assignmentID := query.Get("assignmentId")

	if assignmentID == "" || assignmentID == mturkPreviewAssignmentID {
		webutil.RespondWithJSON(w, http.StatusOK, entryResponse{
			Platform: model.PlatformMTurk,
			Preview:  true,
		})
		return
	}

	h.sessions.Clear(w)
	webutil.RespondWithJSON(w, http.StatusOK, entryResponse{
		Platform: model.PlatformMTurk,
		CrowdData: map[string]string{
			"worker_id":      query.Get("workerId"),
			"assignment_id":  assignmentID,
			"hit_id":         query.Get("hitId"),
			"turk_submit_to": query.Get("turkSubmitTo"),
		},
	})
}

// CreateParticipant は参加者をworker IDで検索または作成し、セッションを
// 開始して適格性ゲートを実行します。
func (h *ParticipantHandler) CreateParticipant(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "CreateParticipant"))

	var req model.CreateParticipantRequest
	if err := webutil.DecodeAndValidate(r, &req); err != nil {
		logger.Warn("Invalid participant request", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	if req.Platform == model.PlatformAnonymous && !h.cfg.Experiment.AnonymousParticipantsEnabled {
		webutil.HandleError(w, logger, model.NewAppError("FORBIDDEN", "匿名での参加は受け付けていません。", "platform", model.ErrForbidden))
		return
	}

	workerID := req.WorkerID
	if workerID == "" {
		if req.Platform == model.PlatformMTurk {
			webutil.HandleError(w, logger, model.NewAppError("VALIDATION_ERROR", "worker_idは必須項目です。", "worker_id", model.ErrInvalidInput))
			return
		}
		workerID = uuid.NewString()
	}

	participant, err := h.findOrCreate(r, req.Platform, workerID)
	if err != nil {
		logger.Error("Failed to find or create participant", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}
	logger = logger.With(slog.Uint64("participant_id", uint64(participant.ID)))

	decision, err := h.eligibility.RunGate(r.Context(), participant, nil)
	if err != nil {
		logger.Error("Eligibility gate failed", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	sess := &session.Session{
		ParticipantID:     participant.ID,
		ConditionIDs:      decision.ConditionIDs,
		ConditionGroupIDs: decision.ConditionGroupIDs,
		State:             sessionStateFor(decision.State),
		CrowdData:         req.CrowdData,
	}
	if err := h.sessions.Issue(w, sess); err != nil {
		logger.Error("Failed to issue session", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	logger.Info("Participant entered", slog.String("state", string(decision.State)))
	webutil.RespondWithJSON(w, http.StatusOK, model.GateResponse{
		ParticipantID:     participant.ID,
		State:             string(decision.State),
		ConditionIDs:      decision.ConditionIDs,
		ConditionGroupIDs: decision.ConditionGroupIDs,
	})
}

func (h *ParticipantHandler) findOrCreate(r *http.Request, platform, workerID string) (*model.Participant, error) {
	ctx := r.Context()

	participant, err := h.participantRepo.FindByWorkerID(ctx, h.db, workerID)
	if err == nil {
		return participant, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	participant = &model.Participant{
		CrowdWorkerID: workerID,
		Platform:      platform,
	}
	if h.cfg.Experiment.IPCollectionEnabled {
		if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
			participant.IPAddress = host
		} else {
			participant.IPAddress = r.RemoteAddr
		}
	}

	err = h.participantRepo.Create(ctx, h.db, participant)
	if errors.Is(err, model.ErrConflict) {
		// 同じworker IDの同時登録に負けた場合は既存行を引く
		return h.participantRepo.FindByWorkerID(ctx, h.db, workerID)
	}
	if err != nil {
		return nil, err
	}
	return participant, nil
}

// sessionStateFor はゲート判定をセッション状態タグに写します
func sessionStateFor(state service.GateState) string {
	switch state {
	case service.GateEvaluation:
		return session.StateEvaluation
	case service.GateNoWork, service.GateRejected:
		return session.StateEnd
	default:
		return session.StatePreEvaluation
	}
}
