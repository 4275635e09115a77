// internal/handlers/eligibility_handler.go
package handlers

import (
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/middleware"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
	"go_5_listening_test/internal/service"
	"go_5_listening_test/internal/session"
	"go_5_listening_test/internal/webutil"
)

// EligibilityHandler は評価前後のタスク (同意・聴覚テスト・アンケート・
// 聴感応答推定) のエンドポイントを提供します。
type EligibilityHandler struct {
	db              *gorm.DB
	participantRepo repository.ParticipantRepository
	eligibility     service.EligibilityService
	hearing         service.HearingService
	sessions        *session.Manager
	cfg             *config.Config
	logger          *slog.Logger
}

func NewEligibilityHandler(db *gorm.DB, participantRepo repository.ParticipantRepository, eligibility service.EligibilityService, hearing service.HearingService, sessions *session.Manager, cfg *config.Config, logger *slog.Logger) *EligibilityHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EligibilityHandler{
		db:              db,
		participantRepo: participantRepo,
		eligibility:     eligibility,
		hearing:         hearing,
		sessions:        sessions,
		cfg:             cfg,
		logger:          logger,
	}
}

// participantFromSession はセッションの参加者を取得します
func (h *EligibilityHandler) participantFromSession(r *http.Request) (*session.Session, *model.Participant, error) {
	sess := middleware.GetSession(r.Context())
	if sess == nil {
		return nil, nil, model.NewAppError("UNAUTHORIZED", "セッションが見つかりません。", "", model.ErrSessionInvalid)
	}
	participant, err := h.participantRepo.FindByID(r.Context(), h.db, sess.ParticipantID)
	if err != nil {
		return nil, nil, err
	}
	return sess, participant, nil
}

// refreshGate はゲートを再実行し、セッションを書き直して次ステップを返します。
// 割当済みの条件IDがあればそれを維持します (再割当で別の条件に飛ばない)。
func (h *EligibilityHandler) refreshGate(w http.ResponseWriter, r *http.Request, sess *session.Session, participant *model.Participant, logger *slog.Logger) {
	decision, err := h.eligibility.RunGate(r.Context(), participant, sess.ConditionIDs)
	if err != nil {
		logger.Error("Eligibility gate failed", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	sess.ConditionIDs = decision.ConditionIDs
	sess.ConditionGroupIDs = decision.ConditionGroupIDs
	sess.State = sessionStateFor(decision.State)
	if err := h.sessions.Issue(w, sess); err != nil {
		logger.Error("Failed to refresh session", slog.Any("error", err))
		webutil.HandleError(w, logger, err)
		return
	}

	webutil.RespondWithJSON(w, http.StatusOK, model.GateResponse{
		ParticipantID:     participant.ID,
		State:             string(decision.State),
		ConditionIDs:      decision.ConditionIDs,
		ConditionGroupIDs: decision.ConditionGroupIDs,
	})
}

// PostConsent は同意・不同意を記録します
func (h *EligibilityHandler) PostConsent(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "PostConsent"))

	sess, participant, err := h.participantFromSession(r)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	var req model.ConsentRequest
	if err := webutil.DecodeAndValidate(r, &req); err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	agree := req.Consent == "agree"
	if err := h.eligibility.GiveConsent(r.Context(), participant.ID, agree); err != nil {
		webutil.HandleError(w, logger, err)
		return
	}
	if !agree {
		// 不同意の参加者はそこで終了
		sess.State = session.StateEnd
		h.sessions.Issue(w, sess)
		webutil.RespondWithJSON(w, http.StatusOK, model.GateResponse{
			ParticipantID: participant.ID,
			State:         string(service.GateEnd),
		})
		return
	}

	participant.GaveConsent = true
	h.refreshGate(w, r, sess, participant, logger)
}

// PostPreSurvey は事前アンケートを保存し、包含基準を適用します
func (h *EligibilityHandler) PostPreSurvey(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "PostPreSurvey"))

	sess, participant, err := h.participantFromSession(r)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	var req model.SurveyRequest
	if err := webutil.DecodeAndValidate(r, &req); err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	eligible, err := h.eligibility.SubmitPreSurvey(r.Context(), participant.ID, req.Answers)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}
	if !eligible {
		sess.State = session.StateEnd
		h.sessions.Issue(w, sess)
		webutil.RespondWithJSON(w, http.StatusOK, model.GateResponse{
			ParticipantID: participant.ID,
			State:         string(service.GateRejected),
		})
		return
	}

	// ゲートは保存済みのアンケートを読むため、participantを読み直す
	participant, err = h.participantRepo.FindByID(r.Context(), h.db, participant.ID)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}
	h.refreshGate(w, r, sess, participant, logger)
}

// PostPostSurvey は事後アンケートを保存します
func (h *EligibilityHandler) PostPostSurvey(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "PostPostSurvey"))

	sess, participant, err := h.participantFromSession(r)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	var req model.SurveyRequest
	if err := webutil.DecodeAndValidate(r, &req); err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	if err := h.eligibility.SubmitPostSurvey(r.Context(), participant.ID, req.Answers); err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	participant, err = h.participantRepo.FindByID(r.Context(), h.db, participant.ID)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	next := h.eligibility.RunPostGate(r.Context(), participant)
	if next == service.GateEnd {
		sess.State = session.StateEnd
	}
	h.sessions.Issue(w, sess)
	webutil.RespondWithJSON(w, http.StatusOK, model.GateResponse{
		ParticipantID: participant.ID,
		State:         string(next),
	})
}

// hearingTestResponse は聴覚テスト出題のレスポンスです
type hearingTestResponse struct {
	Examples          map[string]string `json:"examples"`
	Calibration       string            `json:"calibration"`
	AttemptsRemaining int               `json:"attempts_remaining"`
}

// GetHearingTest は聴覚テストを出題します。正解はセッションに
// 封印トークンとして保持され、クライアントには渡りません。
func (h *EligibilityHandler) GetHearingTest(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "GetHearingTest"))

	sess, participant, err := h.participantFromSession(r)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	if !h.cfg.HearingTest.Enabled {
		webutil.HandleError(w, logger, model.NewAppError("NOT_FOUND", "聴覚テストは無効です。", "", model.ErrNotFound))
		return
	}
	if !participant.PassedHearingTest && participant.HearingTestAttempts >= h.cfg.HearingTest.MaxAttempts {
		webutil.HandleError(w, logger, model.NewAppError("HEARING_TEST_EXHAUSTED", "聴覚テストの受験回数の上限に達しています。", "", model.ErrHearingTestExhausted))
		return
	}

	challenge, err := h.hearing.IssueChallenge(r.Context())
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	sess.HearingTokens = challenge.Tokens
	if err := h.sessions.Issue(w, sess); err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	webutil.RespondWithJSON(w, http.StatusOK, hearingTestResponse{
		Examples: map[string]string{
			"1": "/api/v1/hearing-test/audio/1",
			"2": "/api/v1/hearing-test/audio/2",
		},
		Calibration:       "/api/v1/hearing-test/audio/0",
		AttemptsRemaining: h.cfg.HearingTest.MaxAttempts - participant.HearingTestAttempts,
	})
}

// PostHearingTest は聴覚テストの回答を採点します
func (h *EligibilityHandler) PostHearingTest(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "PostHearingTest"))

	sess, participant, err := h.participantFromSession(r)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	var req model.HearingTestAnswerRequest
	if err := webutil.DecodeAndValidate(r, &req); err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	grade, err := h.hearing.Grade(r.Context(), participant.ID, sess.HearingTokens, &req)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	// 出題トークンは使い捨て
	sess.HearingTokens = nil

	participant, err = h.participantRepo.FindByID(r.Context(), h.db, participant.ID)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	logger.Info("Hearing test attempt", slog.Bool("passed", grade.Passed), slog.Int("remaining", grade.AttemptsRemaining))
	h.refreshGate(w, r, sess, participant, logger)
}

// GetHearingTestAudio は聴覚テストの音源を配信します。
// "0" はキャリブレーショントーン、"1"/"2" はセッション中の出題です。
func (h *EligibilityHandler) GetHearingTestAudio(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "GetHearingTestAudio"))

	sess := middleware.GetSession(r.Context())
	if sess == nil {
		webutil.HandleError(w, logger, model.NewAppError("UNAUTHORIZED", "セッションが見つかりません。", "", model.ErrSessionInvalid))
		return
	}

	example := chi.URLParam(r, "example")
	token := "0"
	if example != "0" {
		var ok bool
		token, ok = sess.HearingTokens[example]
		if !ok {
			webutil.HandleError(w, logger, model.NewAppError("NOT_FOUND", "出題が見つかりません。", "", model.ErrNotFound))
			return
		}
	}

	filename, err := h.hearing.ResolveAudioFile(token)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	path := filepath.Join(h.cfg.Experiment.AudioFileDirectory, "hearing_test_audio", filename)
	http.ServeFile(w, r, path)
}

// hearingResponseStimuli は聴感応答推定の刺激リストです
type hearingResponseStimuli struct {
	NFreqs  int      `json:"n_freqs"`
	NAdd    int      `json:"n_add"`
	Stimuli []string `json:"stimuli"`
}

// GetHearingResponse は聴感応答推定の刺激リストをシャッフルして返します
func (h *EligibilityHandler) GetHearingResponse(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "GetHearingResponse"))

	if !h.cfg.HearingResponse.Enabled {
		webutil.HandleError(w, logger, model.NewAppError("NOT_FOUND", "聴感応答推定は無効です。", "", model.ErrNotFound))
		return
	}
	if sess := middleware.GetSession(r.Context()); sess == nil {
		webutil.HandleError(w, logger, model.NewAppError("UNAUTHORIZED", "セッションが見つかりません。", "", model.ErrSessionInvalid))
		return
	}

	stimuli := make([]string, h.cfg.HearingResponse.NOptions)
	for i := range stimuli {
		stimuli[i] = fmt.Sprintf("/api/v1/hearing-response/audio/%d", i)
	}
	// ハンドラは並行に呼ばれるため、乱数はパッケージの共有ソースを使う
	rand.Shuffle(len(stimuli), func(i, j int) {
		stimuli[i], stimuli[j] = stimuli[j], stimuli[i]
	})

	webutil.RespondWithJSON(w, http.StatusOK, hearingResponseStimuli{
		NFreqs:  h.cfg.HearingResponse.NFreqs,
		NAdd:    h.cfg.HearingResponse.NAdd,
		Stimuli: stimuli,
	})
}

// GetHearingResponseAudio は聴感応答推定の音源を配信します
func (h *EligibilityHandler) GetHearingResponseAudio(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "GetHearingResponseAudio"))

	if sess := middleware.GetSession(r.Context()); sess == nil {
		webutil.HandleError(w, logger, model.NewAppError("UNAUTHORIZED", "セッションが見つかりません。", "", model.ErrSessionInvalid))
		return
	}

	var index int
	if _, err := fmt.Sscanf(chi.URLParam(r, "index"), "%d", &index); err != nil || index < 0 || index >= h.cfg.HearingResponse.NOptions {
		webutil.HandleError(w, logger, model.NewAppError("NOT_FOUND", "音源が見つかりません。", "", model.ErrNotFound))
		return
	}

	path := filepath.Join(h.cfg.Experiment.AudioFileDirectory, "hearing_response", fmt.Sprintf("stim_%d.wav", index))
	http.ServeFile(w, r, path)
}

// PostHearingResponse は聴感応答推定の回答を保存します
func (h *EligibilityHandler) PostHearingResponse(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "PostHearingResponse"))

	sess, participant, err := h.participantFromSession(r)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	var req model.SurveyRequest
	if err := webutil.DecodeAndValidate(r, &req); err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	if err := h.eligibility.SubmitHearingResponseEstimation(r.Context(), participant.ID, req.Answers); err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	participant, err = h.participantRepo.FindByID(r.Context(), h.db, participant.ID)
	if err != nil {
		webutil.HandleError(w, logger, err)
		return
	}

	next := h.eligibility.RunPostGate(r.Context(), participant)
	if next == service.GateEnd {
		sess.State = session.StateEnd
	}
	h.sessions.Issue(w, sess)
	webutil.RespondWithJSON(w, http.StatusOK, model.GateResponse{
		ParticipantID: participant.ID,
		State:         string(next),
	})
}
