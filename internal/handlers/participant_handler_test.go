// internal/handlers/participant_handler_test.go
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/handlers"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
	"go_5_listening_test/internal/service"
	"go_5_listening_test/internal/session"
)

// stubEligibility はEligibilityServiceのスタブです。
// RunGateは常に同じ判定を返し、渡された参加者を記録します。
type stubEligibility struct {
	decision    *service.GateDecision
	postState   service.GateState
	lastGateRun *model.Participant
}

func (s *stubEligibility) RunGate(ctx context.Context, participant *model.Participant, limitToConditionIDs []uint) (*service.GateDecision, error) {
	s.lastGateRun = participant
	return s.decision, nil
}

func (s *stubEligibility) RunPostGate(ctx context.Context, participant *model.Participant) service.GateState {
	return s.postState
}

func (s *stubEligibility) GiveConsent(ctx context.Context, participantID uint, agree bool) error {
	return nil
}

func (s *stubEligibility) SubmitPreSurvey(ctx context.Context, participantID uint, answers map[string]any) (bool, error) {
	return true, nil
}

func (s *stubEligibility) SubmitPostSurvey(ctx context.Context, participantID uint, answers map[string]any) error {
	return nil
}

func (s *stubEligibility) SubmitHearingResponseEstimation(ctx context.Context, participantID uint, answers map[string]any) error {
	return nil
}

func setupParticipantHandler(t *testing.T, cfg *config.Config, eligibility service.EligibilityService) (*chi.Mux, *gorm.DB, *session.Manager) {
	t.Helper()

	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Participant{}))

	sessions := session.NewManager(config.SessionConfig{SecretKey: "handler-test-session-secret", TTLHours: 1})
	handler := handlers.NewParticipantHandler(db, repository.NewGormParticipantRepository(), eligibility, sessions, cfg, nil)

	router := chi.NewRouter()
	router.Get("/api/v1/entry/anonymous", handler.EntryAnonymous)
	router.Get("/api/v1/entry/mturk", handler.EntryMTurk)
	router.Post("/api/v1/participants", handler.CreateParticipant)
	return router, db, sessions
}

func sessionCookieOf(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, cookie := range rr.Result().Cookies() {
		if cookie.Name == "lt_session" && cookie.MaxAge > 0 {
			return cookie
		}
	}
	return nil
}

func TestParticipantHandler_EntryAnonymous(t *testing.T) {
	tests := []struct {
		name           string
		enabled        bool
		expectedStatus int
	}{
		{name: "正常系: 匿名参加が有効", enabled: true, expectedStatus: http.StatusOK},
		{name: "異常系: 匿名参加が無効", enabled: false, expectedStatus: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{
				Experiment: config.ExperimentConfig{AnonymousParticipantsEnabled: tt.enabled},
			}
			router, _, _ := setupParticipantHandler(t, cfg, &stubEligibility{})

			req := httptest.NewRequest("GET", "/api/v1/entry/anonymous", nil)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestParticipantHandler_EntryMTurk(t *testing.T) {
	cfg := &config.Config{}
	router, _, _ := setupParticipantHandler(t, cfg, &stubEligibility{})

	t.Run("正常系: プレビュー中はセッションを開始しない", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/entry/mturk?assignmentId=ASSIGNMENT_ID_NOT_AVAILABLE&hitId=HIT1", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["preview"])
		assert.NotContains(t, resp, "crowd_data")
	})

	t.Run("正常系: assignmentId確定後はクラウドデータを返す", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/entry/mturk?assignmentId=ASSIGN1&workerId=WORKER1&hitId=HIT1&turkSubmitTo=https%3A%2F%2Fworkersandbox.mturk.com", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp struct {
			Preview   bool              `json:"preview"`
			CrowdData map[string]string `json:"crowd_data"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.False(t, resp.Preview)
		assert.Equal(t, "WORKER1", resp.CrowdData["worker_id"])
		assert.Equal(t, "ASSIGN1", resp.CrowdData["assignment_id"])
		assert.Equal(t, "HIT1", resp.CrowdData["hit_id"])
	})
}

func TestParticipantHandler_CreateParticipant(t *testing.T) {
	baseCfg := func() *config.Config {
		return &config.Config{
			Experiment: config.ExperimentConfig{AnonymousParticipantsEnabled: true},
		}
	}
	decision := &service.GateDecision{
		State:             service.GateConsent,
		ConditionIDs:      []uint{1, 2},
		ConditionGroupIDs: []uint{7},
	}

	postJSON := func(t *testing.T, router *chi.Mux, body any) *httptest.ResponseRecorder {
		t.Helper()
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest("POST", "/api/v1/participants", bytes.NewReader(b))
		req.Header.Set("Content-Type", "application/json")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	t.Run("正常系: MTurkワーカーの登録とセッション発行", func(t *testing.T) {
		stub := &stubEligibility{decision: decision}
		router, db, sessions := setupParticipantHandler(t, baseCfg(), stub)

		rr := postJSON(t, router, model.CreateParticipantRequest{
			Platform:  model.PlatformMTurk,
			WorkerID:  "WORKER1",
			CrowdData: map[string]string{"assignment_id": "ASSIGN1"},
		})
		require.Equal(t, http.StatusOK, rr.Code)

		var resp model.GateResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		assert.Equal(t, "CONSENT", resp.State)
		assert.Equal(t, []uint{1, 2}, resp.ConditionIDs)

		// 参加者行が作られ、セッションが割当を保持している
		var participant model.Participant
		require.NoError(t, db.Where("crowd_worker_id = ?", "WORKER1").First(&participant).Error)
		assert.Equal(t, model.PlatformMTurk, participant.Platform)

		cookie := sessionCookieOf(t, rr)
		require.NotNil(t, cookie, "セッションCookieが発行される")
		loadReq := httptest.NewRequest("GET", "/", nil)
		loadReq.AddCookie(cookie)
		sess, err := sessions.Load(loadReq)
		require.NoError(t, err)
		assert.Equal(t, participant.ID, sess.ParticipantID)
		assert.Equal(t, []uint{1, 2}, sess.ConditionIDs)
		assert.Equal(t, []uint{7}, sess.ConditionGroupIDs)
		assert.Equal(t, session.StatePreEvaluation, sess.State)
	})

	t.Run("正常系: 再訪問では既存の参加者行を使う", func(t *testing.T) {
		stub := &stubEligibility{decision: decision}
		router, db, _ := setupParticipantHandler(t, baseCfg(), stub)

		body := model.CreateParticipantRequest{Platform: model.PlatformMTurk, WorkerID: "WORKER2"}
		require.Equal(t, http.StatusOK, postJSON(t, router, body).Code)
		require.Equal(t, http.StatusOK, postJSON(t, router, body).Code)

		var count int64
		require.NoError(t, db.Model(&model.Participant{}).Where("crowd_worker_id = ?", "WORKER2").Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("正常系: 匿名参加者にはUUIDが生成される", func(t *testing.T) {
		stub := &stubEligibility{decision: decision}
		router, db, _ := setupParticipantHandler(t, baseCfg(), stub)

		rr := postJSON(t, router, model.CreateParticipantRequest{Platform: model.PlatformAnonymous})
		require.Equal(t, http.StatusOK, rr.Code)

		var participant model.Participant
		require.NoError(t, db.First(&participant).Error)
		assert.NotEmpty(t, participant.CrowdWorkerID)
	})

	t.Run("異常系: MTurkでworker_idなし", func(t *testing.T) {
		router, _, _ := setupParticipantHandler(t, baseCfg(), &stubEligibility{decision: decision})
		rr := postJSON(t, router, model.CreateParticipantRequest{Platform: model.PlatformMTurk})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("異常系: 未知のプラットフォーム", func(t *testing.T) {
		router, _, _ := setupParticipantHandler(t, baseCfg(), &stubEligibility{decision: decision})
		rr := postJSON(t, router, model.CreateParticipantRequest{Platform: "unknown"})
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("異常系: 匿名参加が無効", func(t *testing.T) {
		cfg := baseCfg()
		cfg.Experiment.AnonymousParticipantsEnabled = false
		router, _, _ := setupParticipantHandler(t, cfg, &stubEligibility{decision: decision})
		rr := postJSON(t, router, model.CreateParticipantRequest{Platform: model.PlatformAnonymous})
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}
