// internal/service/eligibility_service.go
package service

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/gorm"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/middleware"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
)

// GateState は参加者を次に案内すべきステップを表します。
type GateState string

const (
	GateNoWork      GateState = "NO_WORK"
	GateRejected    GateState = "REJECTED"
	GateConsent     GateState = "CONSENT"
	GateHearingTest GateState = "HEARING_TEST"
	GatePreSurvey   GateState = "PRE_SURVEY"
	GateEvaluation  GateState = "EVALUATION"

	// 評価完了後のステップ
	GateHearingResponse GateState = "HEARING_RESPONSE"
	GatePostSurvey      GateState = "POST_SURVEY"
	GateEnd             GateState = "END"
)

// GateDecision はゲート判定の結果です。割当済み条件IDは
// EVALUATION以外の状態でもセッションに保持され、各ステップを
// 通過するたびに再利用されます。
type GateDecision struct {
	State             GateState
	ConditionIDs      []uint
	ConditionGroupIDs []uint
}

// EligibilityService は参加者の適格性判定と事前・事後タスクの受付を行います
type EligibilityService interface {
	// RunGate は条件割当→同意→聴覚テスト→事前アンケートの順に
	// 参加者を検査し、次に案内すべきステップを返します。
	RunGate(ctx context.Context, participant *model.Participant, limitToConditionIDs []uint) (*GateDecision, error)
	// RunPostGate は評価完了後に残っているステップを返します
	// (聴感応答推定 → 事後アンケート → END)。
	RunPostGate(ctx context.Context, participant *model.Participant) GateState
	GiveConsent(ctx context.Context, participantID uint, agree bool) error
	// SubmitPreSurvey は回答を保存し、包含基準を満たすかを返します。
	// false の場合、参加者は REJECTED となります。
	SubmitPreSurvey(ctx context.Context, participantID uint, answers map[string]any) (eligible bool, err error)
	SubmitPostSurvey(ctx context.Context, participantID uint, answers map[string]any) error
	SubmitHearingResponseEstimation(ctx context.Context, participantID uint, answers map[string]any) error
}

type eligibilityService struct {
	db              *gorm.DB
	participantRepo repository.ParticipantRepository
	scheduler       SchedulerService
	cfg             *config.Config
}

func NewEligibilityService(db *gorm.DB, participantRepo repository.ParticipantRepository, scheduler SchedulerService, cfg *config.Config) EligibilityService {
	return &eligibilityService{db: db, participantRepo: participantRepo, scheduler: scheduler, cfg: cfg}
}

func (s *eligibilityService) RunGate(ctx context.Context, participant *model.Participant, limitToConditionIDs []uint) (*GateDecision, error) {
	logger := middleware.GetLogger(ctx)

	// 割当可能な条件が無ければ、他の検査より先に NO_WORK を返す。
	// 不合格確定の参加者に聴覚テストを受けさせるだけの無駄を避けるため。
	assignment, err := s.scheduler.AssignConditions(ctx, participant, limitToConditionIDs)
	if err != nil {
		return nil, err
	}
	if assignment == nil {
		logger.Info("No conditions available for participant", "participant_id", participant.ID)
		return &GateDecision{State: GateNoWork}, nil
	}

	decision := &GateDecision{
		ConditionIDs:      assignment.ConditionIDs,
		ConditionGroupIDs: assignment.ConditionGroupIDs,
	}

	if s.cfg.Consent.Obtain && !participant.GaveConsent {
		decision.State = GateConsent
		return decision, nil
	}

	if s.cfg.HearingTest.Enabled {
		state, err := s.hearingGate(ctx, participant)
		if err != nil {
			return nil, err
		}
		if state != "" {
			decision.State = state
			return decision, nil
		}
	}

	if s.cfg.Survey.PreEnabled {
		if len(participant.PreTestSurvey) == 0 {
			decision.State = GatePreSurvey
			return decision, nil
		}
		ok, err := s.meetsInclusionCriteria(ctx, participant)
		if err != nil {
			return nil, err
		}
		if !ok {
			decision.State = GateRejected
			return decision, nil
		}
	}

	decision.State = GateEvaluation
	return decision, nil
}

func (s *eligibilityService) RunPostGate(ctx context.Context, participant *model.Participant) GateState {
	if s.cfg.HearingResponse.Enabled && len(participant.HearingResponseEstimation) == 0 {
		return GateHearingResponse
	}
	if s.cfg.Survey.PostEnabled && len(participant.PostTestSurvey) == 0 {
		return GatePostSurvey
	}
	return GateEnd
}

// hearingGate は聴覚テストに関するゲート判定を行います。
// 空文字列を返した場合は次の検査に進んで構いません。
func (s *eligibilityService) hearingGate(ctx context.Context, participant *model.Participant) (GateState, error) {
	logger := middleware.GetLogger(ctx)
	expiration := time.Duration(s.cfg.HearingTest.ExpirationHours) * time.Hour

	// 合格が古くなった参加者は再受験させる。試行回数もリセットする
	if participant.HearingTestExpired(time.Now(), expiration) {
		logger.Info("Hearing test expired, resetting", "participant_id", participant.ID)
		participant.ResetHearingTest()
		if err := s.participantRepo.Update(ctx, s.db, participant); err != nil {
			return "", model.NewAppError("INTERNAL_SERVER_ERROR", "聴覚テスト状態のリセットに失敗しました。", "", err)
		}
	}

	if participant.PassedHearingTest {
		return "", nil
	}

	if participant.HearingTestAttempts >= s.cfg.HearingTest.MaxAttempts {
		if s.cfg.HearingTest.RejectionEnabled {
			return GateRejected, nil
		}
		// 不合格でも排除しない設定なら、そのまま通す
		return "", nil
	}

	return GateHearingTest, nil
}

func (s *eligibilityService) meetsInclusionCriteria(ctx context.Context, participant *model.Participant) (bool, error) {
	if len(s.cfg.Survey.InclusionCriteria) == 0 {
		return true, nil
	}

	var answers map[string]any
	if err := json.Unmarshal(participant.PreTestSurvey, &answers); err != nil {
		return false, model.NewAppError("INTERNAL_SERVER_ERROR", "事前アンケートの読み取りに失敗しました。", "", err)
	}

	for _, criterion := range s.cfg.Survey.InclusionCriteria {
		ok, err := criterion.Evaluate(answers)
		if err != nil {
			return false, model.NewAppError("INTERNAL_SERVER_ERROR", "包含基準の評価に失敗しました。", criterion.Field, err)
		}
		if !ok {
			middleware.GetLogger(ctx).Info("Participant excluded by inclusion criterion",
				"participant_id", participant.ID, "field", criterion.Field)
			return false, nil
		}
	}
	return true, nil
}

func (s *eligibilityService) GiveConsent(ctx context.Context, participantID uint, agree bool) error {
	if !agree {
		// 不同意は記録しない。参加者はそのまま離脱する
		return nil
	}

	participant, err := s.participantRepo.FindByID(ctx, s.db, participantID)
	if err != nil {
		return err
	}
	participant.GaveConsent = true
	if err := s.participantRepo.Update(ctx, s.db, participant); err != nil {
		return model.NewAppError("INTERNAL_SERVER_ERROR", "同意の記録に失敗しました。", "", err)
	}
	return nil
}

func (s *eligibilityService) SubmitPreSurvey(ctx context.Context, participantID uint, answers map[string]any) (bool, error) {
	participant, err := s.participantRepo.FindByID(ctx, s.db, participantID)
	if err != nil {
		return false, err
	}

	raw, err := json.Marshal(answers)
	if err != nil {
		return false, model.NewAppError("INVALID_INPUT", "アンケート回答の形式が不正です。", "", model.ErrInvalidInput)
	}
	participant.PreTestSurvey = raw
	if err := s.participantRepo.Update(ctx, s.db, participant); err != nil {
		return false, model.NewAppError("INTERNAL_SERVER_ERROR", "アンケート回答の保存に失敗しました。", "", err)
	}

	return s.meetsInclusionCriteria(ctx, participant)
}

func (s *eligibilityService) SubmitPostSurvey(ctx context.Context, participantID uint, answers map[string]any) error {
	participant, err := s.participantRepo.FindByID(ctx, s.db, participantID)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(answers)
	if err != nil {
		return model.NewAppError("INVALID_INPUT", "アンケート回答の形式が不正です。", "", model.ErrInvalidInput)
	}
	participant.PostTestSurvey = raw
	if err := s.participantRepo.Update(ctx, s.db, participant); err != nil {
		return model.NewAppError("INTERNAL_SERVER_ERROR", "アンケート回答の保存に失敗しました。", "", err)
	}
	return nil
}

func (s *eligibilityService) SubmitHearingResponseEstimation(ctx context.Context, participantID uint, answers map[string]any) error {
	participant, err := s.participantRepo.FindByID(ctx, s.db, participantID)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(answers)
	if err != nil {
		return model.NewAppError("INVALID_INPUT", "回答の形式が不正です。", "", model.ErrInvalidInput)
	}
	participant.HearingResponseEstimation = raw
	if err := s.participantRepo.Update(ctx, s.db, participant); err != nil {
		return model.NewAppError("INTERNAL_SERVER_ERROR", "回答の保存に失敗しました。", "", err)
	}
	return nil
}
