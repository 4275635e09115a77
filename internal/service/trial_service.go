// internal/service/trial_service.go
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
	"go_5_listening_test/internal/stimtoken"
)

// trialIDPayload は署名付きtrial_idの中身です。提出完了の証明として
// クライアント (MTurkのexternalQuestion等) に返されます。
type trialIDPayload struct {
	ParticipantID uint      `json:"p_id"`
	TrialIDs      []uint    `json:"trial_ids"`
	CompletedAt   time.Time `json:"completed_at"`
}

// TrialService は評価提出の検証・難読化解除・永続化を行います
type TrialService interface {
	// SubmitEvaluation は提出ペイロードを検証してTrialを記録します。
	// sessionParticipantID はセッション由来、groupIDs は割当時のグループ束縛です。
	// 全Conditionが1トランザクションで記録され、1件でも失敗すれば全体が巻き戻ります。
	SubmitEvaluation(ctx context.Context, sessionParticipantID uint, groupIDs []uint, crowdData map[string]string, req *model.SubmitEvaluationRequest) (*model.SubmitEvaluationResponse, error)
	// GetConditionStats はCondition単位のTrial数 (聴覚テスト合格/不合格別) を返します
	GetConditionStats(ctx context.Context) ([]model.ConditionTrialCount, error)
}

type trialService struct {
	db              *gorm.DB
	trialRepo       repository.TrialRepository
	participantRepo repository.ParticipantRepository
	codec           *stimtoken.Codec
	cfg             *config.Config
}

func NewTrialService(db *gorm.DB, trialRepo repository.TrialRepository, participantRepo repository.ParticipantRepository, codec *stimtoken.Codec, cfg *config.Config) TrialService {
	return &trialService{
		db:              db,
		trialRepo:       trialRepo,
		participantRepo: participantRepo,
		codec:           codec,
		cfg:             cfg,
	}
}

// trialDoc はTrial.Dataに格納する文書です。キーはすべて難読化解除済み
type trialDoc struct {
	Ratings       map[string]json.RawMessage `json:"ratings"`
	StimulusFiles map[string]string          `json:"stimulus_files"`
}

func (s *trialService) SubmitEvaluation(ctx context.Context, sessionParticipantID uint, groupIDs []uint, crowdData map[string]string, req *model.SubmitEvaluationRequest) (*model.SubmitEvaluationResponse, error) {
	logger := middleware.GetLogger(ctx)

	// ペイロードの参加者IDとセッションの参加者IDの食い違いは改竄とみなし、
	// 1行も書き込まずに拒否する
	if req.ParticipantID != sessionParticipantID {
		logger.Warn("Submission participant mismatch",
			"session_participant_id", sessionParticipantID,
			"payload_participant_id", req.ParticipantID,
		)
		return nil, model.NewAppError("SUBMISSION_INTEGRITY", "提出データの参加者IDがセッションと一致しません。", "participant_id", model.ErrSubmissionIntegrity)
	}

	participant, err := s.participantRepo.FindByID(ctx, s.db, sessionParticipantID)
	if err != nil {
		return nil, err
	}

	var crowdJSON []byte
	if len(crowdData) > 0 {
		crowdJSON, err = json.Marshal(crowdData)
		if err != nil {
			return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "クラウドデータの保存に失敗しました。", "", err)
		}
	}

	now := time.Now()
	var trialIDs []uint

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, completed := range req.CompletedConditionData {
			maps, err := s.codec.DecodeMaps(completed.StimulusFiles, sessionParticipantID, groupIDs)
			if err != nil {
				return model.NewAppError("SUBMISSION_INTEGRITY", "提出データの刺激トークンを検証できませんでした。", "stimulusFiles", err)
			}

			ratings, err := s.rewriteRatings(completed.Ratings, maps)
			if err != nil {
				return err
			}

			data, err := json.Marshal(trialDoc{Ratings: ratings, StimulusFiles: maps.OrigToPath})
			if err != nil {
				return model.NewAppError("INTERNAL_SERVER_ERROR", "評価データの保存に失敗しました。", "", err)
			}

			trial := &model.Trial{
				ParticipantID:                sessionParticipantID,
				ConditionID:                  completed.ConditionID,
				Data:                         data,
				CrowdData:                    crowdJSON,
				ParticipantPassedHearingTest: participant.PassedHearingTest,
				CompletedAt:                  now,
			}
			if err := s.trialRepo.Create(ctx, tx, trial); err != nil {
				return err
			}
			trialIDs = append(trialIDs, trial.ID)
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	signed, err := s.codec.Sealer().Seal(trialIDPayload{
		ParticipantID: sessionParticipantID,
		TrialIDs:      trialIDs,
		CompletedAt:   now,
	})
	if err != nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "提出証明の生成に失敗しました。", "", err)
	}

	logger.Info("Evaluation submitted",
		"participant_id", sessionParticipantID,
		"trials", len(trialIDs),
	)

	return &model.SubmitEvaluationResponse{
		Error:   false,
		Message: "Your evaluation has been recorded.",
		TrialID: signed,
	}, nil
}

// rewriteRatings は評価データの匿名キーを元の刺激キーに書き換えます。
// 対応表に無い匿名キーが現れた場合は改竄とみなします。
func (s *trialService) rewriteRatings(ratings map[string]json.RawMessage, maps *stimtoken.Maps) (map[string]json.RawMessage, error) {
	rewritten := make(map[string]json.RawMessage, len(ratings))

	switch s.cfg.Experiment.TestType {
	case config.TestTypePairwise:
		for pairKey, raw := range ratings {
			var rating model.PairwiseRating
			if err := json.Unmarshal(raw, &rating); err != nil {
				return nil, model.NewAppError("INVALID_INPUT", "ペア比較評価の形式が不正です。", pairKey, model.ErrInvalidInput)
			}
			for i, anon := range rating.Stimuli {
				orig, ok := maps.AnonToOrig[anon]
				if !ok {
					return nil, model.NewAppError("SUBMISSION_INTEGRITY", "評価データに未知の刺激キーが含まれています。", anon, model.ErrSubmissionIntegrity)
				}
				rating.Stimuli[i] = orig
			}
			if orig, ok := maps.AnonToOrig[rating.Selection]; ok {
				rating.Selection = orig
			} else if rating.Selection != "" {
				return nil, model.NewAppError("SUBMISSION_INTEGRITY", "評価データに未知の刺激キーが含まれています。", rating.Selection, model.ErrSubmissionIntegrity)
			}
			raw, err := json.Marshal(rating)
			if err != nil {
				return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "評価データの保存に失敗しました。", "", err)
			}
			rewritten[pairKey] = raw
		}

	default: // mushra: 匿名キー → 数値評価のマップ
		// リファレンス刺激はキーが付け替えられないため、対応表には
		// 自分自身への対応が入っている
		for anon, raw := range ratings {
			orig, ok := maps.AnonToOrig[anon]
			if !ok {
				return nil, model.NewAppError("SUBMISSION_INTEGRITY", "評価データに未知の刺激キーが含まれています。", anon, model.ErrSubmissionIntegrity)
			}
			rewritten[orig] = raw
		}
	}

	return rewritten, nil
}

func (s *trialService) GetConditionStats(ctx context.Context) ([]model.ConditionTrialCount, error) {
	return s.trialRepo.CountByCondition(ctx, s.db)
}
