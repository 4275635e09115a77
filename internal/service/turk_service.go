// internal/service/turk_service.go
package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/mturk"
	"gorm.io/gorm"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/middleware"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
)

// MTurkAPI はAWS SDKのMTurkクライアントのうち、本サービスが使う操作です。
// テストではモックに差し替えます。
type MTurkAPI interface {
	SendBonus(ctx context.Context, params *mturk.SendBonusInput, optFns ...func(*mturk.Options)) (*mturk.SendBonusOutput, error)
}

// BonusPayment は支払済みボーナス1件の記録です (管理エンドポイントのレスポンス用)
type BonusPayment struct {
	WorkerID     string  `json:"worker_id"`
	AssignmentID string  `json:"assignment_id"`
	Amount       float64 `json:"amount"`
	Reason       string  `json:"reason"`
}

// TurkService はMTurkワーカーへのボーナス支払いを行います
type TurkService interface {
	// PayFirstTrialBonuses は各ワーカーの最初のTrialに対して固定額の
	// ボーナスを支払います。支払済み分はUniqueRequestTokenにより
	// MTurk側で重複排除されるため、何度呼んでも安全です。
	PayFirstTrialBonuses(ctx context.Context) ([]BonusPayment, error)
	// PayConsistencyBonuses はペア比較Trialごとに推移律充足率 (TSR) を
	// 計算し、閾値を超えた分に応じたボーナスを支払います。
	PayConsistencyBonuses(ctx context.Context) ([]BonusPayment, error)
}

type turkService struct {
	db        *gorm.DB
	trialRepo repository.TrialRepository
	client    MTurkAPI
	cfg       *config.Config
}

func NewTurkService(db *gorm.DB, trialRepo repository.TrialRepository, client MTurkAPI, cfg *config.Config) TurkService {
	return &turkService{db: db, trialRepo: trialRepo, client: client, cfg: cfg}
}

// trialCrowdData はTrial.CrowdDataに格納されるMTurk由来の識別子です
type trialCrowdData struct {
	WorkerID     string `json:"worker_id"`
	AssignmentID string `json:"assignment_id"`
	HITID        string `json:"hit_id"`
}

func (s *turkService) PayFirstTrialBonuses(ctx context.Context) ([]BonusPayment, error) {
	logger := middleware.GetLogger(ctx)

	trials, err := s.trialRepo.FindAllWithParticipant(ctx, s.db)
	if err != nil {
		return nil, err
	}

	// CompletedAt昇順で走査し、参加者ごとに最初のTrialだけ対象にする
	seen := make(map[uint]bool)
	var payments []BonusPayment
	for _, trial := range trials {
		if seen[trial.ParticipantID] {
			continue
		}
		seen[trial.ParticipantID] = true

		crowd, ok := s.crowdDataOf(trial)
		if !ok {
			continue
		}

		token := fmt.Sprintf("first-trial-%d", trial.ParticipantID)
		payment, err := s.sendBonus(ctx, crowd, s.cfg.MTurk.FirstHITBonus, s.cfg.MTurk.FirstHITBonusReason, token)
		if err != nil {
			logger.Error("First trial bonus failed",
				"participant_id", trial.ParticipantID, "error", err)
			return payments, err
		}
		payments = append(payments, payment)
	}

	logger.Info("First trial bonuses paid", "count", len(payments))
	return payments, nil
}

func (s *turkService) PayConsistencyBonuses(ctx context.Context) ([]BonusPayment, error) {
	logger := middleware.GetLogger(ctx)

	trials, err := s.trialRepo.FindAllWithParticipant(ctx, s.db)
	if err != nil {
		return nil, err
	}

	threshold := s.cfg.MTurk.MinConsistencyForBonus
	var payments []BonusPayment
	for _, trial := range trials {
		crowd, ok := s.crowdDataOf(trial)
		if !ok {
			continue
		}

		ratings, err := pairwiseRatingsOf(trial)
		if err != nil || len(ratings) == 0 {
			continue
		}

		tsr := calculateTSR(ratings)
		if tsr <= threshold {
			continue
		}
		amount := (tsr - threshold) / (1 - threshold) * s.cfg.MTurk.MaxConsistencyBonus

		token := fmt.Sprintf("consistency-%d", trial.ID)
		payment, err := s.sendBonus(ctx, crowd, amount, s.cfg.MTurk.ConsistencyBonusReason, token)
		if err != nil {
			logger.Error("Consistency bonus failed", "trial_id", trial.ID, "error", err)
			return payments, err
		}
		payments = append(payments, payment)
	}

	logger.Info("Consistency bonuses paid", "count", len(payments))
	return payments, nil
}

func (s *turkService) crowdDataOf(trial *model.Trial) (*trialCrowdData, bool) {
	if trial.Participant == nil || trial.Participant.Platform != model.PlatformMTurk {
		return nil, false
	}
	if len(trial.CrowdData) == 0 {
		return nil, false
	}
	var crowd trialCrowdData
	if err := json.Unmarshal(trial.CrowdData, &crowd); err != nil {
		return nil, false
	}
	if crowd.WorkerID == "" || crowd.AssignmentID == "" {
		return nil, false
	}
	return &crowd, true
}

func (s *turkService) sendBonus(ctx context.Context, crowd *trialCrowdData, amount float64, reason, token string) (BonusPayment, error) {
	_, err := s.client.SendBonus(ctx, &mturk.SendBonusInput{
		WorkerId:           aws.String(crowd.WorkerID),
		AssignmentId:       aws.String(crowd.AssignmentID),
		BonusAmount:        aws.String(fmt.Sprintf("%.2f", amount)),
		Reason:             aws.String(reason),
		UniqueRequestToken: aws.String(token),
	})
	if err != nil {
		return BonusPayment{}, model.NewAppError("INTERNAL_SERVER_ERROR", "ボーナスの支払いに失敗しました。", "", err)
	}
	return BonusPayment{
		WorkerID:     crowd.WorkerID,
		AssignmentID: crowd.AssignmentID,
		Amount:       amount,
		Reason:       reason,
	}, nil
}

// pairwiseRatingsOf はTrial.Dataからペア比較評価を取り出します
func pairwiseRatingsOf(trial *model.Trial) ([]model.PairwiseRating, error) {
	var doc trialDoc
	if err := json.Unmarshal(trial.Data, &doc); err != nil {
		return nil, err
	}
	ratings := make([]model.PairwiseRating, 0, len(doc.Ratings))
	for _, raw := range doc.Ratings {
		var rating model.PairwiseRating
		if err := json.Unmarshal(raw, &rating); err != nil {
			return nil, err
		}
		if rating.Selection == "" {
			continue
		}
		ratings = append(ratings, rating)
	}
	return ratings, nil
}

// calculateTSR は推移律充足率を計算します。
// a>b かつ b>c と回答した全ての三つ組について a>c が成り立つ割合で、
// 三つ組が存在しない場合は 1.0 とみなします。
func calculateTSR(ratings []model.PairwiseRating) float64 {
	prefers := make(map[[2]string]bool, len(ratings))
	for _, rating := range ratings {
		winner := rating.Selection
		loser := rating.Stimuli[0]
		if loser == winner {
			loser = rating.Stimuli[1]
		}
		prefers[[2]string{winner, loser}] = true
	}

	var total, satisfied int
	for ab := range prefers {
		a, b := ab[0], ab[1]
		for bc := range prefers {
			if bc[0] != b {
				continue
			}
			c := bc[1]
			if c == a {
				continue
			}
			total++
			if prefers[[2]string{a, c}] {
				satisfied++
			}
		}
	}

	if total == 0 {
		return 1.0
	}
	return float64(satisfied) / float64(total)
}
