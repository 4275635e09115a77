// internal/service/scheduler_service.go
package service

import (
	"context"
	"errors"
	"math/rand"
	"slices"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/middleware"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"

	"gorm.io/gorm"
)

// AssignmentResult は参加者1訪問分のCondition割り当てです
type AssignmentResult struct {
	ConditionIDs      []uint
	ConditionGroupIDs []uint
}

// SchedulerService は有限のConditionプールを参加者に公平に配分します。
// 戻り値がnilの場合は「割り当て可能な作業なし」を意味します (エラーではない)。
type SchedulerService interface {
	AssignConditions(ctx context.Context, participant *model.Participant, limitToConditionIDs []uint) (*AssignmentResult, error)
}

type schedulerService struct {
	db        *gorm.DB
	condRepo  repository.ConditionRepository
	trialRepo repository.TrialRepository
	cfg       *config.Config
}

func NewSchedulerService(db *gorm.DB, condRepo repository.ConditionRepository, trialRepo repository.TrialRepository, cfg *config.Config) SchedulerService {
	return &schedulerService{
		db:        db,
		condRepo:  condRepo,
		trialRepo: trialRepo,
		cfg:       cfg,
	}
}

func (s *schedulerService) AssignConditions(ctx context.Context, participant *model.Participant, limitToConditionIDs []uint) (*AssignmentResult, error) {
	logger := middleware.GetLogger(ctx).With("participant_id", participant.ID)

	// クォータ未達かつこの参加者が未完了のConditionを取得する。
	// クォータと完了済みの除外はグループ化より前に集合差として適用されるため、
	// 全Conditionが尽きたグループは以降の選択に現れない。
	conditions, err := s.condRepo.FindAvailable(ctx, s.db, repository.AvailableQuery{
		Quota:                    s.cfg.Experiment.TrialsPerCondition,
		CountFailedHearingTrials: s.cfg.Experiment.CountFailedHearingTrials,
		LimitToIDs:               limitToConditionIDs,
		ExcludeParticipantID:     participant.ID,
	})
	if err != nil {
		logger.Error("Failed to find available conditions", "error", err)
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "割り当て可能な条件の取得に失敗しました。", "", err)
	}

	if len(conditions) == 0 {
		logger.Info("No conditions left for participant")
		return nil, nil
	}

	// グループを1つ選び、候補をそのグループに絞る
	candidates := s.pickGroup(conditions)
	groupID := candidates[0].GroupID

	// 参加者を最初のテストタイプに固定する運用の場合、
	// 直近のTrialのテストIDと候補のテストIDが食い違えば割り当てない
	if s.cfg.Experiment.LimitToOneTaskType {
		latest, err := s.trialRepo.FindLatestByParticipant(ctx, s.db, participant.ID)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			logger.Error("Failed to find latest trial", "error", err)
			return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "Trial履歴の取得に失敗しました。", "", err)
		}
		if latest != nil && latest.Condition != nil && latest.Condition.TestID != candidates[0].TestID {
			logger.Info("Participant locked to another task type, no work",
				"locked_test_id", latest.Condition.TestID, "candidate_test_id", candidates[0].TestID)
			return nil, nil
		}
	}

	conditionIDs := s.selectConditionIDs(candidates)

	logger.Info("Conditions assigned", "condition_ids", conditionIDs, "group_id", groupID)
	return &AssignmentResult{
		ConditionIDs:      conditionIDs,
		ConditionGroupIDs: []uint{groupID},
	}, nil
}

// pickGroup は候補Conditionをグループ単位にまとめ、ポリシーに従って
// 1グループ選んでそのConditionだけを返します (ID昇順は維持される)。
func (s *schedulerService) pickGroup(conditions []*model.Condition) []*model.Condition {
	byGroup := make(map[uint][]*model.Condition)
	groupIDs := make([]uint, 0)
	for _, c := range conditions {
		if _, ok := byGroup[c.GroupID]; !ok {
			groupIDs = append(groupIDs, c.GroupID)
		}
		byGroup[c.GroupID] = append(byGroup[c.GroupID], c)
	}

	var chosen uint
	switch s.cfg.Experiment.GroupPickPolicy {
	case config.GroupPickRandom:
		chosen = groupIDs[rand.Intn(len(groupIDs))]
	default:
		// 残Condition数が最も多いグループを選ぶ。同数ならID最小。
		// 1グループのクォータを使い切ってから次に進める意図と、
		// テストでの再現性のため決定的にしておく。
		slices.Sort(groupIDs)
		chosen = groupIDs[0]
		for _, gid := range groupIDs[1:] {
			if len(byGroup[gid]) > len(byGroup[chosen]) {
				chosen = gid
			}
		}
	}

	return byGroup[chosen]
}

// selectConditionIDs は候補から提示するCondition IDを選びます。
// ランダム化が有効なら先頭テストID内でシャッフルし、足りなければ
// 次のテストIDから補充します。無効ならID順の先頭N件です。
func (s *schedulerService) selectConditionIDs(candidates []*model.Condition) []uint {
	perEval := s.cfg.Experiment.ConditionsPerEvaluation

	if !s.cfg.Experiment.ConditionOrderRandomized {
		n := min(perEval, len(candidates))
		ids := make([]uint, 0, n)
		for _, c := range candidates[:n] {
			ids = append(ids, c.ID)
		}
		return ids
	}

	currentTestID := candidates[0].TestID

	ids := make([]uint, 0, perEval)
	for _, c := range candidates {
		if c.TestID == currentTestID {
			ids = append(ids, c.ID)
		}
	}
	rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	if len(ids) > perEval {
		ids = ids[:perEval]
	}

	// 先頭テストIDだけでは足りないとき、次のテストIDから補充する
	if len(ids) < perEval {
		var more []uint
		for _, c := range candidates {
			if c.TestID == currentTestID+1 {
				more = append(more, c.ID)
			}
		}
		rand.Shuffle(len(more), func(i, j int) { more[i], more[j] = more[j], more[i] })
		if need := perEval - len(ids); len(more) > need {
			more = more[:need]
		}
		ids = append(ids, more...)
	}

	return ids
}
