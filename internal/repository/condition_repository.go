// internal/repository/condition_repository.go
package repository

import (
	"context"
	"errors"

	"go_5_listening_test/internal/model"

	"gorm.io/gorm"
)

// AvailableQuery は割り当て可能Condition検索の条件です
type AvailableQuery struct {
	// クォータ: 達しているConditionは除外される
	Quota int
	// trueなら聴覚テスト不合格のTrialもクォータに数える
	CountFailedHearingTrials bool
	// 空でなければこのID集合に限定する
	LimitToIDs []uint
	// この参加者が既に完了したConditionを除外する (合否問わず)
	ExcludeParticipantID uint
}

// ConditionRepository はConditionの永続化と割り当て検索を担当します
type ConditionRepository interface {
	Create(ctx context.Context, tx *gorm.DB, condition *model.Condition) error
	FindByID(ctx context.Context, db *gorm.DB, conditionID uint) (*model.Condition, error)
	// FindAvailable はクォータ未達かつ参加者が未完了のConditionを
	// ID昇順で返します。クォータと完了済みの除外はグループ化の前に
	// 集合として適用されます (全滅したグループは結果に現れない)。
	FindAvailable(ctx context.Context, db *gorm.DB, q AvailableQuery) ([]*model.Condition, error)
}

type gormConditionRepository struct{}

func NewGormConditionRepository() ConditionRepository {
	return &gormConditionRepository{}
}

func (r *gormConditionRepository) Create(ctx context.Context, tx *gorm.DB, condition *model.Condition) error {
	return tx.WithContext(ctx).Create(condition).Error
}

func (r *gormConditionRepository) FindByID(ctx context.Context, db *gorm.DB, conditionID uint) (*model.Condition, error) {
	var condition model.Condition
	result := db.WithContext(ctx).
		Preload("Test").
		Preload("Group").
		First(&condition, conditionID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, result.Error
	}
	return &condition, nil
}

func (r *gormConditionRepository) FindAvailable(ctx context.Context, db *gorm.DB, q AvailableQuery) ([]*model.Condition, error) {
	// クォータ到達済みConditionのサブクエリ
	filled := db.Model(&model.Trial{}).
		Select("condition_id").
		Group("condition_id").
		Having("COUNT(*) >= ?", q.Quota)
	if !q.CountFailedHearingTrials {
		filled = filled.Where("participant_passed_hearing_test = ?", true)
	}

	// この参加者が完了済みのConditionのサブクエリ (合否問わず除外)
	done := db.Model(&model.Trial{}).
		Select("condition_id").
		Where("participant_id = ?", q.ExcludeParticipantID)

	query := db.WithContext(ctx).
		Where("id NOT IN (?)", filled).
		Where("id NOT IN (?)", done)

	if len(q.LimitToIDs) > 0 {
		query = query.Where("id IN ?", q.LimitToIDs)
	}

	var conditions []*model.Condition
	result := query.Order("id ASC").Find(&conditions)
	if result.Error != nil {
		return nil, result.Error
	}
	return conditions, nil
}
