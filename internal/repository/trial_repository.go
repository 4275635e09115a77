// internal/repository/trial_repository.go
package repository

import (
	"context"
	"errors"

	"go_5_listening_test/internal/model"

	"gorm.io/gorm"
)

// TrialRepository はTrialの永続化と集計を担当します。
// Trialは提出時に作成されるのみで、更新・削除はありません。
type TrialRepository interface {
	Create(ctx context.Context, tx *gorm.DB, trial *model.Trial) error
	// FindLatestByParticipant は完了日時が最新のTrialをConditionごと返します
	FindLatestByParticipant(ctx context.Context, db *gorm.DB, participantID uint) (*model.Trial, error)
	CountByParticipant(ctx context.Context, db *gorm.DB, participantID uint) (int64, error)
	// CountByCondition はCondition単位の合格/不合格Trial数を集計します (管理用)
	CountByCondition(ctx context.Context, db *gorm.DB) ([]model.ConditionTrialCount, error)
	// FindAllWithParticipant はボーナス計算用に全TrialをParticipantごと返します
	FindAllWithParticipant(ctx context.Context, db *gorm.DB) ([]*model.Trial, error)
}

type gormTrialRepository struct{}

func NewGormTrialRepository() TrialRepository {
	return &gormTrialRepository{}
}

func (r *gormTrialRepository) Create(ctx context.Context, tx *gorm.DB, trial *model.Trial) error {
	return tx.WithContext(ctx).Create(trial).Error
}

func (r *gormTrialRepository) FindLatestByParticipant(ctx context.Context, db *gorm.DB, participantID uint) (*model.Trial, error) {
	var trial model.Trial
	result := db.WithContext(ctx).
		Preload("Condition").
		Where("participant_id = ?", participantID).
		Order("completed_at DESC").
		First(&trial)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, result.Error
	}
	return &trial, nil
}

func (r *gormTrialRepository) CountByParticipant(ctx context.Context, db *gorm.DB, participantID uint) (int64, error) {
	var count int64
	result := db.WithContext(ctx).
		Model(&model.Trial{}).
		Where("participant_id = ?", participantID).
		Count(&count)
	return count, result.Error
}

func (r *gormTrialRepository) CountByCondition(ctx context.Context, db *gorm.DB) ([]model.ConditionTrialCount, error) {
	var counts []model.ConditionTrialCount
	result := db.WithContext(ctx).
		Model(&model.Trial{}).
		Select("condition_id",
			"SUM(CASE WHEN participant_passed_hearing_test THEN 1 ELSE 0 END) AS passed",
			"SUM(CASE WHEN participant_passed_hearing_test THEN 0 ELSE 1 END) AS failed").
		Group("condition_id").
		Order("condition_id ASC").
		Scan(&counts)
	if result.Error != nil {
		return nil, result.Error
	}
	return counts, nil
}

func (r *gormTrialRepository) FindAllWithParticipant(ctx context.Context, db *gorm.DB) ([]*model.Trial, error) {
	var trials []*model.Trial
	result := db.WithContext(ctx).
		Preload("Participant").
		Order("completed_at ASC").
		Find(&trials)
	if result.Error != nil {
		return nil, result.Error
	}
	return trials, nil
}
