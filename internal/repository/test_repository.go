// internal/repository/test_repository.go
package repository

import (
	"context"
	"errors"

	"go_5_listening_test/internal/model"

	"gorm.io/gorm"
)

// TestRepository はTest/ConditionGroupの永続化を担当します。
// いずれも作成後は不変なので、更新・削除のメソッドはありません。
type TestRepository interface {
	CreateTest(ctx context.Context, tx *gorm.DB, test *model.Test) error
	CreateConditionGroup(ctx context.Context, tx *gorm.DB, group *model.ConditionGroup) error
	FindTest(ctx context.Context, db *gorm.DB, testID uint) (*model.Test, error)
	FindConditionGroup(ctx context.Context, db *gorm.DB, groupID uint) (*model.ConditionGroup, error)
	CountTests(ctx context.Context, db *gorm.DB) (int64, error)
}

type gormTestRepository struct{}

func NewGormTestRepository() TestRepository {
	return &gormTestRepository{}
}

func (r *gormTestRepository) CreateTest(ctx context.Context, tx *gorm.DB, test *model.Test) error {
	return tx.WithContext(ctx).Create(test).Error
}

func (r *gormTestRepository) CreateConditionGroup(ctx context.Context, tx *gorm.DB, group *model.ConditionGroup) error {
	return tx.WithContext(ctx).Create(group).Error
}

func (r *gormTestRepository) FindTest(ctx context.Context, db *gorm.DB, testID uint) (*model.Test, error) {
	var test model.Test
	result := db.WithContext(ctx).First(&test, testID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, result.Error
	}
	return &test, nil
}

func (r *gormTestRepository) FindConditionGroup(ctx context.Context, db *gorm.DB, groupID uint) (*model.ConditionGroup, error) {
	var group model.ConditionGroup
	result := db.WithContext(ctx).First(&group, groupID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, result.Error
	}
	return &group, nil
}

func (r *gormTestRepository) CountTests(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	result := db.WithContext(ctx).Model(&model.Test{}).Count(&count)
	return count, result.Error
}
