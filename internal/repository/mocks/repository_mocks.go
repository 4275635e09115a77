// internal/repository/mocks/repository_mocks.go
// サービス層テスト用のリポジトリモック (testify/mock)
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"gorm.io/gorm"

	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
)

type TestRepository struct {
	mock.Mock
}

func (m *TestRepository) CreateTest(ctx context.Context, tx *gorm.DB, test *model.Test) error {
	args := m.Called(ctx, tx, test)
	return args.Error(0)
}

func (m *TestRepository) CreateConditionGroup(ctx context.Context, tx *gorm.DB, group *model.ConditionGroup) error {
	args := m.Called(ctx, tx, group)
	return args.Error(0)
}

func (m *TestRepository) FindTest(ctx context.Context, db *gorm.DB, testID uint) (*model.Test, error) {
	args := m.Called(ctx, db, testID)
	if v := args.Get(0); v != nil {
		return v.(*model.Test), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TestRepository) FindConditionGroup(ctx context.Context, db *gorm.DB, groupID uint) (*model.ConditionGroup, error) {
	args := m.Called(ctx, db, groupID)
	if v := args.Get(0); v != nil {
		return v.(*model.ConditionGroup), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TestRepository) CountTests(ctx context.Context, db *gorm.DB) (int64, error) {
	args := m.Called(ctx, db)
	return args.Get(0).(int64), args.Error(1)
}

type ConditionRepository struct {
	mock.Mock
}

func (m *ConditionRepository) Create(ctx context.Context, tx *gorm.DB, condition *model.Condition) error {
	args := m.Called(ctx, tx, condition)
	return args.Error(0)
}

func (m *ConditionRepository) FindByID(ctx context.Context, db *gorm.DB, conditionID uint) (*model.Condition, error) {
	args := m.Called(ctx, db, conditionID)
	if v := args.Get(0); v != nil {
		return v.(*model.Condition), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ConditionRepository) FindAvailable(ctx context.Context, db *gorm.DB, q repository.AvailableQuery) ([]*model.Condition, error) {
	args := m.Called(ctx, db, q)
	if v := args.Get(0); v != nil {
		return v.([]*model.Condition), args.Error(1)
	}
	return nil, args.Error(1)
}

type ParticipantRepository struct {
	mock.Mock
}

func (m *ParticipantRepository) Create(ctx context.Context, tx *gorm.DB, participant *model.Participant) error {
	args := m.Called(ctx, tx, participant)
	return args.Error(0)
}

func (m *ParticipantRepository) FindByID(ctx context.Context, db *gorm.DB, participantID uint) (*model.Participant, error) {
	args := m.Called(ctx, db, participantID)
	if v := args.Get(0); v != nil {
		return v.(*model.Participant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ParticipantRepository) FindByWorkerID(ctx context.Context, db *gorm.DB, crowdWorkerID string) (*model.Participant, error) {
	args := m.Called(ctx, db, crowdWorkerID)
	if v := args.Get(0); v != nil {
		return v.(*model.Participant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ParticipantRepository) Update(ctx context.Context, tx *gorm.DB, participant *model.Participant) error {
	args := m.Called(ctx, tx, participant)
	return args.Error(0)
}

type TrialRepository struct {
	mock.Mock
}

func (m *TrialRepository) Create(ctx context.Context, tx *gorm.DB, trial *model.Trial) error {
	args := m.Called(ctx, tx, trial)
	return args.Error(0)
}

func (m *TrialRepository) FindLatestByParticipant(ctx context.Context, db *gorm.DB, participantID uint) (*model.Trial, error) {
	args := m.Called(ctx, db, participantID)
	if v := args.Get(0); v != nil {
		return v.(*model.Trial), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TrialRepository) CountByParticipant(ctx context.Context, db *gorm.DB, participantID uint) (int64, error) {
	args := m.Called(ctx, db, participantID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *TrialRepository) CountByCondition(ctx context.Context, db *gorm.DB) ([]model.ConditionTrialCount, error) {
	args := m.Called(ctx, db)
	if v := args.Get(0); v != nil {
		return v.([]model.ConditionTrialCount), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TrialRepository) FindAllWithParticipant(ctx context.Context, db *gorm.DB) ([]*model.Trial, error) {
	args := m.Called(ctx, db)
	if v := args.Get(0); v != nil {
		return v.([]*model.Trial), args.Error(1)
	}
	return nil, args.Error(1)
}
