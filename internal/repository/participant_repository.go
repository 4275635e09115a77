// internal/repository/participant_repository.go
package repository

import (
	"context"
	"errors"

	"go_5_listening_test/internal/model"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// ParticipantRepository はParticipantの永続化を担当します
type ParticipantRepository interface {
	Create(ctx context.Context, tx *gorm.DB, participant *model.Participant) error
	FindByID(ctx context.Context, db *gorm.DB, participantID uint) (*model.Participant, error)
	FindByWorkerID(ctx context.Context, db *gorm.DB, crowdWorkerID string) (*model.Participant, error)
	Update(ctx context.Context, tx *gorm.DB, participant *model.Participant) error
}

type gormParticipantRepository struct{}

func NewGormParticipantRepository() ParticipantRepository {
	return &gormParticipantRepository{}
}

func (r *gormParticipantRepository) Create(ctx context.Context, tx *gorm.DB, participant *model.Participant) error {
	result := tx.WithContext(ctx).Create(participant)
	if result.Error != nil {
		// 同じworker_idの同時登録 (2窓で開いた等) は一意制約違反になる
		var pgErr *pgconn.PgError
		if errors.As(result.Error, &pgErr) && pgErr.Code == "23505" {
			return model.ErrConflict
		}
		return result.Error
	}
	return nil
}

func (r *gormParticipantRepository) FindByID(ctx context.Context, db *gorm.DB, participantID uint) (*model.Participant, error) {
	var participant model.Participant
	result := db.WithContext(ctx).First(&participant, participantID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, result.Error
	}
	return &participant, nil
}

func (r *gormParticipantRepository) FindByWorkerID(ctx context.Context, db *gorm.DB, crowdWorkerID string) (*model.Participant, error) {
	var participant model.Participant
	result := db.WithContext(ctx).Where("crowd_worker_id = ?", crowdWorkerID).First(&participant)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, result.Error
	}
	return &participant, nil
}

func (r *gormParticipantRepository) Update(ctx context.Context, tx *gorm.DB, participant *model.Participant) error {
	return tx.WithContext(ctx).Save(participant).Error
}
