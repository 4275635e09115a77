// internal/service/turk_service_test.go
package service

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/mturk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
)

// mturkClientMock はMTurkAPIのモックです
type mturkClientMock struct {
	mock.Mock
}

func (m *mturkClientMock) SendBonus(ctx context.Context, params *mturk.SendBonusInput, optFns ...func(*mturk.Options)) (*mturk.SendBonusOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*mturk.SendBonusOutput), args.Error(1)
}

func setupTestDBTurk(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Participant{}, &model.Trial{}))
	return db
}

func turkTestConfig() *config.Config {
	return &config.Config{
		MTurk: config.MTurkConfig{
			Enabled:                true,
			FirstHITBonus:          0.30,
			FirstHITBonusReason:    "Thanks for completing your first HIT.",
			MaxConsistencyBonus:    0.25,
			MinConsistencyForBonus: 0.7,
			ConsistencyBonusReason: "Thanks for your consistent ratings.",
		},
	}
}

func seedTurkParticipant(t *testing.T, db *gorm.DB, workerID, platform string) *model.Participant {
	t.Helper()
	p := &model.Participant{CrowdWorkerID: workerID, Platform: platform}
	require.NoError(t, db.Create(p).Error)
	return p
}

func seedTurkTrial(t *testing.T, db *gorm.DB, participantID uint, crowd map[string]string, ratings map[string]model.PairwiseRating, completedAt time.Time) *model.Trial {
	t.Helper()

	raw := map[string]json.RawMessage{}
	for key, rating := range ratings {
		b, err := json.Marshal(rating)
		require.NoError(t, err)
		raw[key] = b
	}
	data, err := json.Marshal(trialDoc{Ratings: raw, StimulusFiles: map[string]string{}})
	require.NoError(t, err)

	var crowdJSON []byte
	if crowd != nil {
		crowdJSON, err = json.Marshal(crowd)
		require.NoError(t, err)
	}

	trial := &model.Trial{
		ParticipantID: participantID,
		ConditionID:   1,
		Data:          data,
		CrowdData:     crowdJSON,
		CompletedAt:   completedAt,
	}
	require.NoError(t, db.Create(trial).Error)
	return trial
}

func uintString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}

func sendBonusMatcher(workerID, amount, token string) any {
	return mock.MatchedBy(func(input *mturk.SendBonusInput) bool {
		return input.WorkerId != nil && *input.WorkerId == workerID &&
			input.BonusAmount != nil && *input.BonusAmount == amount &&
			input.UniqueRequestToken != nil && *input.UniqueRequestToken == token
	})
}

func TestTurkService_PayFirstTrialBonuses(t *testing.T) {
	ctx := context.Background()
	db := setupTestDBTurk(t)

	mturkWorker := seedTurkParticipant(t, db, "WORKER1", model.PlatformMTurk)
	anonWorker := seedTurkParticipant(t, db, "anon-uuid", model.PlatformAnonymous)

	base := time.Now().Add(-time.Hour)
	crowd := map[string]string{"worker_id": "WORKER1", "assignment_id": "ASSIGN1", "hit_id": "HIT1"}
	// 同一参加者の2つ目のTrialは対象外
	seedTurkTrial(t, db, mturkWorker.ID, crowd, nil, base)
	seedTurkTrial(t, db, mturkWorker.ID, crowd, nil, base.Add(time.Minute))
	// MTurk以外の参加者は対象外
	seedTurkTrial(t, db, anonWorker.ID, nil, nil, base.Add(2*time.Minute))

	client := new(mturkClientMock)
	client.On("SendBonus", ctx, sendBonusMatcher("WORKER1", "0.30", "first-trial-"+uintString(mturkWorker.ID))).
		Return(&mturk.SendBonusOutput{}, nil).Once()

	svc := NewTurkService(db, repository.NewGormTrialRepository(), client, turkTestConfig())
	payments, err := svc.PayFirstTrialBonuses(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 1, "参加者ごとに最初のTrialのみ支払う")
	assert.Equal(t, "WORKER1", payments[0].WorkerID)
	assert.Equal(t, "ASSIGN1", payments[0].AssignmentID)
	assert.InDelta(t, 0.30, payments[0].Amount, 1e-9)
	client.AssertExpectations(t)
}

func TestTurkService_PayConsistencyBonuses(t *testing.T) {
	ctx := context.Background()
	db := setupTestDBTurk(t)

	worker := seedTurkParticipant(t, db, "WORKER2", model.PlatformMTurk)
	crowd := map[string]string{"worker_id": "WORKER2", "assignment_id": "ASSIGN2", "hit_id": "HIT2"}

	// 完全に推移的な回答 (S1 > S2 > S3): TSR = 1.0
	consistent := map[string]model.PairwiseRating{
		"0": {Stimuli: [2]string{"S1", "S2"}, Selection: "S1"},
		"1": {Stimuli: [2]string{"S2", "S3"}, Selection: "S2"},
		"2": {Stimuli: [2]string{"S1", "S3"}, Selection: "S1"},
	}
	// 循環する回答 (S1 > S2 > S3 > S1): TSR = 0
	cyclic := map[string]model.PairwiseRating{
		"0": {Stimuli: [2]string{"S1", "S2"}, Selection: "S1"},
		"1": {Stimuli: [2]string{"S2", "S3"}, Selection: "S2"},
		"2": {Stimuli: [2]string{"S1", "S3"}, Selection: "S3"},
	}

	base := time.Now().Add(-time.Hour)
	goodTrial := seedTurkTrial(t, db, worker.ID, crowd, consistent, base)
	seedTurkTrial(t, db, worker.ID, crowd, cyclic, base.Add(time.Minute))

	client := new(mturkClientMock)
	// TSR=1.0, 閾値0.7, 上限0.25 → (1.0-0.7)/(1-0.7)*0.25 = 0.25
	client.On("SendBonus", ctx, sendBonusMatcher("WORKER2", "0.25", "consistency-"+uintString(goodTrial.ID))).
		Return(&mturk.SendBonusOutput{}, nil).Once()

	svc := NewTurkService(db, repository.NewGormTrialRepository(), client, turkTestConfig())
	payments, err := svc.PayConsistencyBonuses(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 1, "閾値以下のTrialには支払わない")
	assert.InDelta(t, 0.25, payments[0].Amount, 1e-9)
	client.AssertExpectations(t)
}

func TestCalculateTSR(t *testing.T) {
	tests := []struct {
		name    string
		ratings []model.PairwiseRating
		want    float64
	}{
		{
			name: "正常系: 完全に推移的",
			ratings: []model.PairwiseRating{
				{Stimuli: [2]string{"A", "B"}, Selection: "A"},
				{Stimuli: [2]string{"B", "C"}, Selection: "B"},
				{Stimuli: [2]string{"A", "C"}, Selection: "A"},
			},
			want: 1.0,
		},
		{
			name: "正常系: 循環 (全三つ組が違反)",
			ratings: []model.PairwiseRating{
				{Stimuli: [2]string{"A", "B"}, Selection: "A"},
				{Stimuli: [2]string{"B", "C"}, Selection: "B"},
				{Stimuli: [2]string{"C", "A"}, Selection: "C"},
			},
			want: 0.0,
		},
		{
			name: "正常系: 三つ組が存在しない場合は1.0",
			ratings: []model.PairwiseRating{
				{Stimuli: [2]string{"A", "B"}, Selection: "A"},
			},
			want: 1.0,
		},
		{
			name:    "正常系: 回答なし",
			ratings: nil,
			want:    1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, calculateTSR(tt.ratings), 1e-9)
		})
	}
}
