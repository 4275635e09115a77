// internal/service/trial_service_test.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
	"go_5_listening_test/internal/stimtoken"
)

func setupTestDBTrial(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Participant{}, &model.Trial{}))
	return db
}

func newTrialService(t *testing.T, db *gorm.DB, testType string) (TrialService, *stimtoken.Codec) {
	t.Helper()
	codec, err := stimtoken.NewCodec("trial-service-test-secret-32bytes", "wav")
	require.NoError(t, err)
	cfg := &config.Config{
		Experiment: config.ExperimentConfig{TestType: testType},
	}
	svc := NewTrialService(db, repository.NewGormTrialRepository(), repository.NewGormParticipantRepository(), codec, cfg)
	return svc, codec
}

// encodeForSubmission は提出ペイロードのstimulusFiles (匿名キー→トークンパス) と
// キー対応表を、配信時と同じコーデックで組み立てます。
func encodeForSubmission(t *testing.T, codec *stimtoken.Codec, participantID, groupID uint, files []model.KeyFile) (map[string]string, map[string]string) {
	t.Helper()
	encoded, keyMap, err := codec.EncodeStimuli(files, participantID, groupID)
	require.NoError(t, err)

	stimulusFiles := make(map[string]string, len(encoded))
	for _, kf := range encoded {
		stimulusFiles[kf.Key] = kf.File
	}
	return stimulusFiles, keyMap
}

func TestTrialService_SubmitEvaluation_MUSHRA(t *testing.T) {
	ctx := context.Background()
	db := setupTestDBTrial(t)
	svc, codec := newTrialService(t, db, config.TestTypeMUSHRA)

	participant := &model.Participant{CrowdWorkerID: "w-1", Platform: "anonymous", PassedHearingTest: true}
	require.NoError(t, db.Create(participant).Error)

	files := []model.KeyFile{
		{Key: "Reference", File: "exp01/ref.wav"},
		{Key: "S1", File: "exp01/s1.wav"},
		{Key: "S2", File: "exp01/s2.wav"},
	}
	stimulusFiles, keyMap := encodeForSubmission(t, codec, participant.ID, 7, files)

	ratings := map[string]json.RawMessage{
		keyMap["S1"]: json.RawMessage(`62`),
		keyMap["S2"]: json.RawMessage(`35`),
		"Reference":  json.RawMessage(`100`),
	}

	req := &model.SubmitEvaluationRequest{
		ParticipantID: participant.ID,
		CompletedConditionData: []model.CompletedConditionData{
			{ConditionID: 3, Ratings: ratings, StimulusFiles: stimulusFiles},
		},
	}

	resp, err := svc.SubmitEvaluation(ctx, participant.ID, []uint{7}, map[string]string{"worker_id": "w-1"}, req)
	require.NoError(t, err)
	assert.False(t, resp.Error)
	require.NotEmpty(t, resp.TrialID)

	// trial_idは封印済みで、開封すると作成されたTrialを指す
	var payload trialIDPayload
	require.NoError(t, codec.Sealer().Open(resp.TrialID, &payload))
	assert.Equal(t, participant.ID, payload.ParticipantID)
	require.Len(t, payload.TrialIDs, 1)

	var trial model.Trial
	require.NoError(t, db.First(&trial, payload.TrialIDs[0]).Error)
	assert.Equal(t, participant.ID, trial.ParticipantID)
	assert.Equal(t, uint(3), trial.ConditionID)
	assert.True(t, trial.ParticipantPassedHearingTest)

	var doc trialDoc
	require.NoError(t, json.Unmarshal(trial.Data, &doc))
	// 評価データのキーは元の刺激キーに戻っている
	assert.JSONEq(t, `62`, string(doc.Ratings["S1"]))
	assert.JSONEq(t, `35`, string(doc.Ratings["S2"]))
	assert.JSONEq(t, `100`, string(doc.Ratings["Reference"]))
	assert.Equal(t, "exp01/s1.wav", doc.StimulusFiles["S1"])
	assert.Equal(t, "exp01/ref.wav", doc.StimulusFiles["Reference"])

	var crowd map[string]string
	require.NoError(t, json.Unmarshal(trial.CrowdData, &crowd))
	assert.Equal(t, "w-1", crowd["worker_id"])
}

func TestTrialService_SubmitEvaluation_Pairwise(t *testing.T) {
	ctx := context.Background()
	db := setupTestDBTrial(t)
	svc, codec := newTrialService(t, db, config.TestTypePairwise)

	participant := &model.Participant{CrowdWorkerID: "w-2", Platform: "anonymous"}
	require.NoError(t, db.Create(participant).Error)

	files := []model.KeyFile{
		{Key: "S1", File: "exp01/s1.wav"},
		{Key: "S2", File: "exp01/s2.wav"},
	}
	stimulusFiles, keyMap := encodeForSubmission(t, codec, participant.ID, 7, files)

	pair, err := json.Marshal(model.PairwiseRating{
		Stimuli:   [2]string{keyMap["S1"], keyMap["S2"]},
		Selection: keyMap["S2"],
	})
	require.NoError(t, err)

	req := &model.SubmitEvaluationRequest{
		ParticipantID: participant.ID,
		CompletedConditionData: []model.CompletedConditionData{
			{ConditionID: 5, Ratings: map[string]json.RawMessage{"0": pair}, StimulusFiles: stimulusFiles},
		},
	}

	resp, err := svc.SubmitEvaluation(ctx, participant.ID, []uint{7}, nil, req)
	require.NoError(t, err)
	assert.False(t, resp.Error)

	var trial model.Trial
	require.NoError(t, db.Where("participant_id = ?", participant.ID).First(&trial).Error)

	var doc trialDoc
	require.NoError(t, json.Unmarshal(trial.Data, &doc))
	var rewritten model.PairwiseRating
	require.NoError(t, json.Unmarshal(doc.Ratings["0"], &rewritten))
	assert.Equal(t, [2]string{"S1", "S2"}, rewritten.Stimuli)
	assert.Equal(t, "S2", rewritten.Selection)
}

func TestTrialService_SubmitEvaluation_Integrity(t *testing.T) {
	ctx := context.Background()

	countTrials := func(t *testing.T, db *gorm.DB) int64 {
		var n int64
		require.NoError(t, db.Model(&model.Trial{}).Count(&n).Error)
		return n
	}

	t.Run("異常系: 参加者IDの不一致は1行も書かずに拒否", func(t *testing.T) {
		db := setupTestDBTrial(t)
		svc, _ := newTrialService(t, db, config.TestTypeMUSHRA)

		req := &model.SubmitEvaluationRequest{
			ParticipantID: 99,
			CompletedConditionData: []model.CompletedConditionData{
				{ConditionID: 1, Ratings: map[string]json.RawMessage{}, StimulusFiles: map[string]string{}},
			},
		}
		_, err := svc.SubmitEvaluation(ctx, 1, []uint{7}, nil, req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrSubmissionIntegrity))
		assert.Zero(t, countTrials(t, db))
	})

	t.Run("異常系: 他参加者のトークンは拒否", func(t *testing.T) {
		db := setupTestDBTrial(t)
		svc, codec := newTrialService(t, db, config.TestTypeMUSHRA)

		participant := &model.Participant{CrowdWorkerID: "w-3", Platform: "anonymous"}
		require.NoError(t, db.Create(participant).Error)

		// トークンは participant.ID+1 に対して発行されたもの
		stimulusFiles, keyMap := encodeForSubmission(t, codec, participant.ID+1, 7, []model.KeyFile{
			{Key: "S1", File: "exp01/s1.wav"},
		})
		req := &model.SubmitEvaluationRequest{
			ParticipantID: participant.ID,
			CompletedConditionData: []model.CompletedConditionData{
				{ConditionID: 1, Ratings: map[string]json.RawMessage{keyMap["S1"]: json.RawMessage(`50`)}, StimulusFiles: stimulusFiles},
			},
		}
		_, err := svc.SubmitEvaluation(ctx, participant.ID, []uint{7}, nil, req)
		require.Error(t, err)
		// トークンの束縛検証の失敗は復号失敗として扱う (fail closed)
		assert.True(t, errors.Is(err, model.ErrTokenDecode))
		assert.Zero(t, countTrials(t, db))
	})

	t.Run("異常系: 未知の匿名キーを含む評価で全体が巻き戻る", func(t *testing.T) {
		db := setupTestDBTrial(t)
		svc, codec := newTrialService(t, db, config.TestTypeMUSHRA)

		participant := &model.Participant{CrowdWorkerID: "w-4", Platform: "anonymous"}
		require.NoError(t, db.Create(participant).Error)

		stimulusFiles, keyMap := encodeForSubmission(t, codec, participant.ID, 7, []model.KeyFile{
			{Key: "S1", File: "exp01/s1.wav"},
		})
		okRatings := map[string]json.RawMessage{keyMap["S1"]: json.RawMessage(`50`)}
		badRatings := map[string]json.RawMessage{"E99": json.RawMessage(`50`)}

		req := &model.SubmitEvaluationRequest{
			ParticipantID: participant.ID,
			CompletedConditionData: []model.CompletedConditionData{
				{ConditionID: 1, Ratings: okRatings, StimulusFiles: stimulusFiles},
				{ConditionID: 2, Ratings: badRatings, StimulusFiles: stimulusFiles},
			},
		}
		_, err := svc.SubmitEvaluation(ctx, participant.ID, []uint{7}, nil, req)
		require.Error(t, err)
		assert.True(t, errors.Is(err, model.ErrSubmissionIntegrity))
		assert.Zero(t, countTrials(t, db), "正常な1件目もロールバックされる")
	})
}

func TestTrialService_GetConditionStats(t *testing.T) {
	ctx := context.Background()
	db := setupTestDBTrial(t)
	svc, _ := newTrialService(t, db, config.TestTypeMUSHRA)

	participant := &model.Participant{CrowdWorkerID: "w-5", Platform: "anonymous"}
	require.NoError(t, db.Create(participant).Error)

	for _, tr := range []model.Trial{
		{ParticipantID: participant.ID, ConditionID: 1, Data: []byte(`{}`), ParticipantPassedHearingTest: true},
		{ParticipantID: participant.ID, ConditionID: 1, Data: []byte(`{}`), ParticipantPassedHearingTest: false},
		{ParticipantID: participant.ID, ConditionID: 2, Data: []byte(`{}`), ParticipantPassedHearingTest: true},
	} {
		tr := tr
		require.NoError(t, db.Create(&tr).Error)
	}

	stats, err := svc.GetConditionStats(ctx)
	require.NoError(t, err)
	byCondition := map[uint]model.ConditionTrialCount{}
	for _, s := range stats {
		byCondition[s.ConditionID] = s
	}
	assert.Equal(t, int64(1), byCondition[1].Passed)
	assert.Equal(t, int64(1), byCondition[1].Failed)
	assert.Equal(t, int64(1), byCondition[2].Passed)
	assert.Equal(t, int64(0), byCondition[2].Failed)
}
