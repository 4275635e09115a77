// internal/service/materializer_service_test.go
package service

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
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

func setupTestDBMaterializer(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.Test{}, &model.ConditionGroup{}, &model.Condition{}))
	return db
}

// seedMaterializerFixture は1テスト・1グループ・2条件を投入します。
// グループはリファレンス1件 + 刺激3件 (S1〜S3) を持ちます。
func seedMaterializerFixture(t *testing.T, db *gorm.DB) (testID, groupID uint, condIDs []uint) {
	t.Helper()

	test := &model.Test{Data: []byte(`{"title":"音質評価テスト"}`)}
	require.NoError(t, db.Create(test).Error)

	groupData, err := json.Marshal(model.GroupDoc{
		ReferenceFiles: []model.KeyFile{{Key: "Reference", File: "exp01/ref.wav"}},
		StimulusFiles: []model.KeyFile{
			{Key: "S1", File: "exp01/s1.wav"},
			{Key: "S2", File: "exp01/s2.wav"},
			{Key: "S3", File: "exp01/s3.wav"},
		},
	})
	require.NoError(t, err)
	group := &model.ConditionGroup{TestID: test.ID, Data: groupData}
	require.NoError(t, db.Create(group).Error)

	for _, keys := range [][]string{{"S1", "S2"}, {"S1", "S2", "S3"}} {
		condData, err := json.Marshal(model.ConditionDoc{
			ReferenceKeys: []string{"Reference"},
			StimulusKeys:  keys,
		})
		require.NoError(t, err)
		cond := &model.Condition{TestID: test.ID, GroupID: group.ID, Data: condData}
		require.NoError(t, db.Create(cond).Error)
		condIDs = append(condIDs, cond.ID)
	}
	return test.ID, group.ID, condIDs
}

func newMaterializer(t *testing.T, db *gorm.DB, cfg *config.Config) (MaterializerService, *stimtoken.Codec) {
	t.Helper()
	codec, err := stimtoken.NewCodec("materializer-test-secret-32bytes", "wav")
	require.NoError(t, err)
	return NewMaterializerService(db, repository.NewGormConditionRepository(), codec, cfg), codec
}

func TestMaterializerService_GetTestConfigurations_Encrypted(t *testing.T) {
	ctx := context.Background()
	db := setupTestDBMaterializer(t)
	_, groupID, condIDs := seedMaterializerFixture(t, db)

	cfg := &config.Config{
		Experiment: config.ExperimentConfig{
			TestType:                config.TestTypeMUSHRA,
			EncryptAudioStimuliURLs: true,
			StimulusOrderRandomized: true,
		},
	}
	svc, codec := newMaterializer(t, db, cfg)

	views, err := svc.GetTestConfigurations(ctx, 1, condIDs)
	require.NoError(t, err)
	require.Len(t, views, 1, "同一テストの条件は1ビューにまとまる")

	view := views[0]
	assert.Equal(t, "音質評価テスト", view.Test["title"])
	require.Len(t, view.ConditionGroups, 1, "同一グループは一度だけ難読化される")
	require.Len(t, view.Conditions, 2)

	groupView := view.ConditionGroups[0]
	assert.Equal(t, groupID, groupView.GroupID)

	// リファレンスはキーを保ち、刺激は匿名キー E1..E3 に付け替わる
	require.Len(t, groupView.ReferenceFiles, 1)
	assert.Equal(t, "Reference", groupView.ReferenceFiles[0].Key)
	anonKeys := make([]string, 0, len(groupView.StimulusFiles))
	for _, kf := range groupView.StimulusFiles {
		anonKeys = append(anonKeys, kf.Key)
		assert.NotContains(t, kf.File, "exp01", "元パスがURLに漏れない")
		assert.Contains(t, kf.File, "/audio/")

		token, err := codec.StripToken(kf.File)
		require.NoError(t, err)
		payload, err := codec.DecodeToken(token, 1, []uint{groupID})
		require.NoError(t, err)
		assert.Contains(t, payload.URL, "exp01/")
	}
	assert.ElementsMatch(t, []string{"E1", "E2", "E3"}, anonKeys)

	// 条件の刺激キーは匿名キーに付け替わり番号順に正規化される
	for i, condView := range view.Conditions {
		assert.Equal(t, condIDs[i], condView.ID)
		assert.Equal(t, []string{"Reference"}, condView.ReferenceKeys)
		assert.True(t, slices.IsSortedFunc(condView.StimulusKeys, func(a, b string) int {
			na, _ := strconv.Atoi(strings.TrimPrefix(a, "E"))
			nb, _ := strconv.Atoi(strings.TrimPrefix(b, "E"))
			return na - nb
		}), "匿名キーは番号順に正規化される")
		for _, key := range condView.StimulusKeys {
			assert.Contains(t, anonKeys, key)
		}
		assert.Empty(t, condView.ComparisonPairs, "MUSHRAではペアを生成しない")
	}
	assert.Len(t, view.Conditions[0].StimulusKeys, 2)
	assert.Len(t, view.Conditions[1].StimulusKeys, 3)
}

func TestMaterializerService_GetTestConfigurations_Plain(t *testing.T) {
	ctx := context.Background()
	db := setupTestDBMaterializer(t)
	_, _, condIDs := seedMaterializerFixture(t, db)

	cfg := &config.Config{
		Experiment: config.ExperimentConfig{
			TestType:                config.TestTypeMUSHRA,
			EncryptAudioStimuliURLs: false,
			ExternalFileHost:        "https://cdn.example.com/",
		},
	}
	svc, _ := newMaterializer(t, db, cfg)

	views, err := svc.GetTestConfigurations(ctx, 1, condIDs[:1])
	require.NoError(t, err)
	require.Len(t, views, 1)

	groupView := views[0].ConditionGroups[0]
	assert.Equal(t, "Reference", groupView.ReferenceFiles[0].Key)
	assert.Equal(t, "https://cdn.example.com/exp01/ref.wav", groupView.ReferenceFiles[0].File)

	keys := make([]string, 0, len(groupView.StimulusFiles))
	for _, kf := range groupView.StimulusFiles {
		keys = append(keys, kf.Key)
		assert.Contains(t, kf.File, "https://cdn.example.com/exp01/")
	}
	assert.ElementsMatch(t, []string{"S1", "S2", "S3"}, keys, "難読化なしでは元キーを保つ")
	assert.Equal(t, []string{"S1", "S2"}, views[0].Conditions[0].StimulusKeys)
}

func TestMaterializerService_GetTestConfigurations_Pairwise(t *testing.T) {
	ctx := context.Background()
	db := setupTestDBMaterializer(t)
	_, _, condIDs := seedMaterializerFixture(t, db)

	cfg := &config.Config{
		Experiment: config.ExperimentConfig{
			TestType:                config.TestTypePairwise,
			EncryptAudioStimuliURLs: true,
		},
	}
	svc, _ := newMaterializer(t, db, cfg)

	views, err := svc.GetTestConfigurations(ctx, 1, condIDs[1:])
	require.NoError(t, err)

	condView := views[0].Conditions[0]
	require.Len(t, condView.StimulusKeys, 3)
	// 3刺激 → 3C2 = 3ペア、各ペアは異なる刺激の組み合わせ
	require.Len(t, condView.ComparisonPairs, 3)
	seen := map[[2]string]bool{}
	for _, pair := range condView.ComparisonPairs {
		assert.NotEqual(t, pair[0], pair[1])
		assert.Contains(t, condView.StimulusKeys, pair[0])
		assert.Contains(t, condView.StimulusKeys, pair[1])
		normalized := pair
		if normalized[0] > normalized[1] {
			normalized[0], normalized[1] = normalized[1], normalized[0]
		}
		assert.False(t, seen[normalized], "同じ組み合わせのペアが重複しない")
		seen[normalized] = true
	}
}

func TestMaterializerService_GetTestConfigurations_UnknownStimulusKey(t *testing.T) {
	ctx := context.Background()
	db := setupTestDBMaterializer(t)
	testID, groupID, _ := seedMaterializerFixture(t, db)

	// グループに存在しない刺激キーを参照する条件
	condData, err := json.Marshal(model.ConditionDoc{
		ReferenceKeys: []string{"Reference"},
		StimulusKeys:  []string{"S99"},
	})
	require.NoError(t, err)
	broken := &model.Condition{TestID: testID, GroupID: groupID, Data: condData}
	require.NoError(t, db.Create(broken).Error)

	cfg := &config.Config{
		Experiment: config.ExperimentConfig{
			TestType:                config.TestTypeMUSHRA,
			EncryptAudioStimuliURLs: true,
		},
	}
	svc, _ := newMaterializer(t, db, cfg)

	_, err = svc.GetTestConfigurations(ctx, 1, []uint{broken.ID})
	require.Error(t, err)
	var appErr *model.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "S99", appErr.Field)
}

// 同一インスタンスへの並行呼び出しでシャッフルの乱数状態を共有しても
// 安全であることを確認します (-race付きで検出される)。
func TestMaterializerService_GetTestConfigurations_Concurrent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDBMaterializer(t)
	_, _, condIDs := seedMaterializerFixture(t, db)

	cfg := &config.Config{
		Experiment: config.ExperimentConfig{
			TestType:                config.TestTypePairwise,
			EncryptAudioStimuliURLs: true,
			StimulusOrderRandomized: true,
		},
	}
	svc, _ := newMaterializer(t, db, cfg)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.GetTestConfigurations(ctx, uint(i+1), condIDs)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

func TestMaterializerService_GetTestConfigurations_NotFound(t *testing.T) {
	ctx := context.Background()
	db := setupTestDBMaterializer(t)

	cfg := &config.Config{
		Experiment: config.ExperimentConfig{TestType: config.TestTypeMUSHRA},
	}
	svc, _ := newMaterializer(t, db, cfg)

	_, err := svc.GetTestConfigurations(ctx, 1, []uint{12345})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
