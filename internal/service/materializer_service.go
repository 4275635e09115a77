// internal/service/materializer_service.go
package service

import (
	"context"
	"encoding/json"
	"math/rand"
	"slices"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/middleware"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
	"go_5_listening_test/internal/stimtoken"
)

// MaterializerService は割当済み条件IDの列から、テンプレート層へ渡す
// テスト設定ビューを組み立てます。刺激の難読化と匿名キーへの
// 付け替えはここで適用されます。
type MaterializerService interface {
	GetTestConfigurations(ctx context.Context, participantID uint, conditionIDs []uint) ([]*model.TestView, error)
}

type materializerService struct {
	db       *gorm.DB
	condRepo repository.ConditionRepository
	codec    *stimtoken.Codec
	cfg      *config.Config
}

func NewMaterializerService(db *gorm.DB, condRepo repository.ConditionRepository, codec *stimtoken.Codec, cfg *config.Config) MaterializerService {
	return &materializerService{
		db:       db,
		condRepo: condRepo,
		codec:    codec,
		cfg:      cfg,
	}
}

// groupMaterial はビュー組み立て中に使う、グループ1件分の難読化結果です
type groupMaterial struct {
	view   model.ConditionGroupView
	keyMap map[string]string // 元キー → 匿名キー
}

func (s *materializerService) GetTestConfigurations(ctx context.Context, participantID uint, conditionIDs []uint) ([]*model.TestView, error) {
	logger := middleware.GetLogger(ctx)

	var views []*model.TestView
	var current *model.TestView
	groups := make(map[uint]*groupMaterial)

	for _, condID := range conditionIDs {
		condition, err := s.condRepo.FindByID(ctx, s.db, condID)
		if err != nil {
			return nil, err
		}

		// 呼び出し順を保ったまま、テストIDの切り替わりごとに新しいビューを開始する
		if current == nil || current.TestID != condition.TestID {
			var testDoc map[string]any
			if err := json.Unmarshal(condition.Test.Data, &testDoc); err != nil {
				return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "テスト定義の読み取りに失敗しました。", "", err)
			}
			current = &model.TestView{TestID: condition.TestID, Test: testDoc}
			views = append(views, current)
		}

		material, seen := groups[condition.GroupID]
		if !seen {
			material, err = s.materializeGroup(condition.Group, participantID)
			if err != nil {
				return nil, err
			}
			groups[condition.GroupID] = material
			current.ConditionGroups = append(current.ConditionGroups, material.view)
		}

		condView, err := s.materializeCondition(condition, material.keyMap)
		if err != nil {
			return nil, err
		}
		current.Conditions = append(current.Conditions, *condView)
	}

	logger.Debug("Materialized test configurations",
		"participant_id", participantID,
		"conditions", len(conditionIDs),
		"tests", len(views),
	)
	return views, nil
}

func (s *materializerService) materializeGroup(group *model.ConditionGroup, participantID uint) (*groupMaterial, error) {
	if group == nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "条件グループが読み込まれていません。", "", model.ErrInternalServer)
	}

	var doc model.GroupDoc
	if err := json.Unmarshal(group.Data, &doc); err != nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "条件グループ定義の読み取りに失敗しました。", "", err)
	}

	stimuli := slices.Clone(doc.StimulusFiles)
	// 匿名キーの割り振りが元の並びを漏らさないよう、付け替えの前にシャッフルする。
	// サービスは複数リクエストから並行に呼ばれるため、乱数はパッケージの
	// 共有ソース (goroutineセーフ) を使います。
	if s.cfg.Experiment.StimulusOrderRandomized {
		rand.Shuffle(len(stimuli), func(i, j int) {
			stimuli[i], stimuli[j] = stimuli[j], stimuli[i]
		})
	}

	if !s.cfg.Experiment.EncryptAudioStimuliURLs {
		// 難読化なし: キーはそのまま、パスだけ配信ホストを前置する
		identity := make(map[string]string, len(stimuli))
		refs := make([]model.KeyFile, 0, len(doc.ReferenceFiles))
		for _, kf := range doc.ReferenceFiles {
			refs = append(refs, model.KeyFile{Key: kf.Key, File: s.cfg.Experiment.ExternalFileHost + kf.File})
		}
		stims := make([]model.KeyFile, 0, len(stimuli))
		for _, kf := range stimuli {
			identity[kf.Key] = kf.Key
			stims = append(stims, model.KeyFile{Key: kf.Key, File: s.cfg.Experiment.ExternalFileHost + kf.File})
		}
		return &groupMaterial{
			view:   model.ConditionGroupView{GroupID: group.ID, ReferenceFiles: refs, StimulusFiles: stims},
			keyMap: identity,
		}, nil
	}

	combined := make([]model.KeyFile, 0, len(doc.ReferenceFiles)+len(stimuli))
	combined = append(combined, doc.ReferenceFiles...)
	combined = append(combined, stimuli...)

	encoded, keyMap, err := s.codec.EncodeStimuli(combined, participantID, group.ID)
	if err != nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "刺激トークンの生成に失敗しました。", "", err)
	}

	// エンコード結果はリファレンスが先頭に寄せられている
	nRefs := len(doc.ReferenceFiles)
	view := model.ConditionGroupView{
		GroupID:        group.ID,
		ReferenceFiles: encoded[:nRefs],
		StimulusFiles:  encoded[nRefs:],
	}
	return &groupMaterial{view: view, keyMap: keyMap}, nil
}

func (s *materializerService) materializeCondition(condition *model.Condition, keyMap map[string]string) (*model.ConditionView, error) {
	var doc model.ConditionDoc
	if err := json.Unmarshal(condition.Data, &doc); err != nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "条件定義の読み取りに失敗しました。", "", err)
	}

	stimulusKeys := make([]string, 0, len(doc.StimulusKeys))
	for _, key := range doc.StimulusKeys {
		anon, ok := keyMap[key]
		if !ok {
			return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "条件がグループに無い刺激キーを参照しています。", key, model.ErrInternalServer)
		}
		stimulusKeys = append(stimulusKeys, anon)
	}
	// 付け替え後のキー列が条件文書内の並びを漏らさないよう正規化する
	sortAnonKeys(stimulusKeys)

	view := &model.ConditionView{
		ID:                         condition.ID,
		GroupID:                    condition.GroupID,
		ReferenceKeys:              doc.ReferenceKeys,
		StimulusKeys:               stimulusKeys,
		EvaluationInstructionsHTML: doc.EvaluationInstructionsHTML,
	}

	if s.cfg.Experiment.TestType == config.TestTypePairwise {
		view.ComparisonPairs = s.generateComparisonPairs(stimulusKeys)
	}
	return view, nil
}

// generateComparisonPairs は刺激キーの全組み合わせ (nC2) のペアを生成します。
// 各ペアのA/B配置はランダムに反転し、ペアの提示順もシャッフルします。
func (s *materializerService) generateComparisonPairs(keys []string) [][2]string {
	pairs := make([][2]string, 0, len(keys)*(len(keys)-1)/2)
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			pair := [2]string{keys[i], keys[j]}
			if rand.Intn(2) == 1 {
				pair[0], pair[1] = pair[1], pair[0]
			}
			pairs = append(pairs, pair)
		}
	}
	rand.Shuffle(len(pairs), func(i, j int) {
		pairs[i], pairs[j] = pairs[j], pairs[i]
	})
	return pairs
}

// sortAnonKeys は "E2" < "E10" となるよう番号順でソートします
func sortAnonKeys(keys []string) {
	slices.SortFunc(keys, func(a, b string) int {
		na, errA := strconv.Atoi(strings.TrimPrefix(a, "E"))
		nb, errB := strconv.Atoi(strings.TrimPrefix(b, "E"))
		if errA != nil || errB != nil {
			return strings.Compare(a, b)
		}
		return na - nb
	})
}
