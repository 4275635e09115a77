// internal/model/test.go
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
)

// Test は1つのリスニングテスト定義を表します。
// Data にはタイトル・教示文・品質スケールなどのテンプレート文書 (JSON) を
// そのまま保持します。作成後は不変です。
type Test struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Data      datatypes.JSON `gorm:"not null" json:"data"`
	CreatedAt time.Time      `json:"created_at"`

	// 関連 (Preload用)
	ConditionGroups []ConditionGroup `gorm:"foreignKey:TestID" json:"-"`
	Conditions      []Condition      `gorm:"foreignKey:TestID" json:"-"`
}

func (Test) TableName() string {
	return "tests"
}

// ConditionGroup は同じリファレンス/刺激音源を共有するConditionの集合です。
// Data には reference_files / stimulus_files (キー→ファイル名の順序付きペア) を
// 保持します。作成後は不変です。
type ConditionGroup struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TestID    uint           `gorm:"not null;index" json:"test_id"`
	Data      datatypes.JSON `gorm:"not null" json:"data"`
	CreatedAt time.Time      `json:"created_at"`

	Test       *Test       `gorm:"foreignKey:TestID" json:"-"`
	Conditions []Condition `gorm:"foreignKey:GroupID" json:"-"`
}

func (ConditionGroup) TableName() string {
	return "condition_groups"
}

// Condition は割り当て可能な1単位の評価タスクです。
// グループ内の刺激キーのサブセットと順序、および任意の教示文オーバーライドを
// Data に保持します。IDは単調増加で、作成後は不変です。
type Condition struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	TestID    uint           `gorm:"not null;index" json:"test_id"`
	GroupID   uint           `gorm:"not null;index" json:"group_id"`
	Data      datatypes.JSON `gorm:"not null" json:"data"`
	CreatedAt time.Time      `json:"created_at"`

	Test   *Test           `gorm:"foreignKey:TestID" json:"-"`
	Group  *ConditionGroup `gorm:"foreignKey:GroupID" json:"-"`
	Trials []Trial         `gorm:"foreignKey:ConditionID" json:"-"`
}

func (Condition) TableName() string {
	return "conditions"
}

// KeyFile は刺激キーとファイルパスのペアです。
// 格納文書上は ["S1", "path.wav"] 形式の2要素配列として表現されます
// (順序を保持するため、オブジェクトではなく配列のリストを使う)。
type KeyFile struct {
	Key  string
	File string
}

func (kf KeyFile) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{kf.Key, kf.File})
}

func (kf *KeyFile) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("key-file pair must be a 2-element array: %w", err)
	}
	kf.Key = pair[0]
	kf.File = pair[1]
	return nil
}

// IsReference はこのキーがリファレンス刺激かどうかを返します。
// 非リファレンスのキーは "S<数字>" 形式という規約です。
func (kf KeyFile) IsReference() bool {
	if !strings.HasPrefix(kf.Key, "S") || len(kf.Key) < 2 {
		return true
	}
	return kf.Key[1] < '0' || kf.Key[1] > '9'
}

// GroupDoc は ConditionGroup.Data の文書構造です
type GroupDoc struct {
	ReferenceFiles []KeyFile `json:"reference_files"`
	StimulusFiles  []KeyFile `json:"stimulus_files"`
}

// ConditionDoc は Condition.Data の文書構造です
type ConditionDoc struct {
	ReferenceKeys              []string `json:"reference_keys"`
	StimulusKeys               []string `json:"stimulus_keys"`
	EvaluationInstructionsHTML string   `json:"evaluation_instructions_html,omitempty"`
}

// TestView はMaterializerが組み立てるテスト単位のレンダリング用ビューです。
// テンプレート層 (外部) にそのまま渡されます。
type TestView struct {
	TestID          uint                 `json:"test_id"`
	Test            map[string]any       `json:"test"`
	ConditionGroups []ConditionGroupView `json:"condition_groups"`
	Conditions      []ConditionView      `json:"conditions"`
}

// ConditionGroupView は難読化適用後のグループ表現です
type ConditionGroupView struct {
	GroupID        uint      `json:"group_id"`
	ReferenceFiles []KeyFile `json:"reference_files"`
	StimulusFiles  []KeyFile `json:"stimulus_files"`
}

// ConditionView は難読化適用後のCondition表現です
type ConditionView struct {
	ID                         uint        `json:"id"`
	GroupID                    uint        `json:"group_id"`
	ReferenceKeys              []string    `json:"reference_keys"`
	StimulusKeys               []string    `json:"stimulus_keys"`
	EvaluationInstructionsHTML string      `json:"evaluation_instructions_html,omitempty"`
	ComparisonPairs            [][2]string `json:"comparison_pairs,omitempty"` // pairwiseモードのみ
}
