// internal/model/trial.go
package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Trial は1人の参加者が1つのConditionを完了した評価セッションの記録です。
// 提出時に1度だけ作成され、以後更新も削除もされません。
// ParticipantPassedHearingTest は提出時点のスナップショットであり、
// 後から参加者の状態を再導出してはいけません (クォータ集計の根拠になるため)。
type Trial struct {
	ID                           uint           `gorm:"primaryKey" json:"id"`
	ParticipantID                uint           `gorm:"not null;index" json:"participant_id"`
	ConditionID                  uint           `gorm:"not null;index" json:"condition_id"`
	Data                         datatypes.JSON `gorm:"not null" json:"data"`
	CrowdData                    datatypes.JSON `json:"crowd_data,omitempty"`
	ParticipantPassedHearingTest bool           `gorm:"not null" json:"participant_passed_hearing_test"`
	CompletedAt                  time.Time      `gorm:"not null;index" json:"completed_at"`

	// 関連 (Preload用)
	Participant *Participant `gorm:"foreignKey:ParticipantID" json:"-"`
	Condition   *Condition   `gorm:"foreignKey:ConditionID" json:"-"`
}

func (Trial) TableName() string {
	return "trials"
}

// ConditionTrialCount はCondition単位のTrial集計結果です (管理用統計)
type ConditionTrialCount struct {
	ConditionID uint  `json:"condition_id"`
	Passed      int64 `json:"passed"`
	Failed      int64 `json:"failed"`
}

// --- 提出ペイロードのDTO ---

// PairwiseRating はペア比較1件の評価です。
// Stimuli は提示された2刺激のキー、Selection は選ばれた側の刺激キーです。
type PairwiseRating struct {
	Stimuli   [2]string `json:"stimuli"`
	Selection string    `json:"selection"`
}

// CompletedConditionData は評価提出ペイロード内の1Condition分のデータです。
// Ratings はテストタイプごとに形が異なるため生のまま受け、
// TrialRecorderが難読化解除後にキーを書き換えます。
type CompletedConditionData struct {
	ConditionID   uint                       `json:"conditionID" validate:"required"`
	Ratings       map[string]json.RawMessage `json:"ratings" validate:"required"`
	StimulusFiles map[string]string          `json:"stimulusFiles" validate:"required"`
}

// SubmitEvaluationRequest は評価提出リクエストのDTO
type SubmitEvaluationRequest struct {
	ParticipantID          uint                     `json:"participant_id" validate:"required"`
	CompletedConditionData []CompletedConditionData `json:"completedConditionData" validate:"required,min=1,dive"`
}

// SubmitEvaluationResponse は評価提出のレスポンス。
// 原典のクライアントがこの形を期待しているため error はbool。
type SubmitEvaluationResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
	TrialID string `json:"trial_id,omitempty"` // 署名済みの不透明な値
}
