// internal/model/participant.go
package model

import (
	"time"

	"gorm.io/datatypes"
)

// 参加プラットフォーム
const (
	PlatformAnonymous = "anonymous"
	PlatformMTurk     = "mturk"
	PlatformLab       = "lab"
)

// Participant は実験の参加者を表します。
// クラウドワーカーIDで外部識別され、匿名参加者にはUUIDが生成されます。
// 削除されることはありません。
type Participant struct {
	ID                        uint           `gorm:"primaryKey" json:"id"`
	CrowdWorkerID             string         `gorm:"size:256;uniqueIndex;not null" json:"crowd_worker_id"`
	Platform                  string         `gorm:"size:128;not null" json:"platform"`
	IPAddress                 string         `gorm:"size:45" json:"-"`
	PassedHearingTest         bool           `gorm:"not null;default:false" json:"passed_hearing_test"`
	GaveConsent               bool           `gorm:"not null;default:false" json:"gave_consent"`
	HearingTestAttempts       int            `gorm:"not null;default:0" json:"hearing_test_attempts"`
	HearingTestLastAttempt    *time.Time     `json:"hearing_test_last_attempt,omitempty"`
	PreTestSurvey             datatypes.JSON `json:"pre_test_survey,omitempty"`
	PostTestSurvey            datatypes.JSON `json:"post_test_survey,omitempty"`
	HearingResponseEstimation datatypes.JSON `json:"hearing_response_estimation,omitempty"`
	CreatedAt                 time.Time      `json:"created_at"`
	UpdatedAt                 time.Time      `json:"updated_at"`

	// 関連 (Preload用)
	Trials []Trial `gorm:"foreignKey:ParticipantID" json:"-"`
}

func (Participant) TableName() string {
	return "participants"
}

// HearingTestExpired は最終受験から有効期限が経過しているかを返します。
// 一度も受験していない場合は期限切れではありません (リセットする状態が無い)。
func (p *Participant) HearingTestExpired(now time.Time, expiration time.Duration) bool {
	if p.HearingTestLastAttempt == nil {
		return false
	}
	return now.Sub(*p.HearingTestLastAttempt) >= expiration
}

// RecordHearingTestAttempt は聴覚テストの受験結果を記録します。
// 合否にかかわらず受験日時を更新し、試行回数を加算します。
func (p *Participant) RecordHearingTestAttempt(passed bool, now time.Time) {
	p.HearingTestLastAttempt = &now
	p.HearingTestAttempts++
	p.PassedHearingTest = passed
}

// ResetHearingTest は期限切れの聴覚テスト状態をリセットします。
// 過去に合格していても、期限が切れたら再受験が必要です。
func (p *Participant) ResetHearingTest() {
	p.PassedHearingTest = false
	p.HearingTestAttempts = 0
}

// --- 参加開始のDTO ---

// CreateParticipantRequest は参加登録リクエストです。
// 匿名プラットフォームで worker_id が無い場合はサーバ側でUUIDを生成します。
type CreateParticipantRequest struct {
	Platform  string            `json:"platform" validate:"required,oneof=anonymous mturk lab"`
	WorkerID  string            `json:"worker_id,omitempty"`
	CrowdData map[string]string `json:"crowd_data,omitempty"`
}

// GateResponse は参加登録・各ステップ完了後に返す次ステップ案内です
type GateResponse struct {
	ParticipantID     uint   `json:"participant_id"`
	State             string `json:"state"`
	ConditionIDs      []uint `json:"condition_ids,omitempty"`
	ConditionGroupIDs []uint `json:"condition_group_ids,omitempty"`
}
