// internal/config/constants.go
package config

// アプリケーション情報
const (
	AppName    = "ListeningTestServer"
	AppVersion = "1.0.0"
)

// テストタイプ
const (
	TestTypeMUSHRA   = "mushra"
	TestTypePairwise = "pairwise"
)

// グループ選択ポリシー
const (
	GroupPickMostRemaining = "most_remaining"
	GroupPickRandom        = "random"
)

// デフォルト設定値
const (
	DefaultServerPort                 = ":8080"
	DefaultLogLevel                   = "info"
	DefaultSessionTTLHours            = 12
	DefaultConditionsPerEvaluation    = 1
	DefaultTrialsPerCondition         = 20
	DefaultHearingTestExpirationHours = 24
	DefaultMaxHearingTestAttempts     = 2
	DefaultHearingResponseNFreqs      = 8
	DefaultHearingResponseNAdd        = 3
	DefaultHearingResponseNOptions    = 20
)

// 聴覚テスト音源の定数。
// 音源は tones{トーン数}_{バリエーション}.wav という命名で、
// インデックス = トーン数 * FilesPerTones + バリエーション で表されます。
const (
	MinHearingTestAudioTones      = 2
	MaxHearingTestAudioTones      = 8
	HearingTestAudioFilesPerTones = 4
	MinHearingTestAudioIndex      = HearingTestAudioFilesPerTones * MinHearingTestAudioTones
	MaxHearingTestAudioIndex      = HearingTestAudioFilesPerTones*(MaxHearingTestAudioTones+1) - 1
)

// MTurkエンドポイント
const (
	MTurkEndpointProduction = "https://mturk-requester.us-east-1.amazonaws.com"
	MTurkEndpointSandbox    = "https://mturk-requester-sandbox.us-east-1.amazonaws.com"
)
