// internal/config/config.go
package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"

	"go_5_listening_test/internal/model"
)

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// SessionConfig はクライアント保持セッション(JWT Cookie)の設定です
type SessionConfig struct {
	SecretKey string `mapstructure:"secret_key"`
	TTLHours  int    `mapstructure:"ttl_hours"`
	Secure    bool   `mapstructure:"secure"`
}

// ExperimentConfig は実験コアの設定です。
// 原典ではフラットなグローバル設定辞書でしたが、コンポーネントの
// コンストラクタに明示的に渡す構造体として列挙します。
type ExperimentConfig struct {
	// テストタイプ ("mushra" または "pairwise")
	TestType string `mapstructure:"test_type"`

	// 1回の評価訪問で提示するCondition数
	ConditionsPerEvaluation int `mapstructure:"conditions_per_evaluation"`

	// Conditionごとに収集するTrial数 (クォータ)
	TrialsPerCondition int `mapstructure:"trials_per_condition"`

	// クォータ集計に聴覚テスト不合格のTrialも数えるか
	CountFailedHearingTrials bool `mapstructure:"count_failed_hearing_trials"`

	// 参加者を最初に着手したテストタイプに固定するか
	LimitToOneTaskType bool `mapstructure:"limit_to_one_task_type"`

	// テスト内のCondition順をランダム化するか
	ConditionOrderRandomized bool `mapstructure:"condition_order_randomized"`

	// グループ選択ポリシー ("most_remaining" または "random")
	GroupPickPolicy string `mapstructure:"group_pick_policy"`

	// グループ内の刺激順をランダム化するか
	StimulusOrderRandomized bool `mapstructure:"stimulus_order_randomized"`

	// 刺激URLを難読化するか
	EncryptAudioStimuliURLs bool `mapstructure:"encrypt_audio_stimuli_urls"`

	// 難読化トークンの暗号鍵 (32文字以上の文字列)
	StimulusSecretKey string `mapstructure:"stimulus_secret_key"`

	// 音源の置き場所と形式。ExternalFileHost が空でなければ実体は
	// 外部ホスト (CDN等) から配信され、ここではURL前置のみ行う
	AudioFileDirectory string `mapstructure:"audio_file_directory"`
	AudioCodec         string `mapstructure:"audio_codec"` // "wav" or "mp3"
	ExternalFileHost   string `mapstructure:"external_file_host"`

	// 匿名参加者の受け入れ
	AnonymousParticipantsEnabled bool `mapstructure:"anonymous_participants_enabled"`

	// 参加者IPアドレスの収集
	IPCollectionEnabled bool `mapstructure:"ip_collection_enabled"`
}

type ConsentConfig struct {
	Obtain bool `mapstructure:"obtain"`
}

type HearingTestConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	ExpirationHours  int  `mapstructure:"expiration_hours"`
	MaxAttempts      int  `mapstructure:"max_attempts"`
	RejectionEnabled bool `mapstructure:"rejection_enabled"`
}

type SurveyConfig struct {
	PreEnabled        bool                    `mapstructure:"pre_enabled"`
	PostEnabled       bool                    `mapstructure:"post_enabled"`
	InclusionCriteria []model.SurveyCriterion `mapstructure:"inclusion_criteria"`
}

type HearingResponseConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	NFreqs   int  `mapstructure:"n_freqs"`
	NAdd     int  `mapstructure:"n_add"`
	NOptions int  `mapstructure:"n_options"`
}

// MTurkConfig はボーナス支払い管理の設定です。
// HITの掲出・失効はこのシステムの外側の責務です。
type MTurkConfig struct {
	Enabled                  bool    `mapstructure:"enabled"`
	Region                   string  `mapstructure:"region"`
	AuthType                 string  `mapstructure:"auth_type"` // "static_credentials" or "iam_role"
	AccessKeyID              string  `mapstructure:"access_key_id"`
	SecretAccessKey          string  `mapstructure:"secret_access_key"`
	Sandbox                  bool    `mapstructure:"sandbox"`
	FirstHITBonus            float64 `mapstructure:"first_hit_bonus"`
	MaxConsistencyBonus      float64 `mapstructure:"max_consistency_bonus"`
	MinConsistencyForBonus   float64 `mapstructure:"min_consistency_for_bonus"`
	FirstHITBonusReason      string  `mapstructure:"first_hit_bonus_reason"`
	ConsistencyBonusReason   string  `mapstructure:"consistency_bonus_reason"`
}

type SeedConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	TemplateFile string `mapstructure:"template_file"`
}

type Config struct {
	Server          ServerConfig          `mapstructure:"server"`
	Database        DatabaseConfig        `mapstructure:"database"`
	Log             LogConfig             `mapstructure:"log"`
	CORS            CORSConfig            `mapstructure:"cors"`
	Session         SessionConfig         `mapstructure:"session"`
	Experiment      ExperimentConfig      `mapstructure:"experiment"`
	Consent         ConsentConfig         `mapstructure:"consent"`
	HearingTest     HearingTestConfig     `mapstructure:"hearing_test"`
	Survey          SurveyConfig          `mapstructure:"survey"`
	HearingResponse HearingResponseConfig `mapstructure:"hearing_response"`
	MTurk           MTurkConfig           `mapstructure:"mturk"`
	Seed            SeedConfig            `mapstructure:"seed"`
}

// LoadConfig は設定ファイルと環境変数から設定を読み込みます
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()
	// 秘密鍵類は環境変数での上書きを想定
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("session.secret_key", "SESSION_SECRET_KEY")
	viper.BindEnv("experiment.stimulus_secret_key", "STIMULUS_SECRET_KEY")
	viper.BindEnv("mturk.access_key_id", "AWS_ACCESS_KEY_ID")
	viper.BindEnv("mturk.secret_access_key", "AWS_SECRET_ACCESS_KEY")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("Warning: Config file not found. Using default settings or environment variables if available.")
		} else {
			log.Printf("Error reading config file: %s\n", err)
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Printf("Error unmarshalling config: %s\n", err)
		return nil, err
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	log.Println("Config loaded successfully")
	log.Printf("Server Port: %s", cfg.Server.Port)
	log.Printf("Test Type: %s", cfg.Experiment.TestType)
	log.Printf("Trials Per Condition: %d", cfg.Experiment.TrialsPerCondition)

	return &cfg, nil
}

// applyDefaults は未設定項目にデフォルト値を適用します
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		log.Println("Server port not set, using default ':8080'")
		cfg.Server.Port = DefaultServerPort
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Session.TTLHours <= 0 {
		cfg.Session.TTLHours = DefaultSessionTTLHours
	}
	if cfg.Experiment.TestType == "" {
		cfg.Experiment.TestType = TestTypeMUSHRA
	}
	if cfg.Experiment.ConditionsPerEvaluation <= 0 {
		cfg.Experiment.ConditionsPerEvaluation = DefaultConditionsPerEvaluation
	}
	if cfg.Experiment.TrialsPerCondition <= 0 {
		cfg.Experiment.TrialsPerCondition = DefaultTrialsPerCondition
	}
	if cfg.Experiment.GroupPickPolicy == "" {
		cfg.Experiment.GroupPickPolicy = GroupPickMostRemaining
	}
	if cfg.Experiment.AudioCodec == "" {
		cfg.Experiment.AudioCodec = "wav"
	}
	if cfg.Experiment.AudioFileDirectory == "" {
		cfg.Experiment.AudioFileDirectory = "static/audio"
	}
	if cfg.HearingTest.ExpirationHours <= 0 {
		cfg.HearingTest.ExpirationHours = DefaultHearingTestExpirationHours
	}
	if cfg.HearingTest.MaxAttempts <= 0 {
		cfg.HearingTest.MaxAttempts = DefaultMaxHearingTestAttempts
	}
	if cfg.HearingResponse.NFreqs <= 0 {
		cfg.HearingResponse.NFreqs = DefaultHearingResponseNFreqs
	}
	if cfg.HearingResponse.NAdd <= 0 {
		cfg.HearingResponse.NAdd = DefaultHearingResponseNAdd
	}
	if cfg.HearingResponse.NOptions <= 0 {
		cfg.HearingResponse.NOptions = DefaultHearingResponseNOptions
	}
	if cfg.MTurk.Region == "" {
		cfg.MTurk.Region = "us-east-1"
	}
}

// validate は起動を止めるべき設定ミスを検出します
func validate(cfg *Config) error {
	switch cfg.Experiment.TestType {
	case TestTypeMUSHRA, TestTypePairwise:
	default:
		return fmt.Errorf("experiment.test_type must be %q or %q, got %q",
			TestTypeMUSHRA, TestTypePairwise, cfg.Experiment.TestType)
	}
	switch cfg.Experiment.GroupPickPolicy {
	case GroupPickMostRemaining, GroupPickRandom:
	default:
		return fmt.Errorf("experiment.group_pick_policy must be %q or %q, got %q",
			GroupPickMostRemaining, GroupPickRandom, cfg.Experiment.GroupPickPolicy)
	}
	if cfg.Session.SecretKey == "" {
		return fmt.Errorf("session.secret_key is required (set SESSION_SECRET_KEY)")
	}
	if cfg.Experiment.EncryptAudioStimuliURLs && len(cfg.Experiment.StimulusSecretKey) < 32 {
		return fmt.Errorf("experiment.stimulus_secret_key must be at least 32 bytes when URL encryption is enabled")
	}
	for _, c := range cfg.Survey.InclusionCriteria {
		// ダミー値で1回評価して演算子・値の設定ミスを起動時に検出する
		if _, err := c.Evaluate(map[string]any{c.Field: "0"}); err != nil {
			return fmt.Errorf("invalid inclusion criterion: %w", err)
		}
	}
	return nil
}
