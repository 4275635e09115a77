// internal/service/hearing_service.go
package service

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"gorm.io/gorm"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/middleware"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/repository"
	"go_5_listening_test/internal/stimtoken"
)

// hearingAudioPayload は聴覚テスト出題トークンの中身です。
// 正解 (トーン数) はインデックスから導出できるため、クライアントには
// 封印済みトークンとしてのみ渡します。
type hearingAudioPayload struct {
	Index int `json:"idx"`
}

// HearingChallenge は1回分の聴覚テスト出題です。
type HearingChallenge struct {
	// Tokens は出題番号 ("1", "2") → 封印済み音源トークン。
	// セッションに保存し、回答の採点と音源配信の両方に使います。
	Tokens map[string]string
}

// HearingGrade は採点結果です。
type HearingGrade struct {
	Passed            bool
	AttemptsRemaining int
}

// HearingService は聴覚スクリーニングテストの出題・採点・音源解決を行います
type HearingService interface {
	IssueChallenge(ctx context.Context) (*HearingChallenge, error)
	// Grade は回答を採点し、試行回数を記録します。
	Grade(ctx context.Context, participantID uint, tokens map[string]string, req *model.HearingTestAnswerRequest) (*HearingGrade, error)
	// ResolveAudioFile はトークンを音源ファイル名に解決します。
	// "0" はキャリブレーション用1000Hzトーンを指す固定値です。
	ResolveAudioFile(token string) (string, error)
}

type hearingService struct {
	db              *gorm.DB
	participantRepo repository.ParticipantRepository
	sealer          *stimtoken.Sealer
	cfg             *config.Config
}

func NewHearingService(db *gorm.DB, participantRepo repository.ParticipantRepository, sealer *stimtoken.Sealer, cfg *config.Config) HearingService {
	return &hearingService{
		db:              db,
		participantRepo: participantRepo,
		sealer:          sealer,
		cfg:             cfg,
	}
}

func (s *hearingService) IssueChallenge(ctx context.Context) (*HearingChallenge, error) {
	span := config.MaxHearingTestAudioIndex - config.MinHearingTestAudioIndex + 1

	// 並行リクエストから呼ばれるため、乱数はパッケージの共有ソースを使う
	first := config.MinHearingTestAudioIndex + rand.Intn(span)
	second := first
	// 同じ音源を2問出さない
	for second == first {
		second = config.MinHearingTestAudioIndex + rand.Intn(span)
	}

	tokens := make(map[string]string, 2)
	for key, idx := range map[string]int{"1": first, "2": second} {
		token, err := s.sealer.Seal(hearingAudioPayload{Index: idx})
		if err != nil {
			return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "聴覚テストの出題に失敗しました。", "", err)
		}
		tokens[key] = token
	}

	return &HearingChallenge{Tokens: tokens}, nil
}

func (s *hearingService) Grade(ctx context.Context, participantID uint, tokens map[string]string, req *model.HearingTestAnswerRequest) (*HearingGrade, error) {
	logger := middleware.GetLogger(ctx)

	if req.AudioFile1Tones == nil || req.AudioFile2Tones == nil {
		return nil, model.NewAppError("INVALID_INPUT", "両方の音源について回答してください。", "", model.ErrInvalidInput)
	}

	participant, err := s.participantRepo.FindByID(ctx, s.db, participantID)
	if err != nil {
		return nil, err
	}
	if participant.HearingTestAttempts >= s.cfg.HearingTest.MaxAttempts && !participant.PassedHearingTest {
		return nil, model.NewAppError("HEARING_TEST_EXHAUSTED", "聴覚テストの受験回数の上限に達しています。", "", model.ErrHearingTestExhausted)
	}

	correct1, err := s.correctTones(tokens["1"])
	if err != nil {
		return nil, err
	}
	correct2, err := s.correctTones(tokens["2"])
	if err != nil {
		return nil, err
	}

	passed := *req.AudioFile1Tones == correct1 && *req.AudioFile2Tones == correct2

	participant.RecordHearingTestAttempt(passed, time.Now())
	if err := s.participantRepo.Update(ctx, s.db, participant); err != nil {
		return nil, model.NewAppError("INTERNAL_SERVER_ERROR", "聴覚テスト結果の保存に失敗しました。", "", err)
	}

	remaining := s.cfg.HearingTest.MaxAttempts - participant.HearingTestAttempts
	if remaining < 0 {
		remaining = 0
	}

	logger.Info("Hearing test graded",
		"participant_id", participantID,
		"passed", passed,
		"attempts", participant.HearingTestAttempts,
	)

	return &HearingGrade{Passed: passed, AttemptsRemaining: remaining}, nil
}

// correctTones はトークンを開封し、正解のトーン数を返します
func (s *hearingService) correctTones(token string) (int, error) {
	if token == "" {
		return 0, model.NewAppError("SESSION_INVALID", "聴覚テストの出題情報が見つかりません。", "", model.ErrSessionInvalid)
	}
	var payload hearingAudioPayload
	if err := s.sealer.Open(token, &payload); err != nil {
		return 0, model.NewAppError("TOKEN_DECODE_FAILED", "聴覚テストの出題トークンが不正です。", "", err)
	}
	return payload.Index / config.HearingTestAudioFilesPerTones, nil
}

func (s *hearingService) ResolveAudioFile(token string) (string, error) {
	if token == "0" {
		return "calibration.wav", nil
	}

	var payload hearingAudioPayload
	if err := s.sealer.Open(token, &payload); err != nil {
		return "", model.NewAppError("TOKEN_DECODE_FAILED", "音源トークンが不正です。", "", err)
	}
	if payload.Index < config.MinHearingTestAudioIndex || payload.Index > config.MaxHearingTestAudioIndex {
		return "", model.NewAppError("TOKEN_DECODE_FAILED", "音源トークンが不正です。", "", model.ErrTokenDecode)
	}

	tones := payload.Index / config.HearingTestAudioFilesPerTones
	variant := payload.Index % config.HearingTestAudioFilesPerTones
	return fmt.Sprintf("tones%d_%d.wav", tones, variant), nil
}
