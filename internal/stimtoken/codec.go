// internal/stimtoken/codec.go
package stimtoken

import (
	"fmt"
	"slices"
	"strings"

	"go_5_listening_test/internal/model"
)

// TokenPayload は刺激トークンに埋め込まれる平文データです。
// 参加者IDとグループIDを含めることで、トークンを他の参加者・グループの
// セッションで再生する攻撃を復号時に検出します。
type TokenPayload struct {
	StimulusID    string `json:"s_id"`
	ParticipantID uint   `json:"p_id"`
	GroupID       uint   `json:"g_id"`
	AnonymousID   string `json:"e_id"`
	URL           string `json:"url"`
}

// Codec は刺激の同一性と提示順をクライアントから隠すための
// 可逆な難読化コーデックです。
type Codec struct {
	sealer     *Sealer
	pathPrefix string
	fileExt    string
}

// NewCodec はCodecを生成します。audioCodecは "wav" か "mp3" です。
func NewCodec(secret, audioCodec string) (*Codec, error) {
	sealer, err := NewSealer(secret)
	if err != nil {
		return nil, err
	}
	return &Codec{
		sealer:     sealer,
		pathPrefix: "/audio/",
		fileExt:    "." + audioCodec,
	}, nil
}

// Sealer はこのCodecの封印器を返します (聴覚テストの正解やtrial_idの署名に流用)
func (c *Codec) Sealer() *Sealer {
	return c.sealer
}

// EncodeStimuli は刺激リストを難読化します。
//   - リファレンス刺激はキーをそのまま保ち、ファイルパスだけトークン化します。
//   - 非リファレンス刺激は現在のリスト順で "E1", "E2", ... に付け替えます。
//     提示順のランダム化は呼び出し側の責務です (付け替え順が元の並びを
//     漏らさないよう、先にシャッフルしてから渡すこと)。
//
// 返り値は難読化済みリストと、元キー→匿名キーの対応表です。
func (c *Codec) EncodeStimuli(stimuli []model.KeyFile, participantID, groupID uint) ([]model.KeyFile, map[string]string, error) {
	encoded := make([]model.KeyFile, 0, len(stimuli))
	keyMap := make(map[string]string, len(stimuli))

	// リファレンスを先頭に寄せる (原典と同じ並び)
	ordered := slices.Clone(stimuli)
	slices.SortStableFunc(ordered, func(a, b model.KeyFile) int {
		switch {
		case a.IsReference() && !b.IsReference():
			return -1
		case !a.IsReference() && b.IsReference():
			return 1
		default:
			return 0
		}
	})

	anonSeq := 0
	for _, kf := range ordered {
		anonID := kf.Key
		if !kf.IsReference() {
			anonSeq++
			anonID = fmt.Sprintf("E%d", anonSeq)
		}

		token, err := c.sealer.Seal(TokenPayload{
			StimulusID:    kf.Key,
			ParticipantID: participantID,
			GroupID:       groupID,
			AnonymousID:   anonID,
			URL:           kf.File,
		})
		if err != nil {
			return nil, nil, err
		}

		keyMap[kf.Key] = anonID
		encoded = append(encoded, model.KeyFile{
			Key:  anonID,
			File: c.pathPrefix + token + c.fileExt,
		})
	}

	return encoded, keyMap, nil
}

// DecodeToken はトークン1件を復号し、参加者・グループの束縛を検証します。
// expectedGroupIDs が空でない場合、埋め込まれたグループIDがその中に
// 含まれなければ拒否します。
func (c *Codec) DecodeToken(token string, expectedParticipantID uint, expectedGroupIDs []uint) (*TokenPayload, error) {
	var payload TokenPayload
	if err := c.sealer.Open(token, &payload); err != nil {
		return nil, err
	}

	if payload.ParticipantID != expectedParticipantID {
		return nil, fmt.Errorf("%w: participant mismatch", model.ErrTokenDecode)
	}
	if len(expectedGroupIDs) > 0 && !slices.Contains(expectedGroupIDs, payload.GroupID) {
		return nil, fmt.Errorf("%w: group mismatch", model.ErrTokenDecode)
	}
	return &payload, nil
}

// StripToken は "/audio/<token>.wav" 形式のパスからトークン部分を取り出します
func (c *Codec) StripToken(path string) (string, error) {
	token := path
	if idx := strings.LastIndex(token, "/"); idx >= 0 {
		token = token[idx+1:]
	}
	token, ok := strings.CutSuffix(token, c.fileExt)
	if !ok || token == "" {
		return "", fmt.Errorf("%w: malformed token path %q", model.ErrTokenDecode, path)
	}
	return token, nil
}

// Maps はDecodeMapsの結果です
type Maps struct {
	OrigToAnon map[string]string // 元キー → 匿名キー
	AnonToOrig map[string]string // 匿名キー → 元キー
	OrigToPath map[string]string // 元キー → 実ファイルパス
}

// DecodeMaps は提出ペイロードの匿名キー→トークンパスの集合を復号し、
// 評価データのキー書き換えに必要な3つの対応表を構築します。
// 1件でも復号・検証に失敗した場合は全体を拒否します。
func (c *Codec) DecodeMaps(stimulusFiles map[string]string, expectedParticipantID uint, expectedGroupIDs []uint) (*Maps, error) {
	m := &Maps{
		OrigToAnon: make(map[string]string, len(stimulusFiles)),
		AnonToOrig: make(map[string]string, len(stimulusFiles)),
		OrigToPath: make(map[string]string, len(stimulusFiles)),
	}

	for anonKey, tokenPath := range stimulusFiles {
		token, err := c.StripToken(tokenPath)
		if err != nil {
			return nil, err
		}
		payload, err := c.DecodeToken(token, expectedParticipantID, expectedGroupIDs)
		if err != nil {
			return nil, err
		}
		// ペイロードの匿名IDと提出キーの食い違いも改竄とみなす
		if payload.AnonymousID != anonKey {
			return nil, fmt.Errorf("%w: anonymous id mismatch", model.ErrTokenDecode)
		}
		m.OrigToAnon[payload.StimulusID] = payload.AnonymousID
		m.AnonToOrig[payload.AnonymousID] = payload.StimulusID
		m.OrigToPath[payload.StimulusID] = payload.URL
	}

	return m, nil
}
