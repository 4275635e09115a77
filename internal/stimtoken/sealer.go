// internal/stimtoken/sealer.go
package stimtoken

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"go_5_listening_test/internal/model"
)

// Sealer は任意のデータをJSON化して認証付き暗号で封印します。
// トークンの改竄・流用を検出できるよう、素のAESではなくAEADを使います。
// セッション外に出す値 (刺激トークン、聴覚テストの正解、trial_id) すべてが
// この封印を通ります。
type Sealer struct {
	key [chacha20poly1305.KeySize]byte
}

// NewSealer は秘密鍵文字列からSealerを生成します。
// 鍵文字列はSHA-256で固定長に正規化します。
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, errors.New("stimtoken: secret must not be empty")
	}
	s := &Sealer{key: sha256.Sum256([]byte(secret))}
	return s, nil
}

// Seal はvをJSON化し、ランダムなnonceで暗号化したURLセーフ文字列を返します。
// nonceが毎回異なるため、同じ平文でもトークンは毎回異なります
// (参加者間でトークンを比較しても刺激の対応が取れない性質はここで担保)。
func (s *Sealer) Seal(v any) (string, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("stimtoken: marshal: %w", err)
	}

	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return "", fmt.Errorf("stimtoken: aead init: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("stimtoken: nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open はSealで封印されたトークンを復号してdstに展開します。
// 復号・認証に失敗した場合は model.ErrTokenDecode を返します (fail closed)。
func (s *Sealer) Open(token string, dst any) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return fmt.Errorf("%w: bad encoding", model.ErrTokenDecode)
	}

	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return fmt.Errorf("stimtoken: aead init: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return fmt.Errorf("%w: token too short", model.ErrTokenDecode)
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("%w: authentication failed", model.ErrTokenDecode)
	}

	if err := json.Unmarshal(plaintext, dst); err != nil {
		return fmt.Errorf("%w: bad payload", model.ErrTokenDecode)
	}
	return nil
}
