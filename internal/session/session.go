// internal/session/session.go
package session

import (
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/model"
)

// セッション状態タグ。Eligibility Gateの多段リダイレクトをまたいで
// クライアント側Cookieに保持されます。
const (
	StatePreEvaluation  = "PRE_EVALUATION"
	StateEvaluation     = "EVALUATION"
	StatePostEvaluation = "POST_EVALUATION"
	StateEnd            = "END"
)

const cookieName = "lt_session"

// Session は参加者1訪問分のセッションデータです。
// クライアントが保持するため、改竄検出可能な形 (署名付きJWT) で
// シリアライズされます。
type Session struct {
	ParticipantID     uint              `json:"participant_id"`
	ConditionIDs      []uint            `json:"condition_ids,omitempty"`
	ConditionGroupIDs []uint            `json:"condition_group_ids,omitempty"`
	State             string            `json:"state"`
	CrowdData         map[string]string `json:"crowd_data,omitempty"`
	// 聴覚テストの正解トークン (封印済み)。キーは出題番号 "1", "2"。
	HearingTokens map[string]string `json:"hearing_tokens,omitempty"`
}

type sessionClaims struct {
	Session Session `json:"sess"`
	jwt.RegisteredClaims
}

// Manager はセッションCookieの発行と検証を行います
type Manager struct {
	secret []byte
	ttl    time.Duration
	secure bool
}

func NewManager(cfg config.SessionConfig) *Manager {
	return &Manager{
		secret: []byte(cfg.SecretKey),
		ttl:    time.Duration(cfg.TTLHours) * time.Hour,
		secure: cfg.Secure,
	}
}

// Issue はセッションを署名してCookieに書き込みます。
// 状態が変わるたびに呼び直します (毎リクエスト読み書きされる想定)。
func (m *Manager) Issue(w http.ResponseWriter, sess *Session) error {
	now := time.Now()
	claims := sessionClaims{
		Session: *sess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", sess.ParticipantID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return fmt.Errorf("session: sign: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    signed,
		Path:     "/",
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: m.sameSite(),
	})
	return nil
}

// sameSite はCookieのSameSite属性を決めます。MTurkのiframe内から
// 送られるようにSameSite=Noneにしますが、ブラウザはSecureなしの
// SameSite=None Cookieを破棄するため、非HTTPS環境ではLaxに落とします。
func (m *Manager) sameSite() http.SameSite {
	if m.secure {
		return http.SameSiteNoneMode
	}
	return http.SameSiteLaxMode
}

// Load はリクエストのCookieからセッションを復元します。
// 署名不正・期限切れ・Cookie欠落はすべて model.ErrSessionInvalid になります。
func (m *Manager) Load(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return nil, fmt.Errorf("%w: no session cookie", model.ErrSessionInvalid)
	}

	token, err := jwt.ParseWithClaims(cookie.Value, &sessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrSessionInvalid, err)
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: invalid claims", model.ErrSessionInvalid)
	}

	sess := claims.Session
	return &sess, nil
}

// Clear はセッションCookieを破棄します (新しい参加者の訪問開始時)
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: m.sameSite(),
	})
}
