// internal/session/session_test.go
package session

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/model"
)

func newTestManager(secret string) *Manager {
	return NewManager(config.SessionConfig{
		SecretKey: secret,
		TTLHours:  1,
		Secure:    false,
	})
}

func issueAndExtractCookie(t *testing.T, m *Manager, sess *Session) *http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, m.Issue(rec, sess))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}

func TestManager_IssueAndLoad(t *testing.T) {
	m := newTestManager("test-session-secret")

	original := &Session{
		ParticipantID:     42,
		ConditionIDs:      []uint{3, 1, 2},
		ConditionGroupIDs: []uint{7},
		State:             StateEvaluation,
		CrowdData:         map[string]string{"worker_id": "WORKER1", "assignment_id": "ASSIGN1"},
		HearingTokens:     map[string]string{"1": "tok1", "2": "tok2"},
	}

	cookie := issueAndExtractCookie(t, m, original)
	assert.True(t, cookie.HttpOnly)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)

	loaded, err := m.Load(req)
	require.NoError(t, err)
	assert.Equal(t, original.ParticipantID, loaded.ParticipantID)
	assert.Equal(t, original.ConditionIDs, loaded.ConditionIDs)
	assert.Equal(t, original.ConditionGroupIDs, loaded.ConditionGroupIDs)
	assert.Equal(t, original.State, loaded.State)
	assert.Equal(t, original.CrowdData, loaded.CrowdData)
	assert.Equal(t, original.HearingTokens, loaded.HearingTokens)
}

func TestManager_Load(t *testing.T) {
	m := newTestManager("test-session-secret")
	valid := issueAndExtractCookie(t, m, &Session{ParticipantID: 1, State: StatePreEvaluation})

	tests := []struct {
		name    string
		request func() *http.Request
	}{
		{
			name: "異常系: Cookieなし",
			request: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/", nil)
			},
		},
		{
			name: "異常系: 改竄されたトークン",
			request: func() *http.Request {
				req := httptest.NewRequest(http.MethodGet, "/", nil)
				tampered := *valid
				tampered.Value = tampered.Value[:len(tampered.Value)-2] + "xx"
				req.AddCookie(&tampered)
				return req
			},
		},
		{
			name: "異常系: 別の鍵で署名されたトークン",
			request: func() *http.Request {
				other := newTestManager("different-secret")
				cookie := issueAndExtractCookie(t, other, &Session{ParticipantID: 1})
				req := httptest.NewRequest(http.MethodGet, "/", nil)
				req.AddCookie(cookie)
				return req
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess, err := m.Load(tt.request())
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrSessionInvalid))
			assert.Nil(t, sess)
		})
	}
}

// SameSite=NoneはSecureと組でないとブラウザに破棄されるため、
// 非HTTPS設定ではLaxに落ちることを確認します。
func TestManager_Issue_SameSite(t *testing.T) {
	tests := []struct {
		name     string
		secure   bool
		wantSite http.SameSite
	}{
		{name: "正常系: Secure有効ならSameSite=None", secure: true, wantSite: http.SameSiteNoneMode},
		{name: "正常系: Secure無効ならSameSite=Lax", secure: false, wantSite: http.SameSiteLaxMode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(config.SessionConfig{
				SecretKey: "test-session-secret",
				TTLHours:  1,
				Secure:    tt.secure,
			})
			cookie := issueAndExtractCookie(t, m, &Session{ParticipantID: 1, State: StatePreEvaluation})
			assert.Equal(t, tt.secure, cookie.Secure)
			assert.Equal(t, tt.wantSite, cookie.SameSite)
		})
	}
}

func TestManager_Clear(t *testing.T) {
	m := newTestManager("test-session-secret")

	rec := httptest.NewRecorder()
	m.Clear(rec)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
	assert.Empty(t, cookies[0].Value)
}
