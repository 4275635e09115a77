// internal/handlers/audio_handler.go
package handlers

import (
	"log/slog"
	"net/http"
	"path/filepath"

	"go_5_listening_test/internal/config"
	"go_5_listening_test/internal/middleware"
	"go_5_listening_test/internal/model"
	"go_5_listening_test/internal/stimtoken"
	"go_5_listening_test/internal/webutil"
)

// AudioHandler は難読化トークン経由の刺激音源配信を担当します。
// トークンの復号に加えて、セッションの参加者・グループとの束縛を検証し、
// 他人のトークンの再生を拒否します。
type AudioHandler struct {
	codec  *stimtoken.Codec
	cfg    *config.Config
	logger *slog.Logger
}

func NewAudioHandler(codec *stimtoken.Codec, cfg *config.Config, logger *slog.Logger) *AudioHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioHandler{codec: codec, cfg: cfg, logger: logger}
}

// ServeStimulus は GET /audio/{token}.{ext} を処理します
func (h *AudioHandler) ServeStimulus(w http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLogger(r.Context()).With(slog.String("handler", "ServeStimulus"))

	sess := middleware.GetSession(r.Context())
	if sess == nil {
		webutil.HandleError(w, logger, model.NewAppError("UNAUTHORIZED", "セッションが見つかりません。", "", model.ErrSessionInvalid))
		return
	}

	token, err := h.codec.StripToken(r.URL.Path)
	if err != nil {
		webutil.HandleError(w, logger, model.NewAppError("TOKEN_DECODE_FAILED", "音源トークンが不正です。", "", err))
		return
	}

	payload, err := h.codec.DecodeToken(token, sess.ParticipantID, sess.ConditionGroupIDs)
	if err != nil {
		logger.Warn("Stimulus token rejected", slog.Any("error", err))
		webutil.HandleError(w, logger, model.NewAppError("TOKEN_DECODE_FAILED", "音源トークンが不正です。", "", err))
		return
	}

	// 実体の配信: 外部ホストが設定されていればリダイレクト、
	// なければローカルディレクトリから配信する (Range対応はServeFile任せ)
	if h.cfg.Experiment.ExternalFileHost != "" {
		http.Redirect(w, r, h.cfg.Experiment.ExternalFileHost+payload.URL, http.StatusFound)
		return
	}
	http.ServeFile(w, r, filepath.Join(h.cfg.Experiment.AudioFileDirectory, filepath.Clean("/"+payload.URL)))
}
