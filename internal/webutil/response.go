// internal/webutil/response.go
package webutil

import (
	"encoding/json"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"go_5_listening_test/internal/model"
)

// HandleError はエラーを解釈し、適切なJSONエラーレスポンスを返します。
// これがアプリケーションのエラーハンドリングの中心となります。
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}

	// エラーの根本原因に基づいてHTTPステータスコードを決定
	statusCode := MapErrorToStatusCode(err)

	var errResp model.APIErrorResponse
	var appErr *model.AppError

	if errors.As(err, &appErr) {
		errResp = model.APIErrorResponse{
			Error: model.ErrorDetail{
				Code:    appErr.Code,
				Message: appErr.Message,
				Field:   appErr.Field,
			},
		}
	} else {
		// AppError ではない、予期せぬエラーの場合
		logger.Error("Unhandled error", slog.Any("error", err))
		errResp = model.APIErrorResponse{
			Error: model.ErrorDetail{
				Code:    "INTERNAL_SERVER_ERROR",
				Message: "サーバー内部でエラーが発生しました。",
			},
		}
	}

	RespondWithJSON(w, statusCode, errResp)
}

// MapErrorToStatusCode はアプリケーションエラーをHTTPステータスコードにマッピングします
func MapErrorToStatusCode(err error) int {
	var appErr *model.AppError
	// AppErrorの場合は、ラップされたエラーで判定する
	if errors.As(err, &appErr) {
		err = appErr.Unwrap()
	}

	switch {
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidInput) || errors.Is(err, model.ErrSubmissionIntegrity):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrSessionInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrForbidden) ||
		errors.Is(err, model.ErrTokenDecode) ||
		errors.Is(err, model.ErrIneligible) ||
		errors.Is(err, model.ErrHearingTestExhausted):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNoWork):
		// 「今は仕事がない」は異常系ではない
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// RespondWithJSON はJSONレスポンスを返します
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error marshaling JSON response: %v", err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"code":"INTERNAL_SERVER_ERROR", "message":"レスポンス生成中にエラーが発生しました。"}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// NewValidationError はvalidatorのエラーをAppErrorに変換します。
// 翻訳済みメッセージをフィールドごとに連結して返します。
func NewValidationError(err error) *model.AppError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return model.NewAppError("VALIDATION_ERROR", "入力値が不正です。", "", model.ErrInvalidInput)
	}

	var fields []string
	var messages []string
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
		messages = append(messages, fe.Translate(Trans))
	}

	return model.NewAppError(
		"VALIDATION_ERROR",
		strings.Join(messages, "; "),
		strings.Join(fields, ","),
		model.ErrInvalidInput,
	)
}
