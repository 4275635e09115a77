// internal/model/error.go
package model

import "errors"

// アプリケーション固有のエラー
var (
	ErrNotFound       = errors.New("resource not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrInternalServer = errors.New("internal server error")
	ErrForbidden      = errors.New("forbidden")
	ErrConflict       = errors.New("resource conflict") // 重複エラー用

	// 実験フロー固有のエラー
	ErrNoWork               = errors.New("no work available")              // 割り当て可能なConditionなし (エラーというより制御フロー)
	ErrIneligible           = errors.New("participant ineligible")        // 包含基準・聴覚テストの不合格
	ErrTokenDecode          = errors.New("stimulus token decode failed")  // 難読化トークンの復号失敗 (fail closed)
	ErrSubmissionIntegrity  = errors.New("submission integrity violated") // participant不一致・不正なペイロード
	ErrSessionInvalid       = errors.New("session invalid or expired")
	ErrHearingTestExhausted = errors.New("hearing test attempts exhausted")
)

// AppError はエラーコードと詳細を保持するアプリケーション共通のエラー型です。
// webutil.HandleError がこの型を解釈してレスポンスを組み立てます。
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
	Err     error  `json:"-"` // ラップされた根本原因 (sentinelエラー)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NewAppError(code, message, field string, err error) *AppError {
	return &AppError{Code: code, Message: message, Field: field, Err: err}
}

// ErrorDetail はAPIエラーレスポンスに含めるエラー詳細です
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

// APIErrorResponse はAPIエラーレスポンスの構造体
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}
