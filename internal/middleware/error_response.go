package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/cryptotrack/internal/model"
)

// ErrorResponseBody はゲートウェイが返すエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteAPIError はAPIErrorが保持するステータスでエラーレスポンスを書き込む。
// ステータスが不明な場合は500とする。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	status := apiErr.Status
	if status < 400 || status > 599 {
		status = http.StatusInternalServerError
	}
	WriteErrorResponse(w, status, apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
