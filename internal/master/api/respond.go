package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	rferrors "rfgrid/pkg/errors"
	"rfgrid/pkg/protocol"
)

// 请求体上限，节点上报的结果和日志也走这个限制
const maxBodyBytes = 4 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor 按错误分类映射 HTTP 状态码
func statusFor(c *rferrors.ClassifiedError) int {
	switch c.Category {
	case rferrors.CategoryValidation:
		return http.StatusBadRequest
	case rferrors.CategoryNotFound:
		return http.StatusNotFound
	case rferrors.CategoryConflict:
		return http.StatusConflict
	case rferrors.CategoryTransient, rferrors.CategoryDispatch:
		return http.StatusServiceUnavailable
	case rferrors.CategoryTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	c := rferrors.Classify(err)
	status := statusFor(c)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, status, protocol.ErrorResponse{Code: c.Code, Message: err.Error()})
}

func badRequest(w http.ResponseWriter, format string, args ...any) {
	writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Code: "BadRequest", Message: fmt.Sprintf(format, args...)})
}

// decode 严格解码，未知字段视为调用方错误
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
