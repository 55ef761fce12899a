package response

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/cloudwego/hertz/pkg/app"

	"SalesAgent/pkg/errors"
)

// ErrorResponse 统一的错误响应格式
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Details map[string]interface{} `json:"details,omitempty"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
}

// SuccessResponse 统一的成功响应格式
type SuccessResponse struct {
	Data interface{}            `json:"data"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func errorToHTTPStatus(err error) int {
	var def errors.Definition
	if !stderrors.As(err, &def) {
		return http.StatusInternalServerError
	}

	switch def.Code {
	case errors.TooManyRequests.Code:
		return http.StatusTooManyRequests
	case errors.Unauthorized.Code:
		return http.StatusUnauthorized
	case errors.VerifyTokenMismatch.Code:
		return http.StatusForbidden
	case errors.AppointmentNotFound.Code:
		return http.StatusNotFound
	case errors.InvalidRequest.Code, errors.AppointmentStatusInvalid.Code:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func toDetail(err error) (string, string) {
	var def errors.Definition
	if stderrors.As(err, &def) {
		return def.Code, def.Message
	}
	// 内部错误细节只写日志，不返回给调用方
	return errors.InternalError.Code, errors.InternalError.Message
}

// Error 返回错误响应
func Error(ctx context.Context, c *app.RequestContext, err error) {
	code, message := toDetail(err)
	c.JSON(errorToHTTPStatus(err), ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

func ErrorWithDetails(ctx context.Context, c *app.RequestContext, err error, details map[string]interface{}) {
	code, message := toDetail(err)
	c.JSON(errorToHTTPStatus(err), ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func Success(ctx context.Context, c *app.RequestContext, data interface{}) {
	c.JSON(http.StatusOK, SuccessResponse{
		Data: data,
	})
}

func BindError(ctx context.Context, c *app.RequestContext, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    errors.InvalidRequest.Code,
			Message: err.Error(),
		},
	})
}
