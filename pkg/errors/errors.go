package errors

import stderrors "errors"

func (d Definition) Error() string {
	return d.Message
}

// Definition 表示业务错误码及默认信息。
type Definition struct {
	Code    string
	Message string
}

// 通用错误。
var (
	InvalidRequest  = Definition{Code: "INVALID_REQUEST", Message: "Invalid request"}
	Unauthorized    = Definition{Code: "UNAUTHORIZED", Message: "Unauthorized"}
	TooManyRequests = Definition{Code: "TOO_MANY_REQUESTS", Message: "Too many requests"}
	InternalError   = Definition{Code: "INTERNAL_ERROR", Message: "Internal server error"}
)

// Webhook 相关错误。
var (
	VerifyTokenMismatch = Definition{Code: "VERIFY_TOKEN_MISMATCH", Message: "Verify token mismatch"}
)

// 预约模块错误。
var (
	AppointmentNotFound      = Definition{Code: "APPOINTMENT_NOT_FOUND", Message: "Appointment not found"}
	AppointmentStatusInvalid = Definition{Code: "APPOINTMENT_STATUS_INVALID", Message: "Appointment status invalid"}
)

// Lookup 提供错误码查询能力。
var Lookup = map[string]Definition{
	InvalidRequest.Code:           InvalidRequest,
	Unauthorized.Code:             Unauthorized,
	TooManyRequests.Code:          TooManyRequests,
	InternalError.Code:            InternalError,
	VerifyTokenMismatch.Code:      VerifyTokenMismatch,
	AppointmentNotFound.Code:      AppointmentNotFound,
	AppointmentStatusInvalid.Code: AppointmentStatusInvalid,
}

// Get 根据错误码返回 Definition，若不存在则返回空 Definition。
func Get(code string) Definition {
	if def, ok := Lookup[code]; ok {
		return def
	}
	return Definition{Code: code, Message: "Unexpected error"}
}

// 内部哨兵错误，用 errors.Is 判断
var (
	ErrLeadNotFound        = stderrors.New("lead not found")
	ErrLeadOptedOut        = stderrors.New("lead opted out")
	ErrFollowUpNotFound    = stderrors.New("follow-up not found")
	ErrAppointmentNotFound = stderrors.New("appointment not found")
	ErrChannelUnavailable  = stderrors.New("outbound channel unavailable")
	ErrInvalidSignature    = stderrors.New("invalid cron signature")
	ErrInvalidToken        = stderrors.New("invalid token")
	ErrMissingSecret       = stderrors.New("signing secret is empty")
	ErrBookingFailed       = stderrors.New("booking failed")
	ErrGeneratorUninitial  = stderrors.New("snowflake generator is not initialized")
)

// SkipMessageError 表示消息无需处理（重复投递等），消费者应直接 ack
type SkipMessageError struct {
	Reason string
}

func (e *SkipMessageError) Error() string {
	return "skip message: " + e.Reason
}
