package apperr

type Code string

const (
	CodeUnknown         Code = "UNKNOWN"
	CodeAuth            Code = "AUTH"
	CodeNotFound        Code = "NOT_FOUND"
	CodePermission      Code = "PERMISSION"
	CodeTransientStore  Code = "TRANSIENT_STORE"
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeInternal        Code = "INTERNAL"
)
