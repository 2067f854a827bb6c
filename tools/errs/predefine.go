package errs

const (
	ServerInternalError = 500

	ArgsError       = 1001
	NoPermission    = 1002
	RecordNotFound  = 1004
	DuplicateKey    = 1005
	TokenInvalid    = 1501
	TokenExpired    = 1502
	TooManyRequests = 1600
	Unauthenticated = 1601
)

var (
	ErrInternalServer  = NewCodeError(ServerInternalError, "Internal server error")
	ErrArgs            = NewCodeError(ArgsError, "ArgsError")
	ErrNoPermission    = NewCodeError(NoPermission, "NoPermissionError")
	ErrRecordNotFound  = NewCodeError(RecordNotFound, "RecordNotFoundError")
	ErrDuplicateKey    = NewCodeError(DuplicateKey, "DuplicateKeyError")
	ErrTokenInvalid    = NewCodeError(TokenInvalid, "TokenInvalidError")
	ErrTokenExpired    = NewCodeError(TokenExpired, "TokenExpiredError")
	ErrTooManyRequests = NewCodeError(TooManyRequests, "TooManyRequestsError")
	ErrUnauthenticated = NewCodeError(Unauthenticated, "UnauthenticatedError")
)
