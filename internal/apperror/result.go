package apperror

// Result is the uniform outcome shape returned by every produced interface.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// OK returns a successful Result.
func OK(message string) Result {
	return Result{Success: true, Message: message, Status: StatusOK}
}

// ResultOf converts err to a Result. A nil err yields OK("ok").
func ResultOf(err error) Result {
	if err == nil {
		return OK("ok")
	}
	ae := From(err)
	msg := ae.Message
	if ae.Kind == KindInternal {
		msg = "internal error"
	}
	return Result{Success: false, Message: msg, Status: ae.Status}
}
