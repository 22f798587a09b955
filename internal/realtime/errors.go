package realtime

import "errors"

// Coordinator error taxonomy. Validation errors travel back only to the
// originating connection as exam_error/monitoring_error; they are never
// broadcast to rooms.
var (
	ErrUnauthorized      = errors.New("principal is acting outside its own session scope")
	ErrInvalidTransition = errors.New("invalid session state transition")
	ErrSessionNotFound   = errors.New("session not found")
	ErrExamNotFound      = errors.New("exam not found")
	ErrProgressRollback  = errors.New("answered question count cannot decrease")
	ErrNotStarted        = errors.New("session has not been started")
)
