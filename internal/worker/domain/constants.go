package domain

// Error names written to failed jobs
const (
	ErrorNameAgent         = "AgentError"
	ErrorNameTimeout       = "TimeoutError"
	ErrorNameUnknownAgent  = "AgentNotFound"
	ErrorNameMaxAttempts   = "MaxAttemptsExceeded"
	ErrorNameInvalidResult = "InvalidResult"
)
