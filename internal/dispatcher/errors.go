package dispatcher

import (
	"fmt"
	"strings"
)

// ConfigError lists every required setting that is absent
type ConfigError struct {
	Missing []string
}

func (e *ConfigError) Error() string {
	return "missing required configuration: " + strings.Join(e.Missing, ", ")
}

// DispatchError is returned when a job was persisted but its notification
// could not be published. The job stays queued and is picked up by the sweeper.
type DispatchError struct {
	JobID string
	Err   error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("job %s persisted but not dispatched: %v", e.JobID, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
