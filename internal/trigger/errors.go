package trigger

import "fmt"

// PermissionError reports a trigger action that would violate a permission
// boundary — for example, writing into the reserved underscore-prefixed
// predicate namespace the query compiler uses for its own synthetic output
// relations (_trigger_result, _job_result, _query_result). Fatal to that
// one action; the evaluation loop logs it and continues with the next
// tuple.
type PermissionError struct {
	Trigger string
	Reason  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("trigger %s: permission denied: %s", e.Trigger, e.Reason)
}
