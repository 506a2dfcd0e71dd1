package worker

import (
	"encoding/json"
)

// verdict is the decision for a failed dispatch attempt.
type verdict int

const (
	// verdictRetry requeues the job with retry_count+1.
	verdictRetry verdict = iota
	// verdictFail moves the job to terminal failed state.
	verdictFail
)

// decide applies the shared retry bound: the attempt about to be recorded is
// retryCount+1, and a job may only be requeued while that stays under
// maxRetries. The same bound appears in the store's reclaim and exhaustion
// SQL so the dispatcher and the reaper never disagree.
func decide(retryCount, maxRetries int) verdict {
	if retryCount+1 < maxRetries {
		return verdictRetry
	}
	return verdictFail
}

// failureResult builds the structured result stored on a terminal failure.
type failurePayload struct {
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

func failureResult(reason string, attempts int) json.RawMessage {
	b, _ := json.Marshal(failurePayload{Error: reason, Attempts: attempts}) //nolint:errcheck
	return b
}
