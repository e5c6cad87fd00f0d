package runtime

import (
	"fmt"

	"github.com/pithecene-io/namazing/types"
)

// ExitCodeSuccess is the only exit code treated as a clean worker exit.
const ExitCodeSuccess = 0

// msgNoCompletion is recorded when a worker exits cleanly but never sent
// its completion signal.
const msgNoCompletion = "worker exited without completion signal"

// ExitOutcome is the effect of a worker exit on a run.
type ExitOutcome struct {
	// Status is the run status after the exit.
	Status types.RunStatus
	// Message is the failure message. Empty when Status is completed.
	Message string
	// Conflict is set when a completed run's worker exited non-zero.
	Conflict bool
}

// DetermineOutcome maps an exit code onto a run outcome.
//
//   - completed, any code: stays completed (non-zero is a conflict)
//   - not completed, code != 0: failed, "worker exited with code N"
//   - not completed, code == 0: failed, no completion signal
func DetermineOutcome(exitCode int, completed bool) ExitOutcome {
	if completed {
		return ExitOutcome{
			Status:   types.StatusCompleted,
			Conflict: exitCode != ExitCodeSuccess,
		}
	}
	if exitCode != ExitCodeSuccess {
		return ExitOutcome{
			Status:  types.StatusFailed,
			Message: fmt.Sprintf("worker exited with code %d", exitCode),
		}
	}
	return ExitOutcome{Status: types.StatusFailed, Message: msgNoCompletion}
}
