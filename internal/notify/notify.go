package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/morf-project/morf/internal/core"
	"github.com/morf-project/morf/internal/shared/logging"
)

// maxListedUnits caps how many failed units a message names.
const maxListedUnits = 20

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Message is a job status update.
type Message struct {
	Identity core.JobIdentity
	Status   core.JobStatus
	Stage    core.Mode
	Failed   []core.UnitOutcome
	Err      error
}

func (m Message) Subject() string {
	return "MORF notification: job " + m.Identity.JobID
}

func (m Message) Body() string {
	var b strings.Builder
	fmt.Fprintf(&b, "MORF job %s (user %s, run %s) status: %s\n",
		m.Identity.JobID, m.Identity.UserID, m.Identity.MorfID, m.Status)
	if m.Stage != "" {
		fmt.Fprintf(&b, "Stage: %s\n", m.Stage)
	}
	if m.Err != nil {
		fmt.Fprintf(&b, "Error: %v\n", m.Err)
	}
	if m.Stage != "" || m.Status == core.JobStatusSuccess || m.Status == core.JobStatusFailed {
		fmt.Fprintf(&b, "Failed units: %d\n", len(m.Failed))
		for i, o := range m.Failed {
			if i == maxListedUnits {
				fmt.Fprintf(&b, "  ... and %d more\n", len(m.Failed)-maxListedUnits)
				break
			}
			fmt.Fprintf(&b, "  %s %s (last state %s): %v\n", o.Mode, o.Unit.Name(), o.LastState, o.Err)
		}
	}
	return b.String()
}

// LogNotifier writes notifications to the job log instead of sending them.
type LogNotifier struct {
	logger logging.Logger
}

func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, msg Message) error {
	n.logger.Info("Job notification", "subject", msg.Subject(), "status", msg.Status, "failed_units", len(msg.Failed))
	return nil
}
