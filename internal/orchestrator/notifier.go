package orchestrator

import (
	"time"

	"github.com/recipebox/recipebox/internal/eventbus"
	"github.com/recipebox/recipebox/internal/supervisor"
)

// JobNotifier publishes job lifecycle changes as job_state notifications so
// that operators watching a push stream see restarts as they happen.
type JobNotifier struct {
	bus *eventbus.Bus
}

// NewJobNotifier returns a supervisor.Observer publishing on bus.
func NewJobNotifier(bus *eventbus.Bus) *JobNotifier {
	return &JobNotifier{bus: bus}
}

func (n *JobNotifier) JobAttempt(string, int) {}

func (n *JobNotifier) JobRestart(job string, attempt int, _ time.Duration, _ error) {
	n.bus.Publish(eventbus.NewNotification(eventbus.KindJobState, eventbus.JobState{
		Job:     job,
		State:   supervisor.StateRestarting.String(),
		Attempt: attempt,
	}))
}

func (n *JobNotifier) JobFinished(job string, outcome supervisor.Outcome, attempts int) {
	n.bus.Publish(eventbus.NewNotification(eventbus.KindJobState, eventbus.JobState{
		Job:     job,
		State:   supervisor.StateStopped.String(),
		Outcome: outcome.String(),
		Attempt: attempts,
	}))
}

func (n *JobNotifier) JobState(job string, state supervisor.State) {
	// restarts and terminal states carry more detail in their own callbacks
	if state != supervisor.StatePaused && state != supervisor.StateRunning {
		return
	}
	n.bus.Publish(eventbus.NewNotification(eventbus.KindJobState, eventbus.JobState{
		Job:   job,
		State: state.String(),
	}))
}
