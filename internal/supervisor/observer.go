package supervisor

import "time"

// Observer receives lifecycle callbacks from a supervisor. Implementations
// must not block.
type Observer interface {
	JobAttempt(job string, attempt int)
	JobRestart(job string, attempt int, delay time.Duration, err error)
	JobFinished(job string, outcome Outcome, attempts int)
	JobState(job string, state State)
}

// Observers fans callbacks out to several observers.
type Observers []Observer

func (o Observers) JobAttempt(job string, attempt int) {
	for _, obs := range o {
		obs.JobAttempt(job, attempt)
	}
}

func (o Observers) JobRestart(job string, attempt int, delay time.Duration, err error) {
	for _, obs := range o {
		obs.JobRestart(job, attempt, delay, err)
	}
}

func (o Observers) JobFinished(job string, outcome Outcome, attempts int) {
	for _, obs := range o {
		obs.JobFinished(job, outcome, attempts)
	}
}

func (o Observers) JobState(job string, state State) {
	for _, obs := range o {
		obs.JobState(job, state)
	}
}

type nopObserver struct{}

func (nopObserver) JobAttempt(string, int) {}
func (nopObserver) JobRestart(string, int, time.Duration, error) {}
func (nopObserver) JobFinished(string, Outcome, int) {}
func (nopObserver) JobState(string, State) {}
