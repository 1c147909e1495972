package suite

import (
	"context"
	"fmt"

	"github.com/funnyzak/reqreplay/internal/identity"
	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/internal/replay"
	"github.com/funnyzak/reqreplay/internal/storage"
	"github.com/funnyzak/reqreplay/pkg/artifact"
)

// Observer receives suite level progress on top of artifact progress
type Observer interface {
	replay.Observer
	CaseStarted(c Case)
	IdentityCreated(c Case, id *identity.Identity)
	TeardownFailed(c Case, err error)
	SuiteStopped(totals *Totals)
	SuiteFinished(totals *Totals)
}

// RunRecorder persists the outcome of each artifact replay
type RunRecorder interface {
	RecordRun(*storage.RunRecord) error
}

// Totals aggregates every replayed case
type Totals struct {
	replay.Stats
	Cases   int
	Aborted bool
	Results []*replay.Result
}

// Runner replays cases one after another. Each case gets its own identity
// which is removed again once the case finishes.
type Runner struct {
	Name          string
	Engine        *replay.Engine
	Identity      identity.Provider
	Observer      Observer
	Runs          RunRecorder
	Logger        logger.Logger
	StopOnFailure bool
}

func (r *Runner) log() logger.Logger {
	if r.Logger == nil {
		return logger.Nop()
	}
	return r.Logger
}

// Run replays cases in order. Provisioning or load failures abort the
// suite with an error; step failures are only counted.
func (r *Runner) Run(ctx context.Context, cases []Case) (*Totals, error) {
	totals := &Totals{}
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return totals, err
		}
		result, err := r.runCase(ctx, c)
		if result != nil {
			totals.Stats.Add(result.Stats)
			totals.Cases++
			totals.Results = append(totals.Results, result)
		}
		if err != nil {
			return totals, err
		}

		if r.StopOnFailure && result.Aborted {
			totals.Aborted = true
			if r.Observer != nil {
				r.Observer.SuiteStopped(totals)
			}
			return totals, nil
		}
	}

	if r.Observer != nil {
		r.Observer.SuiteFinished(totals)
	}
	return totals, nil
}

func (r *Runner) runCase(ctx context.Context, c Case) (*replay.Result, error) {
	if r.Observer != nil {
		r.Observer.CaseStarted(c)
	}

	a, err := artifact.Load(c.FilePath)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", c.FilePath, err)
	}

	id, err := r.Identity.Provision(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create anonymous user: %w", err)
	}
	if r.Observer != nil {
		r.Observer.IdentityCreated(c, id)
	}

	result, runErr := r.Engine.Run(ctx, c.Slug, a, replay.Credentials{AccessToken: id.AccessToken, UserID: id.UserID})

	if err := r.Identity.Teardown(context.WithoutCancel(ctx), id); err != nil {
		r.log().Warn("Identity teardown failed", "case", c.Slug, "user_id", id.UserID, "error", err)
		if r.Observer != nil {
			r.Observer.TeardownFailed(c, err)
		}
	}

	if result != nil && r.Runs != nil {
		record := &storage.RunRecord{
			Suite:     r.Name,
			Case:      c.Slug,
			Target:    result.Target,
			StartedAt: result.StartedAt,
			Duration:  result.Duration,
			Total:     result.Stats.Total,
			Passed:    result.Stats.Passed,
			Failed:    result.Stats.Failed,
			Aborted:   result.Aborted,
		}
		if err := r.Runs.RecordRun(record); err != nil {
			r.log().Warn("Failed to record run", "case", c.Slug, "error", err)
		}
	}
	return result, runErr
}
