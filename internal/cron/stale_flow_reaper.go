package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/internal/orchestrator"
	"github.com/angelmondragon/coaching-payflow/internal/payments"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
	"github.com/facebookgo/clock"
	"go.uber.org/multierr"
)

const (
	defaultProcessingGrace = 2 * time.Minute
	defaultAbandonedTTL    = 2 * time.Hour
	defaultTerminalTTL     = 15 * time.Minute
)

type flowReaper interface {
	List() []flowstore.Flow
	UpdateFlow(ctx context.Context, flowID string, update orchestrator.FlowUpdate) (flowstore.Flow, error)
	HandleCleanup(ctx context.Context, flowID string, opts orchestrator.CleanupOptions) error
}

// StaleFlowReaperParams wires the reaper job.
type StaleFlowReaperParams struct {
	Logger          *logger.Logger
	Flows           flowReaper
	Clock           clock.Clock
	ProcessingGrace time.Duration
	AbandonedTTL    time.Duration
	TerminalTTL     time.Duration
}

// NewStaleFlowReaperJob builds the job that times out stuck confirmations and evicts idle flows.
func NewStaleFlowReaperJob(params StaleFlowReaperParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Flows == nil {
		return nil, fmt.Errorf("flow orchestrator required")
	}
	if params.Clock == nil {
		params.Clock = clock.New()
	}
	if params.ProcessingGrace <= 0 {
		params.ProcessingGrace = defaultProcessingGrace
	}
	if params.AbandonedTTL <= 0 {
		params.AbandonedTTL = defaultAbandonedTTL
	}
	if params.TerminalTTL <= 0 {
		params.TerminalTTL = defaultTerminalTTL
	}
	return &staleFlowReaperJob{
		logg:            params.Logger,
		flows:           params.Flows,
		clock:           params.Clock,
		processingGrace: params.ProcessingGrace,
		abandonedTTL:    params.AbandonedTTL,
		terminalTTL:     params.TerminalTTL,
	}, nil
}

type staleFlowReaperJob struct {
	logg            *logger.Logger
	flows           flowReaper
	clock           clock.Clock
	processingGrace time.Duration
	abandonedTTL    time.Duration
	terminalTTL     time.Duration
}

func (j *staleFlowReaperJob) Name() string { return "stale_flow_reaper" }

func (j *staleFlowReaperJob) Run(ctx context.Context) error {
	now := j.clock.Now()
	var (
		timedOut int
		evicted  int
		errs     error
	)
	for _, flow := range j.flows.List() {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		idle := now.Sub(flow.UpdatedAt)
		switch {
		case flow.Status.IsTerminal() && idle >= j.terminalTTL:
			errs = multierr.Append(errs, j.evict(ctx, flow, "expired"))
			evicted++
		case !flow.Status.IsTerminal() && idle >= j.abandonedTTL:
			errs = multierr.Append(errs, j.evict(ctx, flow, "abandoned"))
			evicted++
		case flow.Status == enums.FlowStatusProcessing && idle >= j.processingGrace:
			ok, err := j.timeout(ctx, flow)
			errs = multierr.Append(errs, err)
			if ok {
				timedOut++
			}
		}
	}

	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"timed_out": timedOut,
		"evicted":   evicted,
	}), "stale flow sweep complete")
	if errs != nil {
		return fmt.Errorf("stale flow reaper: %w", errs)
	}
	return nil
}

func (j *staleFlowReaperJob) timeout(ctx context.Context, flow flowstore.Flow) (bool, error) {
	status := enums.FlowStatusTimeout
	_, err := j.flows.UpdateFlow(ctx, flow.ID, orchestrator.FlowUpdate{Patch: flowstore.Patch{
		Status: &status,
		Metadata: &flowstore.MetadataPatch{
			Error: &flowstore.FlowError{
				Message:     "payment confirmation did not settle",
				Code:        payments.CodeConfirmationTimeout,
				Recoverable: true,
			},
		},
	}})
	switch {
	case err == nil:
		j.logg.Warn(j.logg.WithFlowID(ctx, flow.ID), "stuck confirmation timed out")
		return true, nil
	case pkgerrors.IsCode(err, pkgerrors.CodeStateConflict), pkgerrors.IsCode(err, pkgerrors.CodeNotFound):
		// settled or removed since List
		return false, nil
	default:
		return false, err
	}
}

func (j *staleFlowReaperJob) evict(ctx context.Context, flow flowstore.Flow, reason string) error {
	err := j.flows.HandleCleanup(ctx, flow.ID, orchestrator.CleanupOptions{Force: true, Reason: reason})
	if err != nil {
		return err
	}
	j.logg.Info(j.logg.WithFields(j.logg.WithFlowID(ctx, flow.ID), map[string]any{
		"reason": reason,
		"status": flow.Status.String(),
	}), "idle flow evicted")
	return nil
}
