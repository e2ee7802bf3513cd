// Package coordinator drives the distributed loop execution pipeline:
// announce work, collect competing bids during a bounded window, select a
// subset of bidders, wait a bounded execution window for their results,
// and aggregate whatever arrived. Every execution is tracked through four
// phase records (intake, bidding, execution, output) persisted in the
// execution state store, so the record survives restarts and is
// observable while the run is in flight.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/loopstacks/control-plane/internal/cluster"
	"github.com/loopstacks/control-plane/internal/store"
	"github.com/loopstacks/control-plane/pkg/models"
)

// Config tunes the coordinator's wait windows. Both are fixed wall-clock
// windows, not bid- or result-driven: a run with zero bids still consumes
// the full bidding window before proceeding.
type Config struct {
	BiddingWindow   time.Duration
	ExecutionWindow time.Duration
}

// DefaultConfig mirrors the windows the agent runtimes expect.
func DefaultConfig() Config {
	return Config{
		BiddingWindow:   5 * time.Second,
		ExecutionWindow: 10 * time.Second,
	}
}

// ExecutionRequest is a client's ask to run a loopstack.
type ExecutionRequest struct {
	Loopstack string         `json:"loopstack"`
	Input     any            `json:"input"`
	Realm     string         `json:"realm,omitempty"`
	Config    map[string]any `json:"config,omitempty"`
	Namespace string         `json:"-"`
}

// Coordinator owns every in-flight distributed execution. It is the sole
// writer of execution records; everything else observes snapshots.
type Coordinator struct {
	store     store.Store
	directory cluster.Directory
	cfg       Config

	wg sync.WaitGroup
}

// New creates a coordinator over the given store and resource directory.
func New(s store.Store, d cluster.Directory, cfg Config) *Coordinator {
	if cfg.BiddingWindow <= 0 {
		cfg.BiddingWindow = DefaultConfig().BiddingWindow
	}
	if cfg.ExecutionWindow <= 0 {
		cfg.ExecutionWindow = DefaultConfig().ExecutionWindow
	}
	return &Coordinator{store: s, directory: d, cfg: cfg}
}

// StartExecution validates the target loopstack, persists the initial
// execution record, and launches the pipeline in the background. It
// returns as soon as the record exists.
func (c *Coordinator) StartExecution(ctx context.Context, req ExecutionRequest) (*models.LoopExecution, error) {
	if req.Loopstack == "" {
		return nil, fmt.Errorf("%w: loopstack is required", models.ErrValidation)
	}

	res, err := c.directory.Get(ctx, models.KindLoopStack, req.Namespace, req.Loopstack)
	if err != nil {
		return nil, err
	}
	spec, err := models.LoopStackSpecFromResource(res)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	realm := req.Realm
	if realm == "" {
		realm = models.DefaultRealm
	}
	exec := &models.LoopExecution{
		ExecutionID: uuid.New().String(),
		Loopstack:   req.Loopstack,
		Input:       req.Input,
		Realm:       realm,
		Config:      req.Config,
		Status:      models.ExecutionPending,
		Phases:      models.NewPhases(),
		StartTime:   models.NowRFC3339(),
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	log.Info().
		Str("execution", exec.ExecutionID).
		Str("loopstack", req.Loopstack).
		Str("realm", realm).
		Msg("loop execution started")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// The pipeline outlives the HTTP request that started it.
		c.run(context.Background(), exec, spec)
	}()

	return exec, nil
}

// Drain waits for every in-flight pipeline to finish. Used on shutdown.
func (c *Coordinator) Drain() {
	c.wg.Wait()
}

// Cancel marks the execution cancelled. Completed and failed runs are
// terminal and reject cancellation with a conflict; a cancelled run stops
// honoring further phase writes but in-flight waits are not interrupted.
func (c *Coordinator) Cancel(ctx context.Context, executionID string) error {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status == models.ExecutionCompleted || exec.Status == models.ExecutionFailed {
		return fmt.Errorf("%w: cannot cancel %s execution", models.ErrConflict, exec.Status)
	}
	return c.update(ctx, executionID, map[string]any{
		"status":  string(models.ExecutionCancelled),
		"endTime": models.NowRFC3339(),
	})
}

// ── Pipeline ─────────────────────────────────────────────────

func (c *Coordinator) run(ctx context.Context, exec *models.LoopExecution, spec models.LoopStackSpec) {
	if err := c.runPhases(ctx, exec, spec); err != nil {
		if errors.Is(err, errHalted) {
			log.Info().Str("execution", exec.ExecutionID).Msg("pipeline halted by terminal status")
			return
		}
		log.Error().Err(err).Str("execution", exec.ExecutionID).Msg("loop execution failed")
		// Unfinished phases keep whatever status they last had. Guarded so
		// a failure observed after cancellation cannot overwrite it.
		if updateErr := c.guardedUpdate(ctx, exec.ExecutionID, map[string]any{
			"status":  string(models.ExecutionFailed),
			"error":   err.Error(),
			"endTime": models.NowRFC3339(),
		}); updateErr != nil && !errors.Is(updateErr, errHalted) {
			log.Error().Err(updateErr).Str("execution", exec.ExecutionID).Msg("failed to persist failure")
		}
		return
	}
	log.Info().Str("execution", exec.ExecutionID).Msg("loop execution completed")
}

func (c *Coordinator) runPhases(ctx context.Context, exec *models.LoopExecution, spec models.LoopStackSpec) error {
	id := exec.ExecutionID

	if err := c.guardedUpdate(ctx, id, map[string]any{
		"status": string(models.ExecutionRunning),
	}); err != nil {
		return err
	}

	// Intake: validate input before any coordination work.
	if err := c.beginPhase(ctx, id, models.PhaseIntake); err != nil {
		return err
	}
	if exec.Input == nil {
		return fmt.Errorf("%w: input is required", models.ErrValidation)
	}
	if err := c.endPhase(ctx, id, models.PhaseIntake, nil); err != nil {
		return err
	}

	// Capability check: a loop nobody can serve fails before bidding
	// ever opens.
	capabilities := spec.AnnouncedCapabilities()
	if err := c.checkCapableAgents(ctx, capabilities); err != nil {
		return err
	}

	// Bidding: announce, wait the collection window, select.
	if err := c.beginPhase(ctx, id, models.PhaseBidding); err != nil {
		return err
	}
	ann := models.LoopAnnouncement{
		LoopID:               id,
		Loopstack:            exec.Loopstack,
		RequiredCapabilities: capabilities,
		Input:                exec.Input,
		Realm:                exec.Realm,
	}
	if err := c.store.AnnounceLoop(ctx, id, ann); err != nil {
		return err
	}
	if err := c.wait(ctx, c.cfg.BiddingWindow); err != nil {
		return err
	}

	bids, err := c.store.GetBids(ctx, id)
	if err != nil {
		return err
	}
	var bidding models.BiddingConfig
	var output models.OutputConfig
	if spec.Phases != nil {
		bidding = spec.Phases.Bidding
		output = spec.Phases.Output
	}
	selected := selectBids(bids, bidding)
	log.Info().
		Str("execution", id).
		Int("bids", len(bids)).
		Int("selected", len(selected)).
		Str("strategy", bidding.Strategy()).
		Msg("bidding window closed")

	ids := make([]string, len(selected))
	for i, bid := range selected {
		ids[i] = bid.AgentID
	}
	if err := c.store.SelectAgents(ctx, id, ids); err != nil {
		return err
	}
	if err := c.endPhase(ctx, id, models.PhaseBidding, map[string]any{
		"phases.bidding.selectedAgents": selected,
	}); err != nil {
		return err
	}

	// Execution: the window is the only deadline at this layer; agents
	// manage their own timeouts.
	if err := c.beginPhase(ctx, id, models.PhaseExecution); err != nil {
		return err
	}
	if err := c.wait(ctx, c.cfg.ExecutionWindow); err != nil {
		return err
	}
	results, err := c.store.GetResults(ctx, id)
	if err != nil {
		return err
	}
	log.Info().Str("execution", id).Int("results", len(results)).Msg("execution window closed")
	if err := c.endPhase(ctx, id, models.PhaseExecution, map[string]any{
		"phases.execution.results": results,
	}); err != nil {
		return err
	}

	// Output: aggregate and finish.
	if err := c.beginPhase(ctx, id, models.PhaseOutput); err != nil {
		return err
	}
	aggregated, err := aggregateOutput(results, output)
	if err != nil {
		return err
	}
	return c.endPhase(ctx, id, models.PhaseOutput, map[string]any{
		"phases.output.result": aggregated,
		"status":               string(models.ExecutionCompleted),
		"endTime":              models.NowRFC3339(),
	})
}

func (c *Coordinator) checkCapableAgents(ctx context.Context, required []string) error {
	agents, err := c.store.ActiveAgents(ctx)
	if err != nil {
		return err
	}
	for _, agent := range agents {
		if hasAll(agent.Capabilities, required) {
			return nil
		}
	}
	return fmt.Errorf("%w: no agents available with required capabilities: %s",
		models.ErrNoCapableAgents, strings.Join(required, ", "))
}

func hasAll(offered, required []string) bool {
	for _, req := range required {
		found := false
		for _, cap := range offered {
			if cap == req {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// wait sleeps for the full window, honoring context cancellation.
func (c *Coordinator) wait(ctx context.Context, window time.Duration) error {
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Phase bookkeeping ────────────────────────────────────────

// errHalted aborts the pipeline without writing a failure when the record
// reached a terminal status behind the pipeline's back (cancellation).
var errHalted = errors.New("execution reached terminal status")

func (c *Coordinator) beginPhase(ctx context.Context, id, phase string) error {
	return c.guardedUpdate(ctx, id, map[string]any{
		"phases." + phase + ".status":    string(models.PhaseInProgress),
		"phases." + phase + ".startTime": models.NowRFC3339(),
	})
}

func (c *Coordinator) endPhase(ctx context.Context, id, phase string, extra map[string]any) error {
	updates := map[string]any{
		"phases." + phase + ".status":  string(models.PhaseCompleted),
		"phases." + phase + ".endTime": models.NowRFC3339(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	return c.guardedUpdate(ctx, id, updates)
}

// guardedUpdate refuses to count writes as progress once the record is
// terminal, so a cancelled run that is still past its windows cannot keep
// mutating state.
func (c *Coordinator) guardedUpdate(ctx context.Context, id string, updates map[string]any) error {
	exec, err := c.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return errHalted
	}
	return c.update(ctx, id, updates)
}

// update persists the partial update and publishes it on the execution's
// event channel for real-time observers.
func (c *Coordinator) update(ctx context.Context, id string, updates map[string]any) error {
	if err := c.store.UpdateExecution(ctx, id, updates); err != nil {
		return err
	}
	event := map[string]any{"executionId": id, "updates": updates}
	if err := c.store.Publish(ctx, store.ExecutionEventsChannel(id), event); err != nil {
		log.Warn().Err(err).Str("execution", id).Msg("failed to publish execution event")
	}
	return nil
}
