// Package processor drives reward computation: it walks the event log in
// block batches, maintains per-campaign baseline state at epoch boundaries,
// regenerates every epoch a batch touches and persists the results
// idempotently.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/driftmark/rewards/pkg/db/models"
	"github.com/driftmark/rewards/pkg/db/rewards"
	"github.com/driftmark/rewards/pkg/epoch"
	"github.com/driftmark/rewards/pkg/partition"
	"github.com/driftmark/rewards/pkg/pricing"
	"github.com/driftmark/rewards/pkg/reward"
	"github.com/driftmark/rewards/pkg/snapshot"
	"github.com/driftmark/rewards/pkg/strategy"
)

// Options tunes a Processor. Zero values fall back to defaults.
type Options struct {
	Deployment     string
	BlockBatchSize uint64
	Workers        int
}

const defaultBlockBatchSize = 1000

// Processor owns the processing loop for one deployment. Campaign baselines
// live in memory between passes; a restart rebuilds them from the stores.
type Processor struct {
	logger    *zap.Logger
	events    EventSource
	store     RewardStore
	generator *snapshot.Generator
	weights   reward.WeightTable

	deployment string
	batchSize  uint64
	pool       pond.Pool

	states *xsync.Map[string, *campaignState]
}

// campaignState is a campaign's reconstruction cursor. The baseline reflects
// every event strictly before baselineTime, which is always an epoch boundary
// (or the campaign start); pending holds already-fetched events at or past
// that boundary, waiting for their epoch to complete.
type campaignState struct {
	campaign     *models.Campaign
	engine       *reward.Engine
	baseline     strategy.Map
	baselineTime time.Time
	pending      []models.StrategyEvent
	invalid      bool
}

func New(logger *zap.Logger, events EventSource, store RewardStore, generator *snapshot.Generator, weights reward.WeightTable, opts Options) *Processor {
	batchSize := opts.BlockBatchSize
	if batchSize == 0 {
		batchSize = defaultBlockBatchSize
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}

	return &Processor{
		logger:     logger,
		events:     events,
		store:      store,
		generator:  generator,
		weights:    weights,
		deployment: opts.Deployment,
		batchSize:  batchSize,
		pool:       pond.NewPool(workers),
		states:     xsync.NewMap[string, *campaignState](),
	}
}

// Close drains the worker pool.
func (p *Processor) Close() {
	p.pool.StopAndWait()
}

// Run processes blocks from the stored checkpoint up to endBlock. The
// checkpoint advances after each batch, so a crash repeats at most one batch,
// and epoch persistence makes that repetition harmless.
func (p *Processor) Run(ctx context.Context, endBlock uint64) error {
	checkpoint, err := p.store.GetOrInitCheckpoint(ctx, p.deployment)
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}
	if endBlock <= checkpoint {
		p.logger.Debug("Nothing to process",
			zap.Uint64("checkpoint", checkpoint),
			zap.Uint64("end_block", endBlock))
		return nil
	}

	campaigns, err := p.store.ActiveCampaigns(ctx, p.deployment)
	if err != nil {
		return fmt.Errorf("load campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		return p.store.UpdateCheckpoint(ctx, p.deployment, endBlock)
	}

	if err := p.initStates(ctx, campaigns, checkpoint); err != nil {
		return err
	}

	var lastBatchEnd time.Time
	for from := checkpoint + 1; from <= endBlock; from += p.batchSize {
		to := from + p.batchSize - 1
		if to > endBlock {
			to = endBlock
		}

		batchEnd, err := p.processBatch(ctx, campaigns, from, to)
		if err != nil {
			return err
		}
		lastBatchEnd = batchEnd

		if err := p.store.UpdateCheckpoint(ctx, p.deployment, to); err != nil {
			return fmt.Errorf("update checkpoint to %d: %w", to, err)
		}
	}

	ids := make([]string, 0, len(campaigns))
	for _, c := range campaigns {
		if state, ok := p.states.Load(c.ID); ok && state.invalid {
			continue
		}
		ids = append(ids, c.ID)
	}
	if err := p.store.MarkCampaignsInactive(ctx, p.deployment, ids, lastBatchEnd); err != nil {
		return fmt.Errorf("deactivate finished campaigns: %w", err)
	}
	return nil
}

// initStates builds baselines for campaigns this processor has not seen yet.
// Known campaigns only get their directory row refreshed.
func (p *Processor) initStates(ctx context.Context, campaigns []*models.Campaign, checkpoint uint64) error {
	var fresh []*models.Campaign
	for _, c := range campaigns {
		if state, ok := p.states.Load(c.ID); ok {
			state.campaign = c
			continue
		}
		fresh = append(fresh, c)
	}
	if len(fresh) == 0 {
		return nil
	}

	group := p.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	errs := make([]error, len(fresh))

	for i, c := range fresh {
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			state, err := p.buildState(groupCtx, c, checkpoint)
			if err != nil {
				errs[i] = fmt.Errorf("campaign %s: %w", c.ID, err)
				return
			}
			p.states.Store(c.ID, state)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return err
	}
	return errors.Join(errs...)
}

// buildState reconstructs a campaign's baseline as of the last epoch boundary
// at or before the checkpoint. Events between that boundary and the
// checkpoint become pending so the in-progress epoch replays from its start.
func (p *Processor) buildState(ctx context.Context, c *models.Campaign, checkpoint uint64) (*campaignState, error) {
	state := &campaignState{
		campaign:     c,
		engine:       reward.NewEngine(p.weights.For(c.Deployment)),
		baseline:     strategy.Map{},
		baselineTime: c.StartTime,
	}

	plan, err := epoch.PlanAll(c)
	if err != nil {
		p.logger.Error("Campaign has no valid epoch plan, skipping",
			zap.String("campaign_id", c.ID), zap.Error(err))
		state.invalid = true
		return state, nil
	}
	if err := epoch.Validate(c, plan); err != nil {
		p.logger.Error("Campaign epoch plan failed validation, skipping",
			zap.String("campaign_id", c.ID), zap.Error(err))
		state.invalid = true
		return state, nil
	}
	for i := range plan {
		ep := &plan[i]
		if !partition.Feasible(ep.DurationSeconds(), snapshot.SubEpochMinSeconds, snapshot.SubEpochMaxSeconds) {
			p.logger.Error("Campaign epoch cannot be partitioned into sub-epochs, skipping",
				zap.String("campaign_id", c.ID),
				zap.Uint64("epoch", ep.Number),
				zap.Int64("duration_seconds", ep.DurationSeconds()))
			state.invalid = true
			return state, nil
		}
	}

	if checkpoint > 0 {
		checkpointTime, err := p.events.BlockTimestamp(ctx, checkpoint)
		if err != nil {
			return nil, err
		}
		for _, ep := range plan {
			if !ep.End.After(checkpointTime) {
				state.baselineTime = ep.End
			}
		}
	}

	baselineBlock, err := p.events.LastBlockBefore(ctx, state.baselineTime)
	if err != nil {
		return nil, err
	}

	if baselineBlock > 0 {
		created, err := p.events.CreatedStrategies(ctx, c.PairID, baselineBlock)
		if err != nil {
			return nil, err
		}
		latest, err := p.events.LatestStrategyOrders(ctx, c.PairID, baselineBlock)
		if err != nil {
			return nil, err
		}
		transfers, err := p.events.LatestTransfers(ctx, c.PairID, baselineBlock)
		if err != nil {
			return nil, err
		}
		deleted, err := p.events.DeletedStrategyIDs(ctx, c.PairID, baselineBlock)
		if err != nil {
			return nil, err
		}

		baseline, skipped := strategy.BuildBaseline(created, latest, transfers, deleted)
		if skipped > 0 {
			p.logger.Warn("Skipped malformed events while building baseline",
				zap.String("campaign_id", c.ID), zap.Int("skipped", skipped))
		}
		state.baseline = baseline
	}

	if baselineBlock < checkpoint {
		raw, err := p.events.EventsInRange(ctx, baselineBlock+1, checkpoint)
		if err != nil {
			return nil, err
		}
		state.pending = filterPair(raw, c.PairID)
	}

	p.logger.Info("Campaign baseline ready",
		zap.String("campaign_id", c.ID),
		zap.Time("baseline_time", state.baselineTime),
		zap.Int("strategies", len(state.baseline)),
		zap.Int("pending_events", len(state.pending)))
	return state, nil
}

// processBatch fetches one block range and fans campaigns out across the
// worker pool. Returns the timestamp of the batch's last block.
func (p *Processor) processBatch(ctx context.Context, campaigns []*models.Campaign, from, to uint64) (time.Time, error) {
	var (
		batchEvents []models.StrategyEvent
		batchEnd    time.Time
		evErr       error
		tsErr       error
	)

	fetch := p.pool.NewGroupContext(ctx)
	fetchCtx := fetch.Context()
	fetch.Submit(func() {
		if fetchCtx.Err() != nil {
			return
		}
		batchEvents, evErr = p.events.EventsInRange(fetchCtx, from, to)
	})
	fetch.Submit(func() {
		if fetchCtx.Err() != nil {
			return
		}
		batchEnd, tsErr = p.events.BlockTimestamp(fetchCtx, to)
	})
	if err := fetch.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return time.Time{}, err
	}
	if evErr != nil {
		return time.Time{}, fmt.Errorf("fetch events %d-%d: %w", from, to, evErr)
	}
	if tsErr != nil {
		return time.Time{}, fmt.Errorf("resolve batch end block %d: %w", to, tsErr)
	}

	group := p.pool.NewGroupContext(ctx)
	groupCtx := group.Context()
	errs := make([]error, len(campaigns))

	for i, c := range campaigns {
		state, ok := p.states.Load(c.ID)
		if !ok || state.invalid {
			continue
		}
		group.Submit(func() {
			if groupCtx.Err() != nil {
				return
			}
			if err := p.processCampaignBatch(groupCtx, state, batchEvents, batchEnd); err != nil {
				errs[i] = fmt.Errorf("campaign %s blocks %d-%d: %w", c.ID, from, to, err)
			}
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		return time.Time{}, err
	}
	if err := errors.Join(errs...); err != nil {
		return time.Time{}, err
	}
	return batchEnd, nil
}

// processCampaignBatch regenerates every epoch overlapping
// (baselineTime, batchEnd] and then advances the baseline through whatever
// epochs the batch completed.
func (p *Processor) processCampaignBatch(ctx context.Context, state *campaignState, batchEvents []models.StrategyEvent, batchEnd time.Time) error {
	c := state.campaign
	events := append(append([]models.StrategyEvent{}, state.pending...), filterPair(batchEvents, c.PairID)...)

	epochs, err := epoch.Plan(c, state.baselineTime, batchEnd)
	if err != nil {
		return err
	}
	if len(epochs) == 0 {
		// Campaign not yet started, or already fully processed. Pre-campaign
		// events still fold into the baseline.
		state.advance(p.logger, state.baselineTime, events)
		return nil
	}

	// Widen the window one sub-epoch left so the first snapshots can match a
	// rate observed just before the epoch opens.
	ratesFrom := epochs[0].Start.Add(-snapshot.SubEpochMaxSeconds * time.Second)
	rates, err := p.events.UsdRates(ctx, []string{c.Token0, c.Token1}, ratesFrom, batchEnd)
	if err != nil {
		return fmt.Errorf("fetch usd rates: %w", err)
	}
	prices := pricing.NewCache(rates)

	newBoundary := state.baselineTime
	for i := range epochs {
		ep := &epochs[i]

		snaps, err := p.generator.Generate(ep, c, state.baseline, events, prices, batchEnd)
		if err != nil {
			if errors.Is(err, partition.ErrInfeasible) || errors.Is(err, partition.ErrExhausted) || errors.Is(err, partition.ErrInvalidBounds) {
				// A campaign that cannot be scheduled must not stall the
				// deployment; park it and keep the batch moving.
				p.logger.Error("Campaign epoch has no sub-epoch schedule, parking campaign",
					zap.String("campaign_id", c.ID),
					zap.Uint64("epoch", ep.Number),
					zap.Error(err))
				state.invalid = true
				return nil
			}
			return err
		}
		rows := state.engine.DistributeEpoch(ep, snaps, c)

		if err := p.store.PersistEpoch(ctx, c, ep, rows); err != nil {
			if errors.Is(err, rewards.ErrRewardCapExceeded) {
				p.logger.Warn("Epoch skipped, reward cap exceeded",
					zap.String("campaign_id", c.ID),
					zap.Uint64("epoch", ep.Number),
					zap.Error(err))
				continue
			}
			return err
		}

		p.logger.Debug("Epoch persisted",
			zap.String("campaign_id", c.ID),
			zap.Uint64("epoch", ep.Number),
			zap.Int("snapshots", len(snaps)),
			zap.Int("rows", len(rows)))

		if !ep.End.After(batchEnd) {
			newBoundary = ep.End
		}
	}

	state.advance(p.logger, newBoundary, events)
	return nil
}

// advance folds events strictly before newBoundary into the baseline and
// keeps the rest pending.
func (s *campaignState) advance(logger *zap.Logger, newBoundary time.Time, events []models.StrategyEvent) {
	sort.Slice(events, func(i, j int) bool { return events[i].Before(&events[j]) })

	var remaining []models.StrategyEvent
	for i := range events {
		ev := &events[i]
		if !ev.Timestamp.Before(newBoundary) {
			remaining = append(remaining, *ev)
			continue
		}
		if err := s.baseline.Apply(ev); err != nil {
			logger.Warn("Skipping malformed event",
				zap.String("campaign_id", s.campaign.ID),
				zap.String("strategy_id", ev.StrategyID),
				zap.Error(err))
		}
	}

	s.pending = remaining
	if newBoundary.After(s.baselineTime) {
		s.baselineTime = newBoundary
	}
}

func filterPair(events []models.StrategyEvent, pairID string) []models.StrategyEvent {
	var out []models.StrategyEvent
	for _, ev := range events {
		if strings.EqualFold(ev.PairID, pairID) {
			out = append(out, ev)
		}
	}
	return out
}
