package processor

import (
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftmark/rewards/pkg/db/models"
	"github.com/driftmark/rewards/pkg/db/rewards"
	"github.com/driftmark/rewards/pkg/epoch"
	"github.com/driftmark/rewards/pkg/partition"
	"github.com/driftmark/rewards/pkg/reward"
	"github.com/driftmark/rewards/pkg/snapshot"
)

const (
	testToken0 = "0xaaaa000000000000000000000000000000000001"
	testToken1 = "0xbbbb000000000000000000000000000000000002"
	testOwner  = "0xowner0000000000000000000000000000000001"
	testOwner2 = "0xowner0000000000000000000000000000000002"

	// Full-range order: A=0 and B just under 2^48, eligible at any price
	// near parity.
	fullRangeOrder = `{"y":"1000","z":"1000","A":"0","B":"281474976710655"}`
)

type fakeEvents struct {
	blocks map[uint64]time.Time
	events []models.StrategyEvent
	rates  []models.UsdRate

	mu          sync.Mutex
	rateWindows [][2]time.Time
}

func (f *fakeEvents) EventsInRange(_ context.Context, fromBlock, toBlock uint64) ([]models.StrategyEvent, error) {
	var out []models.StrategyEvent
	for _, ev := range f.events {
		if ev.BlockID >= fromBlock && ev.BlockID <= toBlock {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeEvents) CreatedStrategies(_ context.Context, pairID string, asOfBlock uint64) ([]models.StrategyEvent, error) {
	return f.pick(pairID, asOfBlock, func(ev *models.StrategyEvent) bool {
		return ev.Type == models.EventCreated
	}, false), nil
}

func (f *fakeEvents) LatestStrategyOrders(_ context.Context, pairID string, asOfBlock uint64) ([]models.StrategyEvent, error) {
	return f.pick(pairID, asOfBlock, func(ev *models.StrategyEvent) bool {
		return ev.Type == models.EventCreated || ev.Type == models.EventUpdated
	}, true), nil
}

func (f *fakeEvents) LatestTransfers(_ context.Context, pairID string, asOfBlock uint64) ([]models.StrategyEvent, error) {
	return f.pick(pairID, asOfBlock, func(ev *models.StrategyEvent) bool {
		return ev.Type == models.EventTransfer
	}, true), nil
}

func (f *fakeEvents) DeletedStrategyIDs(_ context.Context, pairID string, asOfBlock uint64) ([]string, error) {
	var out []string
	for _, ev := range f.events {
		if ev.Type == models.EventDeleted && strings.EqualFold(ev.PairID, pairID) && ev.BlockID <= asOfBlock {
			out = append(out, ev.StrategyID)
		}
	}
	return out, nil
}

// pick returns one event per strategy: the earliest match when latest is
// false, the latest otherwise.
func (f *fakeEvents) pick(pairID string, asOfBlock uint64, match func(*models.StrategyEvent) bool, latest bool) []models.StrategyEvent {
	chosen := make(map[string]models.StrategyEvent)
	for _, ev := range f.events {
		if !strings.EqualFold(ev.PairID, pairID) || ev.BlockID > asOfBlock || !match(&ev) {
			continue
		}
		prev, ok := chosen[ev.StrategyID]
		if !ok {
			chosen[ev.StrategyID] = ev
			continue
		}
		if (latest && prev.Before(&ev)) || (!latest && ev.Before(&prev)) {
			chosen[ev.StrategyID] = ev
		}
	}
	out := make([]models.StrategyEvent, 0, len(chosen))
	for _, ev := range chosen {
		out = append(out, ev)
	}
	return out
}

func (f *fakeEvents) BlockTimestamp(_ context.Context, blockID uint64) (time.Time, error) {
	ts, ok := f.blocks[blockID]
	if !ok {
		return time.Time{}, assert.AnError
	}
	return ts, nil
}

func (f *fakeEvents) LastBlockBefore(_ context.Context, t time.Time) (uint64, error) {
	var best uint64
	for id, ts := range f.blocks {
		if ts.Before(t) && id > best {
			best = id
		}
	}
	return best, nil
}

func (f *fakeEvents) UsdRates(_ context.Context, tokenAddresses []string, start, end time.Time) ([]models.UsdRate, error) {
	f.mu.Lock()
	f.rateWindows = append(f.rateWindows, [2]time.Time{start, end})
	f.mu.Unlock()

	wanted := make(map[string]struct{}, len(tokenAddresses))
	for _, t := range tokenAddresses {
		wanted[strings.ToLower(t)] = struct{}{}
	}
	var out []models.UsdRate
	for _, r := range f.rates {
		if _, ok := wanted[strings.ToLower(r.TokenAddress)]; !ok {
			continue
		}
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// fakeStore mirrors the PostgreSQL store's semantics: delete-then-insert per
// epoch, reward cap enforcement and a sub-epoch number ledger that survives
// reprocessing.
type fakeStore struct {
	mu          sync.Mutex
	campaigns   []*models.Campaign
	checkpoints map[string]uint64
	rows        map[string]*models.RewardRow
	subEpochs   map[string]map[int64]uint64
	maxSub      map[string]uint64
}

func newFakeStore(campaigns ...*models.Campaign) *fakeStore {
	return &fakeStore{
		campaigns:   campaigns,
		checkpoints: make(map[string]uint64),
		rows:        make(map[string]*models.RewardRow),
		subEpochs:   make(map[string]map[int64]uint64),
		maxSub:      make(map[string]uint64),
	}
}

func rowKey(r *models.RewardRow) string {
	return r.StrategyID + "|" + r.CampaignID + "|" + r.SubEpochTimestamp.UTC().String()
}

func (s *fakeStore) ActiveCampaigns(_ context.Context, deployment string) ([]*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Campaign
	for _, c := range s.campaigns {
		if c.Deployment == deployment && c.IsActive {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkCampaignsInactive(_ context.Context, deployment string, ids []string, upTo time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.campaigns {
		for _, id := range ids {
			if c.ID == id && c.Deployment == deployment && !c.EndTime.After(upTo) {
				c.IsActive = false
			}
		}
	}
	return nil
}

func (s *fakeStore) GetOrInitCheckpoint(_ context.Context, deployment string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoints[deployment], nil
}

func (s *fakeStore) UpdateCheckpoint(_ context.Context, deployment string, block uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if block > s.checkpoints[deployment] {
		s.checkpoints[deployment] = block
	}
	return nil
}

func (s *fakeStore) PersistEpoch(_ context.Context, campaign *models.Campaign, ep *epoch.Config, rows []*models.RewardRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, row := range s.rows {
		if row.CampaignID == campaign.ID && row.EpochNumber == ep.Number {
			delete(s.rows, key)
		}
	}

	persisted := decimal.Zero
	for _, row := range s.rows {
		if row.CampaignID == campaign.ID {
			persisted = persisted.Add(row.RewardAmount)
		}
	}
	newTotal := decimal.Zero
	for _, row := range rows {
		newTotal = newTotal.Add(row.RewardAmount)
	}
	if persisted.Add(newTotal).GreaterThan(campaign.RewardAmount) {
		return rewards.ErrRewardCapExceeded
	}

	ledger, ok := s.subEpochs[campaign.ID]
	if !ok {
		ledger = make(map[int64]uint64)
		s.subEpochs[campaign.ID] = ledger
	}
	timestamps := make([]int64, 0, len(rows))
	seen := make(map[int64]struct{})
	for _, row := range rows {
		ts := row.SubEpochTimestamp.Unix()
		if _, dup := seen[ts]; !dup {
			seen[ts] = struct{}{}
			timestamps = append(timestamps, ts)
		}
	}
	sort.Slice(timestamps, func(i, j int) bool { return timestamps[i] < timestamps[j] })
	for _, ts := range timestamps {
		if _, ok := ledger[ts]; !ok {
			s.maxSub[campaign.ID]++
			ledger[ts] = s.maxSub[campaign.ID]
		}
	}

	for _, row := range rows {
		copied := *row
		copied.SubEpochNumber = ledger[row.SubEpochTimestamp.Unix()]
		s.rows[rowKey(&copied)] = &copied
	}
	return nil
}

func (s *fakeStore) allRows() []*models.RewardRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.RewardRow, 0, len(s.rows))
	for _, row := range s.rows {
		copied := *row
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubEpochTimestamp.Equal(out[j].SubEpochTimestamp) {
			return out[i].SubEpochTimestamp.Before(out[j].SubEpochTimestamp)
		}
		return out[i].StrategyID < out[j].StrategyID
	})
	return out
}

// testFixture is a one-pair deployment: blocks every ten minutes, flat
// dollar-parity prices and a single full-range strategy created before the
// campaign opens.
func testFixture(t *testing.T) (*fakeEvents, *models.Campaign) {
	t.Helper()

	t0 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	blocks := make(map[uint64]time.Time, 60)
	for i := uint64(1); i <= 60; i++ {
		blocks[i] = t0.Add(time.Duration(i-1) * 10 * time.Minute)
	}

	campaign := &models.Campaign{
		ID:           "camp-1",
		Deployment:   "ethereum",
		PairID:       "pair-1",
		Token0:       testToken0,
		Token1:       testToken1,
		Decimals0:    18,
		Decimals1:    18,
		RewardAmount: decimal.NewFromInt(1000),
		RewardToken:  "0xreward",
		StartTime:    t0.Add(10 * time.Minute),
		EndTime:      t0.Add(10*time.Minute + 8*time.Hour),
		IsActive:     true,
	}

	events := []models.StrategyEvent{
		{
			Type: models.EventCreated, StrategyID: "s1", PairID: "pair-1",
			Token0: testToken0, Token1: testToken1, Decimals0: 18, Decimals1: 18,
			Order0: fullRangeOrder, Order1: fullRangeOrder,
			Owner: testOwner, BlockID: 1, Timestamp: blocks[1],
		},
		{
			Type: models.EventTransfer, StrategyID: "s1", PairID: "pair-1",
			Owner: testOwner2, BlockID: 32, Timestamp: blocks[32],
		},
	}

	var rates []models.UsdRate
	for i := 0; i <= 11; i++ {
		at := t0.Add(time.Duration(i) * time.Hour)
		rates = append(rates,
			models.UsdRate{TokenAddress: testToken0, Timestamp: at, Usd: decimal.NewFromInt(1)},
			models.UsdRate{TokenAddress: testToken1, Timestamp: at, Usd: decimal.NewFromInt(1)},
		)
	}

	return &fakeEvents{blocks: blocks, events: events, rates: rates}, campaign
}

func newTestProcessor(events *fakeEvents, store *fakeStore) *Processor {
	gen := snapshot.NewGenerator(partition.NewFixedSeeder(424242))
	return New(zap.NewNop(), events, store, gen, reward.WeightTable{}, Options{
		Deployment:     "ethereum",
		BlockBatchSize: 7,
		Workers:        4,
	})
}

func TestRunDistributesCampaignRewards(t *testing.T) {
	events, campaign := testFixture(t)
	store := newFakeStore(campaign)
	p := newTestProcessor(events, store)
	defer p.Close()

	require.NoError(t, p.Run(context.Background(), 60))

	rows := store.allRows()
	require.NotEmpty(t, rows)

	total := decimal.Zero
	epochsSeen := make(map[uint64]bool)
	for _, row := range rows {
		require.Equal(t, "s1", row.StrategyID)
		require.Equal(t, "camp-1", row.CampaignID)
		total = total.Add(row.RewardAmount)
		epochsSeen[row.EpochNumber] = true
		assert.False(t, row.SubEpochTimestamp.Before(campaign.StartTime))
		assert.True(t, row.SubEpochTimestamp.Before(campaign.EndTime))
	}

	// Two four-hour epochs, everything distributed up to truncation dust.
	assert.True(t, epochsSeen[1] && epochsSeen[2], "expected both epochs, saw %v", epochsSeen)
	assert.True(t, total.LessThanOrEqual(campaign.RewardAmount), "total %s exceeds cap", total)
	assert.True(t, campaign.RewardAmount.Sub(total).LessThan(decimal.NewFromFloat(1e-9)),
		"dust too large: distributed %s of %s", total, campaign.RewardAmount)

	// Sub-epoch numbers are contiguous and chronological.
	for i, row := range rows {
		assert.Equal(t, uint64(i+1), row.SubEpochNumber)
	}

	// Ownership follows the transfer inside epoch 2.
	transferAt := events.blocks[32]
	for _, row := range rows {
		if row.SubEpochTimestamp.Before(transferAt) {
			assert.Equal(t, testOwner, row.Owner, "at %s", row.SubEpochTimestamp)
		} else {
			assert.Equal(t, testOwner2, row.Owner, "at %s", row.SubEpochTimestamp)
		}
	}

	checkpoint, err := store.GetOrInitCheckpoint(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, uint64(60), checkpoint)
	assert.False(t, campaign.IsActive, "campaign past its end should be deactivated")
}

func TestRunResumeMatchesSingleRun(t *testing.T) {
	eventsA, campaignA := testFixture(t)
	storeA := newFakeStore(campaignA)

	// First processor stops mid-campaign; a fresh one rebuilds its baseline
	// from the stores and finishes.
	p1 := newTestProcessor(eventsA, storeA)
	require.NoError(t, p1.Run(context.Background(), 30))
	p1.Close()

	p2 := newTestProcessor(eventsA, storeA)
	require.NoError(t, p2.Run(context.Background(), 60))
	p2.Close()

	eventsB, campaignB := testFixture(t)
	storeB := newFakeStore(campaignB)
	p3 := newTestProcessor(eventsB, storeB)
	require.NoError(t, p3.Run(context.Background(), 60))
	p3.Close()

	rowsA := storeA.allRows()
	rowsB := storeB.allRows()
	require.Equal(t, len(rowsB), len(rowsA))
	for i := range rowsA {
		a, b := rowsA[i], rowsB[i]
		assert.True(t, a.SubEpochTimestamp.Equal(b.SubEpochTimestamp))
		assert.Equal(t, b.SubEpochNumber, a.SubEpochNumber)
		assert.Equal(t, b.EpochNumber, a.EpochNumber)
		assert.Equal(t, b.Owner, a.Owner)
		assert.True(t, a.RewardAmount.Equal(b.RewardAmount),
			"row %d: %s vs %s", i, a.RewardAmount, b.RewardAmount)
	}
}

func TestRunReprocessingIsIdempotent(t *testing.T) {
	events, campaign := testFixture(t)
	store := newFakeStore(campaign)

	p1 := newTestProcessor(events, store)
	require.NoError(t, p1.Run(context.Background(), 60))
	p1.Close()
	first := store.allRows()

	// Rewind the checkpoint and reactivate, simulating an operator backfill.
	store.mu.Lock()
	store.checkpoints["ethereum"] = 0
	campaign.IsActive = true
	store.mu.Unlock()

	p2 := newTestProcessor(events, store)
	require.NoError(t, p2.Run(context.Background(), 60))
	p2.Close()
	second := store.allRows()

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.True(t, first[i].SubEpochTimestamp.Equal(second[i].SubEpochTimestamp))
		assert.Equal(t, first[i].SubEpochNumber, second[i].SubEpochNumber)
		assert.True(t, first[i].RewardAmount.Equal(second[i].RewardAmount))
	}
}

func TestRunWithoutCampaignsAdvancesCheckpoint(t *testing.T) {
	events, _ := testFixture(t)
	store := newFakeStore()
	p := newTestProcessor(events, store)
	defer p.Close()

	require.NoError(t, p.Run(context.Background(), 60))
	checkpoint, err := store.GetOrInitCheckpoint(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, uint64(60), checkpoint)
}

func TestRunSkipsUnpartitionableCampaign(t *testing.T) {
	events, campaign := testFixture(t)

	// Final truncated epoch of 400 seconds: too long for one sub-epoch, too
	// short for two. This campaign must be parked, not wedge the deployment.
	bad := &models.Campaign{
		ID:           "camp-bad",
		Deployment:   "ethereum",
		PairID:       "pair-2",
		Token0:       testToken0,
		Token1:       testToken1,
		Decimals0:    18,
		Decimals1:    18,
		RewardAmount: decimal.NewFromInt(500),
		RewardToken:  "0xreward",
		StartTime:    campaign.StartTime,
		EndTime:      campaign.StartTime.Add(4*time.Hour + 400*time.Second),
		IsActive:     true,
	}

	store := newFakeStore(campaign, bad)
	p := newTestProcessor(events, store)
	defer p.Close()

	require.NoError(t, p.Run(context.Background(), 60))

	checkpoint, err := store.GetOrInitCheckpoint(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, uint64(60), checkpoint)

	total := decimal.Zero
	for _, row := range store.allRows() {
		require.Equal(t, "camp-1", row.CampaignID, "parked campaign must not persist rewards")
		total = total.Add(row.RewardAmount)
	}
	assert.True(t, campaign.RewardAmount.Sub(total).LessThan(decimal.NewFromFloat(1e-9)),
		"healthy campaign shorted: distributed %s of %s", total, campaign.RewardAmount)

	assert.False(t, campaign.IsActive)
	assert.True(t, bad.IsActive, "parked campaign stays active for operator follow-up")
}

func TestRunFetchesRatesBeforeEpochStart(t *testing.T) {
	events, campaign := testFixture(t)
	store := newFakeStore(campaign)
	p := newTestProcessor(events, store)
	defer p.Close()

	require.NoError(t, p.Run(context.Background(), 60))

	events.mu.Lock()
	windows := append([][2]time.Time{}, events.rateWindows...)
	events.mu.Unlock()
	require.NotEmpty(t, windows)

	// The fetch window reaches one sub-epoch left of the first epoch so early
	// snapshots can match a rate observed just before the campaign opens.
	earliest := windows[0][0]
	for _, w := range windows[1:] {
		if w[0].Before(earliest) {
			earliest = w[0]
		}
	}
	wantFrom := campaign.StartTime.Add(-snapshot.SubEpochMaxSeconds * time.Second)
	assert.True(t, earliest.Equal(wantFrom), "earliest fetch %s, want %s", earliest, wantFrom)
}

func TestRunNothingNewIsNoop(t *testing.T) {
	events, campaign := testFixture(t)
	store := newFakeStore(campaign)
	store.checkpoints["ethereum"] = 60

	p := newTestProcessor(events, store)
	defer p.Close()
	require.NoError(t, p.Run(context.Background(), 60))
	assert.Empty(t, store.allRows())
}
