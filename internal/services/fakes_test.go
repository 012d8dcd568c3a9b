package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"TokenSettle/internal/models"
	"TokenSettle/internal/store"

	"github.com/shopspring/decimal"
)

// memStore mirrors the status guards of store.Store in memory.
type memStore struct {
	mu      sync.Mutex
	wallets map[string]*models.Wallet
	claims  map[string]string
	orders  map[string]*models.Order
	plans   map[string]*models.StakePlan
	stakes  map[string]*models.Stake
	rewards []*models.ReferralReward
	batches map[string]string
	outbox  []*models.OutboxEvent

	// stamps counts MarkOrderSubmitted calls per order.
	stamps map[string]int
	// Set to fail the next CreateStake or CompleteStake call once.
	createStakeErr   error
	completeStakeErr error
}

var (
	_ OrderStore  = (*memStore)(nil)
	_ StakeStore  = (*memStore)(nil)
	_ RewardStore = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		wallets: map[string]*models.Wallet{},
		claims:  map[string]string{},
		orders:  map[string]*models.Order{},
		plans:   map[string]*models.StakePlan{},
		stakes:  map[string]*models.Stake{},
		batches: map[string]string{},
		stamps:  map[string]int{},
	}
}

func (m *memStore) addWallet(w *models.Wallet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wallets[w.OwnerID] = w
}

func (m *memStore) addPlan(p *models.StakePlan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.PlanID] = p
}

func (m *memStore) GetWallet(_ context.Context, ownerID string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[ownerID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *memStore) FindReferrer(_ context.Context, referredID string) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[referredID]
	if !ok || w.ReferredBy == nil {
		return nil, store.ErrNotFound
	}
	for _, r := range m.wallets {
		if r.ReferralCode == *w.ReferredBy {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) ClaimSignature(_ context.Context, sig, kind, refID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.claims[sig]; ok {
		return store.ErrDuplicate
	}
	m.claims[sig] = kind + ":" + refID
	return nil
}

func (m *memStore) CreateOrder(_ context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.OrderID]; ok {
		return store.ErrDuplicate
	}
	cp := *o
	m.orders[o.OrderID] = &cp
	return nil
}

func (m *memStore) GetOrder(_ context.Context, orderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) CompleteOrder(_ context.Context, orderID, fundsIn, fundsOut string, ev *models.OutboxEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderPending {
		return false, nil
	}
	for _, other := range m.orders {
		if other.FundsInSignature != nil && (*other.FundsInSignature == fundsIn || *other.FundsOutSignature == fundsOut) {
			return false, store.ErrDuplicate
		}
	}
	o.Status = models.OrderCompleted
	o.FundsInSignature = &fundsIn
	o.FundsOutSignature = &fundsOut
	if ev != nil {
		cp := *ev
		cp.Status = models.OutboxPending
		m.outbox = append(m.outbox, &cp)
	}
	return true, nil
}

func (m *memStore) FailOrder(_ context.Context, orderID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderPending {
		return false, nil
	}
	o.Status = models.OrderFailed
	o.FailureReason = &reason
	return true, nil
}

func (m *memStore) MarkOrderSubmitted(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderPending {
		return false, nil
	}
	now := time.Now().UTC()
	o.SubmittedAt = &now
	m.stamps[orderID]++
	return true, nil
}

func (m *memStore) NoteOrderFailure(_ context.Context, orderID, note string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != models.OrderFailed {
		return false, nil
	}
	reason := note
	if o.FailureReason != nil {
		reason = *o.FailureReason + "; " + note
	}
	o.FailureReason = &reason
	return true, nil
}

func (m *memStore) ListOrdersByOwner(_ context.Context, ownerID string, limit int) ([]*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.OwnerID == ownerID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ReferredVolume(_ context.Context, referralCode, asset string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	for _, o := range m.orders {
		w := m.wallets[o.OwnerID]
		if w == nil || w.ReferredBy == nil || *w.ReferredBy != referralCode {
			continue
		}
		if o.Status == models.OrderCompleted && o.OutputAsset == asset {
			total = total.Add(o.OutputQuantity)
		}
	}
	return total, nil
}

func (m *memStore) GetPlan(_ context.Context, planID string) (*models.StakePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListPlans(context.Context) ([]*models.StakePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.StakePlan
	for _, p := range m.plans {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockMonths < out[j].LockMonths })
	return out, nil
}

func (m *memStore) CreateStake(_ context.Context, st *models.Stake) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.createStakeErr; err != nil {
		m.createStakeErr = nil
		return err
	}
	for _, other := range m.stakes {
		if other.StakeAccount == st.StakeAccount || other.StakeSignature == st.StakeSignature {
			return store.ErrDuplicate
		}
	}
	cp := *st
	m.stakes[st.StakeID] = &cp
	return nil
}

func (m *memStore) GetStake(_ context.Context, stakeID string) (*models.Stake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stakes[stakeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *memStore) GetStakeBySignature(_ context.Context, sig string) (*models.Stake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.stakes {
		if st.StakeSignature == sig || (st.UnstakeSignature != nil && *st.UnstakeSignature == sig) {
			cp := *st
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memStore) StakeAccountRecorded(_ context.Context, account string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.stakes {
		if st.StakeAccount == account {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) CompleteStake(_ context.Context, stakeID, unstakeSig string, claimed decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.completeStakeErr; err != nil {
		m.completeStakeErr = nil
		return false, err
	}
	st, ok := m.stakes[stakeID]
	if !ok || st.Status != models.StakeActive || st.UnstakeSignature != nil {
		return false, nil
	}
	st.Status = models.StakeCompleted
	st.UnstakeSignature = &unstakeSig
	st.ClaimedQuantity = claimed
	return true, nil
}

func (m *memStore) ListStakesByOwner(_ context.Context, ownerID string, limit int) ([]*models.Stake, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Stake
	for _, st := range m.stakes {
		if st.OwnerID == ownerID {
			cp := *st
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) InsertRewards(_ context.Context, rewards []*models.ReferralReward) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inserted := 0
	for _, r := range rewards {
		dup := false
		for _, have := range m.rewards {
			if have.OrderID == r.OrderID && have.Kind == r.Kind {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		cp := *r
		m.rewards = append(m.rewards, &cp)
		inserted++
	}
	return inserted, nil
}

func (m *memStore) ClaimBatch(_ context.Context, g models.PayoutGroup, status models.RewardStatus, batchID string) ([]*models.ReferralReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReferralReward
	for _, r := range m.rewards {
		if r.ReferrerID == g.ReferrerID && r.Asset == g.Asset && r.Status == status && m.batches[r.RewardID] == "" {
			m.batches[r.RewardID] = batchID
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) updateBatch(batchID string, from []models.RewardStatus, fn func(r *models.ReferralReward)) int64 {
	var n int64
	for _, r := range m.rewards {
		if m.batches[r.RewardID] != batchID {
			continue
		}
		for _, s := range from {
			if r.Status == s {
				fn(r)
				n++
				break
			}
		}
	}
	return n
}

func (m *memStore) MarkBatchPaid(_ context.Context, batchID, signature string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBatch(batchID, []models.RewardStatus{models.RewardPending, models.RewardAwaitingFunds}, func(r *models.ReferralReward) {
		r.Status = models.RewardPaid
		r.SettlementSignature = &signature
		r.FailureReason = nil
	}), nil
}

func (m *memStore) MarkBatchAwaitingFunds(_ context.Context, batchID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBatch(batchID, []models.RewardStatus{models.RewardPending}, func(r *models.ReferralReward) {
		r.Status = models.RewardAwaitingFunds
		r.FailureReason = &reason
		delete(m.batches, r.RewardID)
	}), nil
}

func (m *memStore) MarkBatchFailed(_ context.Context, batchID, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBatch(batchID, []models.RewardStatus{models.RewardPending, models.RewardAwaitingFunds}, func(r *models.ReferralReward) {
		r.Status = models.RewardFailed
		r.FailureReason = &reason
	}), nil
}

func (m *memStore) ReleaseBatch(_ context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateBatch(batchID, []models.RewardStatus{models.RewardPending, models.RewardAwaitingFunds}, func(r *models.ReferralReward) {
		delete(m.batches, r.RewardID)
	})
	return nil
}

func (m *memStore) ListGroups(_ context.Context, status models.RewardStatus, referrerID string) ([]models.PayoutGroup, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[models.PayoutGroup]bool{}
	var out []models.PayoutGroup
	for _, r := range m.rewards {
		if r.Status != status || m.batches[r.RewardID] != "" {
			continue
		}
		if referrerID != "" && r.ReferrerID != referrerID {
			continue
		}
		g := models.PayoutGroup{ReferrerID: r.ReferrerID, Asset: r.Asset}
		if !seen[g] {
			seen[g] = true
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (m *memStore) ListRewardsByReferrer(_ context.Context, referrerID string, limit int) ([]*models.ReferralReward, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReferralReward
	for _, r := range m.rewards {
		if r.ReferrerID == referrerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) rewardsFor(referrerID string) []*models.ReferralReward {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ReferralReward
	for _, r := range m.rewards {
		if r.ReferrerID == referrerID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func (m *memStore) outboxEvents() []*models.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*models.OutboxEvent(nil), m.outbox...)
}
