package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"incomeengine/internal/infrastructure/lock"
	"incomeengine/internal/model"
	"incomeengine/internal/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 测试用的内存存储，语义与 repository 包的 MySQL 实现一致

const testRootUserID = 1

var testNow = time.Date(2024, 1, 15, 6, 0, 0, 0, model.BusinessLocation)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixedRate struct {
	rate decimal.Decimal
}

func (f fixedRate) Draw(min, max decimal.Decimal) decimal.Decimal {
	return f.rate
}

type memStore struct {
	mu          sync.Mutex
	rootUserID  int64
	users       map[int64]*model.User
	investments map[int64]*model.Investment
	incomes     []*model.Income
	dedupe      map[string]bool
	plan        *model.Plan
	seq         int64

	// failCredit 返回非 nil 时模拟入账失败
	failCredit func(income *model.Income) error
}

func newMemStore() *memStore {
	return &memStore{
		rootUserID:  testRootUserID,
		users:       make(map[int64]*model.User),
		investments: make(map[int64]*model.Investment),
		dedupe:      make(map[string]bool),
	}
}

// addUser referID 为 0 表示没有推荐人
func (s *memStore) addUser(id, referID int64) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &model.User{ID: id, Username: fmt.Sprintf("user%d", id), WalletBalance: decimal.Zero}
	if referID > 0 {
		ref := referID
		u.ReferID = &ref
	}
	s.users[id] = u
	return u
}

func (s *memStore) addRootReferred(id int64) *model.User {
	u := s.addUser(id, 0)
	s.mu.Lock()
	u.ReferRoot = true
	s.mu.Unlock()
	return u
}

func (s *memStore) invest(userID int64, amount string) *model.Investment {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	inv := &model.Investment{
		ID:        s.seq,
		UserID:    userID,
		PlanID:    1,
		Amount:    dec(amount),
		Status:    model.InvestmentStatusActive,
		CreatedAt: testNow.Add(-48 * time.Hour),
	}
	s.investments[inv.ID] = inv
	u := s.users[userID]
	u.TotalInvestment = u.TotalInvestment.Add(inv.Amount)
	return inv
}

func (s *memStore) balance(userID int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.users[userID].WalletBalance
}

func (s *memStore) incomesOf(userID int64, incomeType string) []*model.Income {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Income
	for _, inc := range s.incomes {
		if inc.UserID == userID && (incomeType == "" || inc.Type == incomeType) {
			out = append(out, inc)
		}
	}
	return out
}

func (s *memStore) countType(incomeType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, inc := range s.incomes {
		if inc.Type == incomeType {
			n++
		}
	}
	return n
}

func (s *memStore) sumIncomes(userID int64) decimal.Decimal {
	total := decimal.Zero
	for _, inc := range s.incomesOf(userID, "") {
		total = total.Add(inc.Amount)
	}
	return total
}

// ---- UserStore ----

func (s *memStore) GetUser(ctx context.Context, id int64) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) isDirect(u *model.User, userID int64) bool {
	if u.ReferID != nil {
		return *u.ReferID == userID
	}
	return u.ReferRoot && userID == s.rootUserID
}

func (s *memStore) CountDirectReferrals(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, u := range s.users {
		if s.isDirect(u, userID) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListInvestors(ctx context.Context, afterID int64, limit int) ([]*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.User
	for _, u := range s.users {
		if u.ID > afterID && u.TotalInvestment.IsPositive() {
			cp := *u
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) DirectBusiness(ctx context.Context, userID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, inv := range s.investments {
		owner := s.users[inv.UserID]
		if inv.Status == model.InvestmentStatusActive && owner != nil && s.isDirect(owner, userID) {
			total = total.Add(inv.Amount)
		}
	}
	return total, nil
}

// ---- InvestmentStore ----

func (s *memStore) GetInvestment(ctx context.Context, id int64) (*model.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.investments[id]
	if !ok {
		return nil, repository.ErrInvestmentNotFound
	}
	cp := *inv
	return &cp, nil
}

func (s *memStore) ListActive(ctx context.Context, afterID int64, limit int) ([]*model.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Investment
	for _, inv := range s.investments {
		if inv.ID > afterID && inv.Status == model.InvestmentStatusActive {
			cp := *inv
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) HasInvested(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range s.investments {
		if inv.UserID == userID && inv.Status != model.InvestmentStatusCancelled {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) FirstInvestment(ctx context.Context, userID int64) (*model.Investment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var first *model.Investment
	for _, inv := range s.investments {
		if inv.UserID != userID || inv.Status == model.InvestmentStatusCancelled {
			continue
		}
		if first == nil || inv.CreatedAt.Before(first.CreatedAt) ||
			(inv.CreatedAt.Equal(first.CreatedAt) && inv.ID < first.ID) {
			first = inv
		}
	}
	if first == nil {
		return nil, repository.ErrInvestmentNotFound
	}
	cp := *first
	return &cp, nil
}

func (s *memStore) SelfInvestment(ctx context.Context, userID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := decimal.Zero
	for _, inv := range s.investments {
		if inv.UserID == userID && inv.Status == model.InvestmentStatusActive {
			total = total.Add(inv.Amount)
		}
	}
	return total, nil
}

// ---- IncomeStore ----

func (s *memStore) GetByIncomeNo(ctx context.Context, incomeNo string) (*model.Income, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inc := range s.incomes {
		if inc.IncomeNo == incomeNo {
			cp := *inc
			return &cp, nil
		}
	}
	return nil, repository.ErrIncomeNotFound
}

func (s *memStore) ExistsByDedupeKey(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dedupe[key], nil
}

func (s *memStore) LevelIncomeExists(ctx context.Context, userID, fromUserID int64, level int, investmentID int64, day model.BusinessDay) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inc := range s.incomes {
		if inc.Type == model.IncomeTypeLevelROI && inc.UserID == userID && inc.Level == level &&
			inc.FromUserID != nil && *inc.FromUserID == fromUserID &&
			inc.InvestmentID != nil && *inc.InvestmentID == investmentID &&
			day.Contains(inc.CreatedAt) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ReferralBonusExists(ctx context.Context, referrerID, investorID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inc := range s.incomes {
		if inc.Type == model.IncomeTypeReferralBonus && inc.UserID == referrerID &&
			inc.FromUserID != nil && *inc.FromUserID == investorID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) DailyProfitsOn(ctx context.Context, day model.BusinessDay) (map[int64]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]decimal.Decimal)
	for _, inc := range s.incomes {
		if inc.Type == model.IncomeTypeDailyProfit && inc.InvestmentID != nil && day.Contains(inc.CreatedAt) {
			out[*inc.InvestmentID] = inc.Amount
		}
	}
	return out, nil
}

func (s *memStore) ListByUserID(ctx context.Context, userID int64, page, pageSize int) ([]*model.Income, int64, error) {
	all := s.incomesOf(userID, "")
	total := int64(len(all))
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, total, nil
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], total, nil
}

func (s *memStore) SumCredited(ctx context.Context, userID int64) (decimal.Decimal, error) {
	return s.sumIncomes(userID), nil
}

// ---- Ledger ----

func (s *memStore) Credit(ctx context.Context, income *model.Income) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditLocked(income, model.TotalColumnFor(income.Type))
}

func (s *memStore) CreditDailyProfit(ctx context.Context, inv *model.Investment, day model.BusinessDay, income *model.Income) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.investments[inv.ID]
	if !ok || stored.Status != model.InvestmentStatusActive {
		return repository.ErrAlreadyCredited
	}
	if stored.LastProfitDate != nil && !stored.LastProfitDate.Before(day.Start) {
		return repository.ErrAlreadyCredited
	}
	if err := s.creditLocked(income, model.TotalColumnFor(income.Type)); err != nil {
		return err
	}
	at := income.CreatedAt
	stored.LastProfitDate = &at
	inv.LastProfitDate = &at
	return nil
}

func (s *memStore) Reverse(ctx context.Context, original *model.Income, reason string, at time.Time) (*model.Income, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reversal := &model.Income{
		DedupeKey:    model.ReversalKey(original.IncomeNo),
		UserID:       original.UserID,
		FromUserID:   original.FromUserID,
		InvestmentID: original.InvestmentID,
		Type:         model.IncomeTypeReversal,
		Amount:       original.Amount.Neg(),
		Level:        original.Level,
		Metadata:     map[string]any{"reverses": original.IncomeNo, "reason": reason},
		CreatedAt:    at,
	}
	if err := s.creditLocked(reversal, model.TotalColumnFor(original.Type)); err != nil {
		return nil, err
	}
	return reversal, nil
}

func (s *memStore) creditLocked(income *model.Income, totalColumn string) error {
	if s.failCredit != nil {
		if err := s.failCredit(income); err != nil {
			return err
		}
	}
	if s.dedupe[income.DedupeKey] {
		return repository.ErrAlreadyCredited
	}
	u, ok := s.users[income.UserID]
	if !ok {
		return repository.ErrUserNotFound
	}
	after := u.WalletBalance.Add(income.Amount)
	if after.IsNegative() {
		return repository.ErrBalanceNotEnough
	}

	s.seq++
	income.ID = s.seq
	income.IncomeNo = fmt.Sprintf("INC%d", s.seq)
	income.Status = model.IncomeStatusCredited
	income.BalanceBefore = u.WalletBalance
	income.BalanceAfter = after
	cp := *income
	s.incomes = append(s.incomes, &cp)
	s.dedupe[income.DedupeKey] = true

	u.WalletBalance = after
	switch totalColumn {
	case "total_daily_profit":
		u.TotalDailyProfit = u.TotalDailyProfit.Add(income.Amount)
	case "total_level_income":
		u.TotalLevelIncome = u.TotalLevelIncome.Add(income.Amount)
	case "total_referral_bonus":
		u.TotalReferralBonus = u.TotalReferralBonus.Add(income.Amount)
	}
	return nil
}

// ---- PlanSource ----

func (s *memStore) ActivePlan(ctx context.Context) (*model.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.plan == nil {
		return nil, repository.ErrNoActivePlan
	}
	cp := *s.plan
	return &cp, nil
}

// ---- RewardStore ----

type memRewards struct {
	mu      sync.Mutex
	rewards []*model.Reward
}

func (r *memRewards) Exists(ctx context.Context, userID int64, rewardType string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rw := range r.rewards {
		if rw.UserID == userID && rw.RewardType == rewardType {
			return true, nil
		}
	}
	return false, nil
}

func (r *memRewards) Create(ctx context.Context, reward *model.Reward) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rw := range r.rewards {
		if rw.UserID == reward.UserID && rw.RewardType == reward.RewardType {
			return repository.ErrRewardExists
		}
	}
	cp := *reward
	r.rewards = append(r.rewards, &cp)
	return nil
}

func (r *memRewards) ListByUserID(ctx context.Context, userID int64) ([]*model.Reward, error) {
	return r.of(userID), nil
}

func (r *memRewards) of(userID int64) []*model.Reward {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Reward
	for _, rw := range r.rewards {
		if rw.UserID == userID {
			out = append(out, rw)
		}
	}
	return out
}

// ---- ExecutionStore ----

type memExecutions struct {
	mu    sync.Mutex
	saved map[string]model.JobExecution
	order []string
}

func newMemExecutions() *memExecutions {
	return &memExecutions{saved: make(map[string]model.JobExecution)}
}

func (e *memExecutions) Create(ctx context.Context, exec *model.JobExecution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saved[exec.RunID] = *exec
	e.order = append(e.order, exec.RunID)
	return nil
}

func (e *memExecutions) Save(ctx context.Context, exec *model.JobExecution) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.saved[exec.RunID] = *exec
	return nil
}

func (e *memExecutions) ListRecent(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*model.JobExecution
	for i := len(e.order) - 1; i >= 0 && len(out) < limit; i-- {
		exec := e.saved[e.order[i]]
		if jobName == "" || exec.JobName == jobName {
			out = append(out, &exec)
		}
	}
	return out, nil
}

// ---- OutboxWriter ----

type memOutbox struct {
	mu       sync.Mutex
	messages []*model.OutboxMessage
}

func (o *memOutbox) Create(ctx context.Context, tx *gorm.DB, msg *model.OutboxMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.messages = append(o.messages, msg)
	return nil
}

// ---- Locker ----

type memLocker struct {
	mu   sync.Mutex
	held map[string]string
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]string)}
}

type memUnlock struct {
	l   *memLocker
	key string
}

func (u memUnlock) Refresh(ctx context.Context) error {
	return nil
}

func (u memUnlock) Unlock(ctx context.Context) error {
	u.l.mu.Lock()
	defer u.l.mu.Unlock()
	delete(u.l.held, u.key)
	return nil
}

func (l *memLocker) Obtain(ctx context.Context, key, owner string, ttl time.Duration) (lock.Unlocker, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, lock.ErrLockFailed
	}
	l.held[key] = owner
	return memUnlock{l: l, key: key}, nil
}

func (l *memLocker) Wait(ctx context.Context, key, owner string, ttl time.Duration) (lock.Unlocker, error) {
	return l.Obtain(ctx, key, owner, ttl)
}

// ---- helpers ----

// testPlan 单一档位（不限金额），默认佣金表，推荐奖 10%
func testPlan() *model.Plan {
	return &model.Plan{
		ID:                   1,
		Name:                 "test",
		Status:               model.PlanStatusActive,
		ReferralBonusPercent: dec("10"),
		PackageTiers: []model.PackageTier{
			{ID: 1, PlanID: 1, Name: "all", MinAmount: dec("1"), MaxAmount: decimal.Zero, MinRate: dec("0.5"), MaxRate: dec("1.5")},
		},
		LevelCommissions: model.DefaultLevelCommissions(),
		RewardTiers: []model.RewardTier{
			{RewardType: "bronze", Name: "Bronze", SelfTarget: dec("1000"), DirectTarget: dec("5000"), RewardValue: dec("50"), SortOrder: 0},
			{RewardType: "silver", Name: "Silver", SelfTarget: dec("5000"), DirectTarget: dec("20000"), RewardValue: dec("200"), SortOrder: 1},
		},
	}
}

type harness struct {
	store       *memStore
	rewards     *memRewards
	executions  *memExecutions
	outbox      *memOutbox
	locker      *memLocker
	distributor *Distributor
}

func newHarness(t *testing.T, rate string) *harness {
	t.Helper()
	h := &harness{
		store:      newMemStore(),
		rewards:    &memRewards{},
		executions: newMemExecutions(),
		outbox:     &memOutbox{},
		locker:     newMemLocker(),
	}
	h.store.plan = testPlan()
	h.store.addUser(testRootUserID, 0)
	h.distributor = NewDistributor(Stores{
		Users:       h.store,
		Investments: h.store,
		Incomes:     h.store,
		Rewards:     h.rewards,
		Plans:       h.store,
		Executions:  h.executions,
		Ledger:      h.store,
		Outbox:      h.outbox,
	}, h.locker, Options{
		Workers:          4,
		PageSize:         7,
		RootUserID:       testRootUserID,
		MaxRunDuration:   time.Minute,
		JobFinishedTopic: "income.job.finished",
		Rates:            fixedRate{rate: dec(rate)},
		Now:              func() time.Time { return testNow },
	}, zap.NewNop())
	return h
}
