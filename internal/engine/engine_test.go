package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/manishjadhav9/fundchain/internal/ledger"
	"github.com/manishjadhav9/fundchain/internal/model"
	"github.com/manishjadhav9/fundchain/internal/repository"
	"github.com/manishjadhav9/fundchain/internal/validation"
)

type donationRec struct {
	campaignID string
	amount     int64
	confirmed  bool
}

type stubRepo struct {
	mu          sync.Mutex
	users       map[string]*model.User
	campaigns   map[string]*repository.CachedCampaign
	donations   map[string]*donationRec
	withdrawals map[string]map[string]int64
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		users:       make(map[string]*model.User),
		campaigns:   make(map[string]*repository.CachedCampaign),
		donations:   make(map[string]*donationRec),
		withdrawals: make(map[string]map[string]int64),
	}
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte, isAdmin bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[login]; ok {
		return 0, repository.ErrUserExists
	}
	u := &model.User{ID: int64(len(s.users) + 1), Login: login, PasswordHash: passwordHash, IsAdmin: isAdmin}
	s.users[login] = u
	return u.ID, nil
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[login]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return u, nil
}

func cloneCampaign(cc *repository.CachedCampaign) *repository.CachedCampaign {
	cp := *cc
	cp.Campaign.Milestones = append([]model.Milestone(nil), cc.Campaign.Milestones...)
	cp.Campaign.DocumentRefs = append([]string(nil), cc.Campaign.DocumentRefs...)
	return &cp
}

func (s *stubRepo) SaveCampaign(ctx context.Context, cc *repository.CachedCampaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.campaigns[cc.Campaign.ID] = cloneCampaign(cc)
	return nil
}

func (s *stubRepo) GetCampaign(ctx context.Context, id string) (*repository.CachedCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.campaigns[id]
	if !ok {
		return nil, repository.ErrCampaignNotFound
	}
	return cloneCampaign(cc), nil
}

func (s *stubRepo) ListCampaigns(ctx context.Context, status *model.CampaignStatus) ([]repository.CachedCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []repository.CachedCampaign
	for _, cc := range s.campaigns {
		if status != nil && cc.Campaign.Status != *status {
			continue
		}
		res = append(res, *cloneCampaign(cc))
	}
	return res, nil
}

func (s *stubRepo) DeleteCampaign(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.campaigns, id)
	return nil
}

func (s *stubRepo) ApplyDonation(ctx context.Context, id string, amountUnits int64, key string, confirmed bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.campaigns[id]
	if !ok {
		return false, repository.ErrCampaignNotFound
	}
	if _, dup := s.donations[key]; dup {
		return false, nil
	}
	s.donations[key] = &donationRec{campaignID: id, amount: amountUnits, confirmed: confirmed}
	cc.Campaign.RaisedUnits += amountUnits
	cc.Campaign.DonorCount++
	if !confirmed {
		cc.PendingSync = true
	}
	return true, nil
}

func (s *stubRepo) CompleteMilestone(ctx context.Context, id string, idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.campaigns[id]
	if !ok {
		return repository.ErrCampaignNotFound
	}
	if idx < 0 || idx >= len(cc.Campaign.Milestones) {
		return repository.ErrMilestoneNotFound
	}
	cc.Campaign.Milestones[idx].IsCompleted = true
	return nil
}

func (s *stubRepo) UpdateStatus(ctx context.Context, id string, status model.CampaignStatus, statusPending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.campaigns[id]
	if !ok {
		return repository.ErrCampaignNotFound
	}
	cc.Campaign.Status = status
	cc.StatusPending = statusPending
	cc.PendingSync = cc.PendingSync || statusPending
	return nil
}

func (s *stubRepo) CreateWithdrawal(ctx context.Context, id string, amountUnits int64, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.campaigns[id]
	if !ok {
		return repository.ErrCampaignNotFound
	}
	byKey := s.withdrawals[id]
	if byKey == nil {
		byKey = make(map[string]int64)
		s.withdrawals[id] = byKey
	}
	if _, dup := byKey[key]; dup {
		return nil
	}
	var total int64
	for _, v := range byKey {
		total += v
	}
	if amountUnits > cc.Campaign.RaisedUnits-total {
		return repository.ErrInsufficientFunds
	}
	byKey[key] = amountUnits
	return nil
}

func (s *stubRepo) WithdrawnTotal(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, v := range s.withdrawals[id] {
		total += v
	}
	return total, nil
}

func (s *stubRepo) ListPendingSync(ctx context.Context, limit int) ([]repository.CachedCampaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []repository.CachedCampaign
	for _, cc := range s.campaigns {
		if cc.PendingSync && len(res) < limit {
			res = append(res, *cloneCampaign(cc))
		}
	}
	return res, nil
}

func (s *stubRepo) PendingDonations(ctx context.Context, id string) ([]repository.PendingDonation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []repository.PendingDonation
	for key, d := range s.donations {
		if d.campaignID == id && !d.confirmed {
			res = append(res, repository.PendingDonation{AmountUnits: d.amount, IdempotencyKey: key})
		}
	}
	return res, nil
}

func (s *stubRepo) MarkDonationConfirmed(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.donations[key]; ok {
		d.confirmed = true
	}
	return nil
}

func (s *stubRepo) MarkCampaignConfirmed(ctx context.Context, oldID, ledgerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.campaigns[oldID]
	if !ok {
		return repository.ErrCampaignNotFound
	}
	delete(s.campaigns, oldID)
	cc.Campaign.ID = ledgerID
	cc.Confirmed = true
	s.campaigns[ledgerID] = cc
	for _, d := range s.donations {
		if d.campaignID == oldID {
			d.campaignID = ledgerID
		}
	}
	return nil
}

func (s *stubRepo) RecalcPendingSync(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.campaigns[id]
	if !ok {
		return repository.ErrCampaignNotFound
	}
	pending := cc.StatusPending || !cc.Confirmed
	for _, d := range s.donations {
		if d.campaignID == id && !d.confirmed {
			pending = true
		}
	}
	cc.PendingSync = pending
	return nil
}

type stubLedger struct {
	mu          sync.Mutex
	unreachable bool
	rejectWith  error

	nextID  string
	records map[string]*model.Campaign

	createCalls   int
	verifyCalls   int
	donateCalls   int
	completeCalls int
	withdrawCalls int
}

func newStubLedger() *stubLedger {
	return &stubLedger{records: make(map[string]*model.Campaign), nextID: "0xledger1"}
}

func (l *stubLedger) SubmitCreate(ctx context.Context, params ledger.CreateParams) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.createCalls++
	if l.unreachable {
		return ledger.NewLocalID(), false, nil
	}
	id := l.nextID
	c := &model.Campaign{
		ID:           id,
		Title:        params.Title,
		Description:  params.Description,
		CampaignType: params.CampaignType,
		TargetUnits:  params.TargetUnits,
		Status:       model.StatusOpen,
		Owner:        params.Owner,
		Milestones:   append([]model.Milestone(nil), params.Milestones...),
	}
	l.records[id] = c
	return id, true, nil
}

func (l *stubLedger) ReadCampaign(ctx context.Context, id string) (*model.Campaign, model.RecordSource, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unreachable {
		return nil, "", ledger.ErrLedgerUnavailable
	}
	if c, ok := l.records[id]; ok {
		cp := *c
		cp.Milestones = append([]model.Milestone(nil), c.Milestones...)
		return &cp, model.SourceLedgerConfirmed, nil
	}
	return ledger.Synthesize(id), model.SourceSynthesized, nil
}

func (l *stubLedger) mutation(calls *int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	*calls++
	if l.unreachable {
		return ledger.ErrLedgerUnreachable
	}
	if l.rejectWith != nil {
		return l.rejectWith
	}
	return nil
}

func (l *stubLedger) SubmitVerify(ctx context.Context, id string) error {
	if err := l.mutation(&l.verifyCalls); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.records[id]; ok {
		c.Status = model.StatusVerified
	}
	return nil
}

func (l *stubLedger) SubmitDonate(ctx context.Context, id string, amountUnits int64, key string) error {
	if err := l.mutation(&l.donateCalls); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.records[id]; ok {
		c.RaisedUnits += amountUnits
		c.DonorCount++
	}
	return nil
}

func (l *stubLedger) SubmitCompleteMilestone(ctx context.Context, id string, idx int) error {
	return l.mutation(&l.completeCalls)
}

func (l *stubLedger) SubmitWithdraw(ctx context.Context, id string, amountUnits int64, key string) error {
	return l.mutation(&l.withdrawCalls)
}

func (l *stubLedger) ListCampaignIDs(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.unreachable {
		return nil, ledger.ErrLedgerUnavailable
	}
	var ids []string
	for id := range l.records {
		ids = append(ids, id)
	}
	return ids, nil
}

type stubResolver struct {
	data    map[string][]byte
	pinned  map[string]bool
	pinFail bool
}

func newStubResolver() *stubResolver {
	return &stubResolver{data: make(map[string][]byte), pinned: make(map[string]bool)}
}

func (r *stubResolver) Resolve(ctx context.Context, ref string) ([]byte, error) {
	if d, ok := r.data[ref]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("no data for %s", ref)
}

func (r *stubResolver) Pin(ctx context.Context, ref string) bool {
	if r.pinFail {
		return false
	}
	r.pinned[ref] = true
	return true
}

func (r *stubResolver) IsPinned(ctx context.Context, ref string) (bool, error) {
	return r.pinned[ref], nil
}

func newTestEngine() (*Engine, *stubRepo, *stubLedger, *stubResolver) {
	repo := newStubRepo()
	lg := newStubLedger()
	res := newStubResolver()
	return New(repo, lg, res, zap.NewNop()), repo, lg, res
}

func plan(amounts ...int64) []validation.MilestonePlan {
	var res []validation.MilestonePlan
	for i, a := range amounts {
		res = append(res, validation.MilestonePlan{Title: fmt.Sprintf("Stage %d", i+1), AmountUnits: a})
	}
	return res
}

func TestCreateCampaign_MilestoneSumEnforced(t *testing.T) {
	e, _, _, _ := newTestEngine()

	_, err := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title:        "Broken plan",
		CampaignType: model.TypeMedical,
		TargetUnits:  500,
		Milestones:   plan(300, 100),
	})
	if !errors.Is(err, validation.ErrMilestoneSumMismatch) {
		t.Fatalf("expected ErrMilestoneSumMismatch, got %v", err)
	}
}

func TestCreateCampaign_Confirmed(t *testing.T) {
	e, repo, _, res := newTestEngine()

	const imageRef = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"
	view, err := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title:        "Well",
		CampaignType: model.TypeNGO,
		TargetUnits:  500,
		ImageRef:     imageRef,
		Milestones:   plan(300, 200),
	})
	if err != nil {
		t.Fatalf("CreateCampaign error: %v", err)
	}
	if view.Campaign.Status != model.StatusOpen {
		t.Fatalf("status = %s, want OPEN", view.Campaign.Status)
	}
	if !view.Confirmed {
		t.Fatalf("view must be confirmed with reachable ledger")
	}
	if _, ok := repo.campaigns[view.Campaign.ID]; !ok {
		t.Fatalf("campaign must be cached")
	}
	if !res.pinned[imageRef] {
		t.Fatalf("image ref must be pinned")
	}
}

func TestCreateCampaign_UnreachableAcceptsLocally(t *testing.T) {
	e, repo, lg, _ := newTestEngine()
	lg.unreachable = true

	view, err := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title:        "Offline",
		CampaignType: model.TypeOther,
		TargetUnits:  100,
		Milestones:   plan(100),
	})
	if err != nil {
		t.Fatalf("CreateCampaign error: %v", err)
	}
	if view.Confirmed {
		t.Fatalf("view must be unconfirmed with unreachable ledger")
	}
	if !ledger.IsLocalID(view.Campaign.ID) {
		t.Fatalf("id = %s, want local surrogate", view.Campaign.ID)
	}
	cc := repo.campaigns[view.Campaign.ID]
	if cc == nil || !cc.PendingSync {
		t.Fatalf("campaign must be marked pending sync")
	}
}

func TestVerify_Idempotent(t *testing.T) {
	e, _, _, _ := newTestEngine()

	view, err := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title: "V", CampaignType: model.TypeMedical, TargetUnits: 100, Milestones: plan(100),
	})
	if err != nil {
		t.Fatalf("CreateCampaign error: %v", err)
	}

	first, err := e.Verify(context.Background(), view.Campaign.ID)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if first.Campaign.Status != model.StatusVerified {
		t.Fatalf("status = %s, want VERIFIED", first.Campaign.Status)
	}

	second, err := e.Verify(context.Background(), view.Campaign.ID)
	if err != nil {
		t.Fatalf("second Verify error: %v", err)
	}
	if second.Campaign.Status != first.Campaign.Status || second.Confirmed != first.Confirmed {
		t.Fatalf("repeated verify must return the same view: %+v vs %+v", first, second)
	}
}

func TestVerify_ClosedFails(t *testing.T) {
	e, _, _, _ := newTestEngine()

	view, _ := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title: "C", CampaignType: model.TypeMedical, TargetUnits: 100, Milestones: plan(100),
	})
	if _, err := e.CloseCampaign(context.Background(), view.Campaign.ID); err != nil {
		t.Fatalf("CloseCampaign error: %v", err)
	}

	if _, err := e.Verify(context.Background(), view.Campaign.ID); !errors.Is(err, ErrCampaignClosed) {
		t.Fatalf("expected ErrCampaignClosed, got %v", err)
	}
}

func TestVerify_UnreachableAcceptedLocally(t *testing.T) {
	e, repo, lg, _ := newTestEngine()

	view, _ := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title: "V", CampaignType: model.TypeMedical, TargetUnits: 100, Milestones: plan(100),
	})

	lg.unreachable = true
	res, err := e.Verify(context.Background(), view.Campaign.ID)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if res.Campaign.Status != model.StatusVerified {
		t.Fatalf("status = %s, want VERIFIED", res.Campaign.Status)
	}
	if res.Confirmed {
		t.Fatalf("locally accepted verify must be unconfirmed")
	}
	if lg.verifyCalls != 2 {
		t.Fatalf("verifyCalls = %d, want 2 (one retry)", lg.verifyCalls)
	}
	if !repo.campaigns[view.Campaign.ID].StatusPending {
		t.Fatalf("status transition must be pending sync")
	}
}

func TestDonate_ClosedCampaign(t *testing.T) {
	e, _, _, _ := newTestEngine()

	view, _ := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title: "D", CampaignType: model.TypeMedical, TargetUnits: 100, Milestones: plan(100),
	})
	e.CloseCampaign(context.Background(), view.Campaign.ID)

	if _, err := e.Donate(context.Background(), view.Campaign.ID, 100, ""); !errors.Is(err, ErrCampaignClosed) {
		t.Fatalf("expected ErrCampaignClosed, got %v", err)
	}
}

func TestDonate_ConcurrentNoLostUpdates(t *testing.T) {
	e, repo, _, _ := newTestEngine()

	view, _ := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title: "D", CampaignType: model.TypeMedical, TargetUnits: 10000, Milestones: plan(10000),
	})
	id := view.Campaign.ID

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.Donate(context.Background(), id, 1, fmt.Sprintf("key-%d", i)); err != nil {
				t.Errorf("Donate error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	cc := repo.campaigns[id]
	if cc.Campaign.RaisedUnits != n {
		t.Fatalf("raised = %d, want %d", cc.Campaign.RaisedUnits, n)
	}
	if cc.Campaign.DonorCount != n {
		t.Fatalf("donorCount = %d, want %d", cc.Campaign.DonorCount, n)
	}
}

func TestDonate_IdempotencyKeyDedupes(t *testing.T) {
	e, repo, _, _ := newTestEngine()

	view, _ := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title: "D", CampaignType: model.TypeMedical, TargetUnits: 1000, Milestones: plan(1000),
	})
	id := view.Campaign.ID

	if _, err := e.ConfirmPayment(context.Background(), id, 210, "pay-1"); err != nil {
		t.Fatalf("ConfirmPayment error: %v", err)
	}
	if _, err := e.ConfirmPayment(context.Background(), id, 210, "pay-1"); err != nil {
		t.Fatalf("repeated ConfirmPayment error: %v", err)
	}

	cc := repo.campaigns[id]
	if cc.Campaign.RaisedUnits != 210 || cc.Campaign.DonorCount != 1 {
		t.Fatalf("raised = %d donors = %d, want 210 and 1", cc.Campaign.RaisedUnits, cc.Campaign.DonorCount)
	}
}

func TestConfirmPayment_RequiresKey(t *testing.T) {
	e, _, _, _ := newTestEngine()

	if _, err := e.ConfirmPayment(context.Background(), "0x1", 100, ""); err == nil {
		t.Fatalf("expected error for missing idempotency key")
	}
}

func TestDonate_UnreachableAcceptedLocally(t *testing.T) {
	e, repo, lg, _ := newTestEngine()

	view, _ := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title: "D", CampaignType: model.TypeMedical, TargetUnits: 1000, Milestones: plan(1000),
	})
	id := view.Campaign.ID

	lg.unreachable = true
	res, err := e.Donate(context.Background(), id, 300, "off-1")
	if err != nil {
		t.Fatalf("Donate error: %v", err)
	}
	if res.Confirmed {
		t.Fatalf("locally accepted donation must be unconfirmed")
	}
	if lg.donateCalls != 2 {
		t.Fatalf("donateCalls = %d, want 2 (one retry)", lg.donateCalls)
	}

	cc := repo.campaigns[id]
	if cc.Campaign.RaisedUnits != 300 || !cc.PendingSync {
		t.Fatalf("donation must be applied locally and pending: %+v", cc)
	}
}

func TestCompleteMilestone_FailsClosedWhenUnreachable(t *testing.T) {
	e, repo, lg, _ := newTestEngine()

	view, _ := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title: "M", CampaignType: model.TypeMedical, TargetUnits: 500, Milestones: plan(300, 200),
	})
	id := view.Campaign.ID

	lg.unreachable = true
	_, err := e.CompleteMilestone(context.Background(), id, 0, "alice")
	if !errors.Is(err, ledger.ErrLedgerUnreachable) {
		t.Fatalf("expected ErrLedgerUnreachable, got %v", err)
	}
	if repo.campaigns[id].Campaign.Milestones[0].IsCompleted {
		t.Fatalf("milestone must not complete locally when the ledger is unreachable")
	}
}

func TestCompleteMilestone_OwnerOnlyAndIdempotent(t *testing.T) {
	e, _, _, _ := newTestEngine()

	view, _ := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title: "M", CampaignType: model.TypeMedical, TargetUnits: 500, Milestones: plan(300, 200),
	})
	id := view.Campaign.ID

	if _, err := e.CompleteMilestone(context.Background(), id, 0, "mallory"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if _, err := e.CompleteMilestone(context.Background(), id, 5, "alice"); !errors.Is(err, ErrMilestoneNotFound) {
		t.Fatalf("expected ErrMilestoneNotFound, got %v", err)
	}

	res, err := e.CompleteMilestone(context.Background(), id, 0, "alice")
	if err != nil {
		t.Fatalf("CompleteMilestone error: %v", err)
	}
	if !res.Campaign.Milestones[0].IsCompleted || res.Campaign.Milestones[1].IsCompleted {
		t.Fatalf("unexpected milestones: %+v", res.Campaign.Milestones)
	}

	// Повторное завершение — no-op успех.
	if _, err := e.CompleteMilestone(context.Background(), id, 0, "alice"); err != nil {
		t.Fatalf("repeated CompleteMilestone error: %v", err)
	}
}

func TestWithdraw_Checks(t *testing.T) {
	e, _, lg, _ := newTestEngine()

	view, _ := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title: "W", CampaignType: model.TypeMedical, TargetUnits: 1000, Milestones: plan(1000),
	})
	id := view.Campaign.ID
	e.Donate(context.Background(), id, 500, "d-1")

	if _, err := e.Withdraw(context.Background(), id, 100, "", "mallory"); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if _, err := e.Withdraw(context.Background(), id, 600, "", "alice"); !errors.Is(err, repository.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if _, err := e.Withdraw(context.Background(), id, 300, "w-1", "alice"); err != nil {
		t.Fatalf("Withdraw error: %v", err)
	}

	// Суммарный вывод не может превысить собранное.
	if _, err := e.Withdraw(context.Background(), id, 300, "w-2", "alice"); !errors.Is(err, repository.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds for cumulative overdraw, got %v", err)
	}

	lg.unreachable = true
	if _, err := e.Withdraw(context.Background(), id, 100, "w-3", "alice"); !errors.Is(err, ledger.ErrLedgerUnreachable) {
		t.Fatalf("expected ErrLedgerUnreachable, got %v", err)
	}
}

func TestGetCampaignView_DegradesToCache(t *testing.T) {
	e, _, lg, _ := newTestEngine()

	view, _ := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title: "Cache me", CampaignType: model.TypeEducation, TargetUnits: 100, Milestones: plan(100),
	})

	lg.unreachable = true
	got, err := e.GetCampaignView(context.Background(), view.Campaign.ID)
	if err != nil {
		t.Fatalf("GetCampaignView error: %v", err)
	}
	if got.Source != model.SourceLocalUnconfirmed {
		t.Fatalf("source = %s, want %s", got.Source, model.SourceLocalUnconfirmed)
	}
	if got.Campaign.Title != "Cache me" {
		t.Fatalf("title = %q", got.Campaign.Title)
	}
}

func TestGetCampaignView_UnknownEverywhere(t *testing.T) {
	e, _, lg, _ := newTestEngine()
	lg.unreachable = true

	if _, err := e.GetCampaignView(context.Background(), "0xmissing"); !errors.Is(err, ErrCampaignNotFound) {
		t.Fatalf("expected ErrCampaignNotFound, got %v", err)
	}
}

func TestGetCampaignView_SynthesizedPlaceholder(t *testing.T) {
	e, _, _, _ := newTestEngine()

	first, err := e.GetCampaignView(context.Background(), "0xunknown")
	if err != nil {
		t.Fatalf("GetCampaignView error: %v", err)
	}
	if first.Source != model.SourceSynthesized {
		t.Fatalf("source = %s, want %s", first.Source, model.SourceSynthesized)
	}

	second, _ := e.GetCampaignView(context.Background(), "0xunknown")
	if first.Campaign.Title != second.Campaign.Title || first.Campaign.TargetUnits != second.Campaign.TargetUnits {
		t.Fatalf("placeholder must be deterministic: %+v vs %+v", first.Campaign, second.Campaign)
	}
}

func TestGetCampaignView_MergePrecedence(t *testing.T) {
	e, repo, lg, _ := newTestEngine()

	// В леджере — финансовая правда без описательных полей.
	lg.records["0xm"] = &model.Campaign{
		ID:          "0xm",
		TargetUnits: 1000,
		RaisedUnits: 700,
		DonorCount:  3,
		Status:      model.StatusVerified,
	}
	// В кэше — описательные поля и устаревшие финансы.
	repo.campaigns["0xm"] = &repository.CachedCampaign{
		Campaign: model.Campaign{
			ID:          "0xm",
			Title:       "Local title",
			Description: "Local description",
			ImageRef:    "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG",
			RaisedUnits: 100,
			DonorCount:  1,
			Status:      model.StatusOpen,
			Owner:       "alice",
		},
		Confirmed: true,
	}

	got, err := e.GetCampaignView(context.Background(), "0xm")
	if err != nil {
		t.Fatalf("GetCampaignView error: %v", err)
	}
	if got.Source != model.SourceLedgerConfirmed {
		t.Fatalf("source = %s, want %s", got.Source, model.SourceLedgerConfirmed)
	}
	if got.Campaign.RaisedUnits != 700 || got.Campaign.DonorCount != 3 || got.Campaign.Status != model.StatusVerified {
		t.Fatalf("financial fields must come from the ledger: %+v", got.Campaign)
	}
	if got.Campaign.Title != "Local title" || got.Campaign.ImageRef == "" || got.Campaign.Owner != "alice" {
		t.Fatalf("descriptive fields must come from the cache: %+v", got.Campaign)
	}
}

func TestReconcile_ReplaysLocalState(t *testing.T) {
	e, repo, lg, _ := newTestEngine()
	lg.unreachable = true

	view, _ := e.CreateCampaign(context.Background(), "alice", CreateCampaignParams{
		Title: "Sync me", CampaignType: model.TypeNGO, TargetUnits: 1000, Milestones: plan(1000),
	})
	localID := view.Campaign.ID

	e.Verify(context.Background(), localID)
	e.Donate(context.Background(), localID, 250, "sync-d1")

	// Связь восстановилась.
	lg.unreachable = false
	e.reconcilePending(context.Background())

	if _, still := repo.campaigns[localID]; still {
		t.Fatalf("local id must be replaced by the ledger id")
	}

	cc, ok := repo.campaigns["0xledger1"]
	if !ok {
		t.Fatalf("campaign must live under the ledger id")
	}
	if !cc.Confirmed || cc.PendingSync || cc.StatusPending {
		t.Fatalf("campaign must be fully synced: %+v", cc)
	}
	if lg.records["0xledger1"].RaisedUnits != 250 {
		t.Fatalf("ledger raised = %d, want 250", lg.records["0xledger1"].RaisedUnits)
	}
	if lg.records["0xledger1"].Status != model.StatusVerified {
		t.Fatalf("ledger status = %s, want VERIFIED", lg.records["0xledger1"].Status)
	}
}

func TestImportFromLedger(t *testing.T) {
	e, repo, lg, _ := newTestEngine()

	lg.records["0xforeign"] = &model.Campaign{
		ID:          "0xforeign",
		Title:       "Created elsewhere",
		TargetUnits: 500,
		Status:      model.StatusVerified,
	}

	e.importFromLedger(context.Background())

	cc, ok := repo.campaigns["0xforeign"]
	if !ok {
		t.Fatalf("foreign campaign must be imported into the cache")
	}
	if !cc.Confirmed || cc.Campaign.Title != "Created elsewhere" {
		t.Fatalf("unexpected import: %+v", cc)
	}
}

func TestEscrowScenario(t *testing.T) {
	e, _, _, _ := newTestEngine()
	ctx := context.Background()

	view, err := e.CreateCampaign(ctx, "alice", CreateCampaignParams{
		Title:        "Scenario",
		CampaignType: model.TypeMedical,
		TargetUnits:  500,
		Milestones:   plan(300, 200),
	})
	if err != nil {
		t.Fatalf("CreateCampaign error: %v", err)
	}
	id := view.Campaign.ID
	if view.Campaign.Status != model.StatusOpen {
		t.Fatalf("status = %s, want OPEN", view.Campaign.Status)
	}

	if view, err = e.Verify(ctx, id); err != nil || view.Campaign.Status != model.StatusVerified {
		t.Fatalf("Verify: view=%+v err=%v", view, err)
	}

	if view, err = e.Donate(ctx, id, 210, ""); err != nil {
		t.Fatalf("Donate error: %v", err)
	}
	if view.Campaign.RaisedUnits != 210 || view.Campaign.DonorCount != 1 {
		t.Fatalf("raised = %d donors = %d, want 210 and 1", view.Campaign.RaisedUnits, view.Campaign.DonorCount)
	}

	if view, err = e.CompleteMilestone(ctx, id, 0, "alice"); err != nil {
		t.Fatalf("CompleteMilestone error: %v", err)
	}
	if !view.Campaign.Milestones[0].IsCompleted || view.Campaign.Milestones[1].IsCompleted {
		t.Fatalf("unexpected milestones: %+v", view.Campaign.Milestones)
	}
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}
