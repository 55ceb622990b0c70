// internal/repository/memory.go
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"compensation-engine/internal/models"
)

// MemoryStore keeps the ledger in process. Units of work are serialised and
// roll back by restoring a snapshot taken before fn runs.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memoryState
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemoryState()}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(s.state); err != nil {
		s.state = snapshot
		return err
	}
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.state)
}

type memoryState struct {
	members     map[string]*models.Member
	orders      map[string]*models.Order
	cvEntries   []*models.CVLedgerEntry
	summaries   map[string]*models.MonthlySummary
	commissions []*models.CommissionLedgerEntry
	balances    map[string]*models.CommissionBalance
	royalties   map[string]*models.RoyaltyLink
	levelLog    []*models.LevelHistoryEntry
	compression []*models.CompressionLogEntry
}

func newMemoryState() *memoryState {
	return &memoryState{
		members:   map[string]*models.Member{},
		orders:    map[string]*models.Order{},
		summaries: map[string]*models.MonthlySummary{},
		balances:  map[string]*models.CommissionBalance{},
		royalties: map[string]*models.RoyaltyLink{},
	}
}

// clone copies every mutable record. Ledger slices are append-only so
// their elements are shared and only the slice headers are cut.
func (st *memoryState) clone() *memoryState {
	c := newMemoryState()
	for k, m := range st.members {
		c.members[k] = m.Clone()
	}
	for k, o := range st.orders {
		oc := *o
		c.orders[k] = &oc
	}
	for k, s := range st.summaries {
		c.summaries[k] = s.Clone()
	}
	for k, b := range st.balances {
		bc := *b
		c.balances[k] = &bc
	}
	for k, r := range st.royalties {
		rc := *r
		c.royalties[k] = &rc
	}
	c.cvEntries = st.cvEntries[:len(st.cvEntries):len(st.cvEntries)]
	c.commissions = st.commissions[:len(st.commissions):len(st.commissions)]
	c.levelLog = st.levelLog[:len(st.levelLog):len(st.levelLog)]
	c.compression = st.compression[:len(st.compression):len(st.compression)]
	return c
}

func summaryKey(memberID, monthTag string) string {
	return memberID + "|" + monthTag
}

func (st *memoryState) GetMember(ctx context.Context, id string) (*models.Member, error) {
	m, ok := st.members[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (st *memoryState) LockMember(ctx context.Context, id string) (*models.Member, error) {
	return st.GetMember(ctx, id)
}

func (st *memoryState) ListMembers(ctx context.Context) ([]*models.Member, error) {
	out := make([]*models.Member, 0, len(st.members))
	for _, m := range st.members {
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *memoryState) ListChildren(ctx context.Context, sponsorID string) ([]*models.Member, error) {
	var out []*models.Member
	for _, m := range st.members {
		if m.SponsorID != nil && *m.SponsorID == sponsorID {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *memoryState) ListSubtree(ctx context.Context, rootID string) ([]*models.Member, error) {
	root, ok := st.members[rootID]
	if !ok {
		return nil, nil
	}
	children := make(map[string][]string, len(st.members))
	for _, m := range st.members {
		if m.SponsorID != nil {
			children[*m.SponsorID] = append(children[*m.SponsorID], m.ID)
		}
	}
	seen := map[string]bool{rootID: true}
	out := []*models.Member{root.Clone()}
	for i := 0; i < len(out); i++ {
		for _, id := range children[out[i].ID] {
			if !seen[id] {
				seen[id] = true
				out = append(out, st.members[id].Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (st *memoryState) CreateMember(ctx context.Context, m *models.Member) error {
	if _, ok := st.members[m.ID]; ok {
		return ErrAlreadyExists
	}
	st.members[m.ID] = m.Clone()
	return nil
}

func (st *memoryState) UpdateMember(ctx context.Context, m *models.Member) error {
	if _, ok := st.members[m.ID]; !ok {
		return ErrNotFound
	}
	st.members[m.ID] = m.Clone()
	return nil
}

func (st *memoryState) InsertOrder(ctx context.Context, o *models.Order) (bool, error) {
	if _, ok := st.orders[o.ID]; ok {
		return false, nil
	}
	oc := *o
	st.orders[o.ID] = &oc
	return true, nil
}

func (st *memoryState) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	o, ok := st.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	oc := *o
	return &oc, nil
}

func (st *memoryState) MarkOrderReversed(ctx context.Context, id string, status models.OrderStatus, reason string, at time.Time) (bool, error) {
	o, ok := st.orders[id]
	if !ok {
		return false, ErrNotFound
	}
	if o.Status != models.OrderStatusPaid {
		return false, nil
	}
	oc := *o
	oc.Status = status
	oc.ReversalReason = reason
	oc.ReversedAt = &at
	st.orders[id] = &oc
	return true, nil
}

func (st *memoryState) InsertCVEntries(ctx context.Context, entries []*models.CVLedgerEntry) error {
	for _, e := range entries {
		ec := *e
		st.cvEntries = append(st.cvEntries, &ec)
	}
	return nil
}

func (st *memoryState) ListCVEntriesByOrder(ctx context.Context, orderID string) ([]*models.CVLedgerEntry, error) {
	var out []*models.CVLedgerEntry
	for _, e := range st.cvEntries {
		if e.OrderID != nil && *e.OrderID == orderID {
			ec := *e
			out = append(out, &ec)
		}
	}
	return out, nil
}

func (st *memoryState) ListCVEntries(ctx context.Context, memberID, monthTag string) ([]*models.CVLedgerEntry, error) {
	var out []*models.CVLedgerEntry
	for _, e := range st.cvEntries {
		if e.MemberID != memberID || (monthTag != "" && e.MonthTag != monthTag) {
			continue
		}
		ec := *e
		out = append(out, &ec)
	}
	return out, nil
}

func (st *memoryState) SumCV(ctx context.Context, memberID, monthTag string) (decimal.Decimal, int, error) {
	total := decimal.Zero
	ordered := map[string]bool{}
	reversed := map[string]bool{}
	for _, e := range st.cvEntries {
		if e.MemberID != memberID || e.MonthTag != monthTag {
			continue
		}
		total = total.Add(e.CVAmount)
		if e.OrderID == nil {
			continue
		}
		switch e.CVType {
		case models.CVTypeOrder:
			ordered[*e.OrderID] = true
		case models.CVTypeReversal:
			reversed[*e.OrderID] = true
		}
	}
	return total, len(ordered) - len(reversed), nil
}

func (st *memoryState) GetMonthlySummary(ctx context.Context, memberID, monthTag string) (*models.MonthlySummary, error) {
	s, ok := st.summaries[summaryKey(memberID, monthTag)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (st *memoryState) UpsertMonthlySummary(ctx context.Context, s *models.MonthlySummary) error {
	st.summaries[summaryKey(s.MemberID, s.MonthTag)] = s.Clone()
	return nil
}

func (st *memoryState) AddToMonthlySummary(ctx context.Context, memberID, monthTag string, cv decimal.Decimal, orders int) error {
	key := summaryKey(memberID, monthTag)
	s, ok := st.summaries[key]
	if !ok {
		s = &models.MonthlySummary{MemberID: memberID, MonthTag: monthTag}
	} else {
		s = s.Clone()
	}
	s.TotalCV = s.TotalCV.Add(cv)
	s.OrdersCount += orders
	st.summaries[key] = s
	return nil
}

func (st *memoryState) ListMonthlySummaries(ctx context.Context, memberID string) ([]*models.MonthlySummary, error) {
	var out []*models.MonthlySummary
	for _, s := range st.summaries {
		if s.MemberID == memberID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MonthTag > out[j].MonthTag })
	return out, nil
}

func (st *memoryState) ListSummariesByMonth(ctx context.Context, monthTag string) ([]*models.MonthlySummary, error) {
	var out []*models.MonthlySummary
	for _, s := range st.summaries {
		if s.MonthTag == monthTag {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out, nil
}

func (st *memoryState) InsertCommissions(ctx context.Context, entries []*models.CommissionLedgerEntry) error {
	for _, e := range entries {
		ec := *e
		st.commissions = append(st.commissions, &ec)
	}
	return nil
}

func (st *memoryState) ListCommissionsByOrder(ctx context.Context, orderID string) ([]*models.CommissionLedgerEntry, error) {
	var out []*models.CommissionLedgerEntry
	for _, e := range st.commissions {
		if e.SourceOrderID != nil && *e.SourceOrderID == orderID {
			ec := *e
			out = append(out, &ec)
		}
	}
	return out, nil
}

func (st *memoryState) ListCommissions(ctx context.Context, memberID string) ([]*models.CommissionLedgerEntry, error) {
	var out []*models.CommissionLedgerEntry
	for _, e := range st.commissions {
		if e.MemberID == memberID {
			ec := *e
			out = append(out, &ec)
		}
	}
	return out, nil
}

func (st *memoryState) SumCommissions(ctx context.Context, memberID string, commissionType models.CommissionType) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range st.commissions {
		if e.MemberID == memberID && e.CommissionType == commissionType {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (st *memoryState) GetBalance(ctx context.Context, memberID string) (*models.CommissionBalance, error) {
	b, ok := st.balances[memberID]
	if !ok {
		return &models.CommissionBalance{MemberID: memberID}, nil
	}
	bc := *b
	return &bc, nil
}

func (st *memoryState) AdjustBalance(ctx context.Context, memberID string, delta BalanceDelta) error {
	b, ok := st.balances[memberID]
	if !ok {
		b = &models.CommissionBalance{MemberID: memberID}
	} else {
		bc := *b
		b = &bc
	}
	b.TotalEarned = b.TotalEarned.Add(delta.Earned)
	b.TotalWithdrawn = b.TotalWithdrawn.Add(delta.Withdrawn)
	b.AvailableBalance = b.AvailableBalance.Add(delta.Available)
	b.PendingBalance = b.PendingBalance.Add(delta.Pending)
	b.UpdatedAt = time.Now()
	st.balances[memberID] = b
	return nil
}

func (st *memoryState) InsertRoyaltyLink(ctx context.Context, link *models.RoyaltyLink) (bool, error) {
	if _, ok := st.royalties[link.HeadID]; ok {
		return false, nil
	}
	lc := *link
	st.royalties[link.HeadID] = &lc
	return true, nil
}

func (st *memoryState) ListRoyaltyLinks(ctx context.Context, headIDs []string) ([]*models.RoyaltyLink, error) {
	var out []*models.RoyaltyLink
	for _, id := range headIDs {
		if l, ok := st.royalties[id]; ok {
			lc := *l
			out = append(out, &lc)
		}
	}
	return out, nil
}

func (st *memoryState) InsertLevelHistory(ctx context.Context, e *models.LevelHistoryEntry) error {
	ec := *e
	st.levelLog = append(st.levelLog, &ec)
	return nil
}

func (st *memoryState) ListLevelHistory(ctx context.Context, memberID string) ([]*models.LevelHistoryEntry, error) {
	var out []*models.LevelHistoryEntry
	for _, e := range st.levelLog {
		if e.MemberID == memberID {
			ec := *e
			out = append(out, &ec)
		}
	}
	return out, nil
}

func (st *memoryState) InsertCompressionLog(ctx context.Context, e *models.CompressionLogEntry) error {
	ec := *e
	ec.RecruitsMoved = append([]string(nil), e.RecruitsMoved...)
	st.compression = append(st.compression, &ec)
	return nil
}

func (st *memoryState) ListCompressionLog(ctx context.Context) ([]*models.CompressionLogEntry, error) {
	out := make([]*models.CompressionLogEntry, 0, len(st.compression))
	for _, e := range st.compression {
		ec := *e
		out = append(out, &ec)
	}
	return out, nil
}
