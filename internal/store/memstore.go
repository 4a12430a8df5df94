package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/onboarding/model"
)

// MemoryStore is an in-memory Store. Transactions run one at a time against
// a copy of the state that replaces the live state on commit, so a failed
// transaction leaves nothing behind.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type memState struct {
	apps      map[int64]model.Application
	decisions map[int64][]model.StepDecision
	suppliers map[int64]model.Supplier
	accounts  map[string]model.Account
	blacklist []model.BlacklistEntry
	audit     []model.AuditEntry
	archives  map[int64]model.ArchiveRecord

	nextAppID       int64
	nextDecisionID  int64
	nextSupplierID  int64
	nextBlacklistID int64
	nextAuditID     int64
}

func newMemState() *memState {
	return &memState{
		apps:      make(map[int64]model.Application),
		decisions: make(map[int64][]model.StepDecision),
		suppliers: make(map[int64]model.Supplier),
		accounts:  make(map[string]model.Account),
		archives:  make(map[int64]model.ArchiveRecord),
	}
}

func (s *memState) clone() *memState {
	c := *s
	c.apps = maps.Clone(s.apps)
	c.decisions = make(map[int64][]model.StepDecision, len(s.decisions))
	for id, ds := range s.decisions {
		c.decisions[id] = slices.Clone(ds)
	}
	c.suppliers = maps.Clone(s.suppliers)
	c.accounts = maps.Clone(s.accounts)
	c.blacklist = slices.Clone(s.blacklist)
	c.audit = slices.Clone(s.audit)
	c.archives = maps.Clone(s.archives)
	return &c
}

// WithinTx runs fn against a private copy of the state.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, &memTx{memState: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() {}

// memTx holds the transaction's working copy. Locks are implicit because
// MemoryStore runs one transaction at a time.
type memTx struct {
	*memState
}

func (t *memTx) GetApplicationForUpdate(ctx context.Context, id int64) (model.Application, error) {
	return t.GetApplication(ctx, id)
}

func (t *memTx) LockPrefix(context.Context, string) error { return nil }

func (t *memTx) LockAuditChain(context.Context) error { return nil }

// --- applications ---

func (s *memState) CreateApplication(_ context.Context, app model.Application) (int64, error) {
	if app.SupplierCode != nil && s.codeTaken(*app.SupplierCode, 0) {
		return 0, fmt.Errorf("insert application: supplier code %q: %w", *app.SupplierCode, ErrRetryable)
	}
	s.nextAppID++
	app.ID = s.nextAppID
	app.Decisions = nil
	s.apps[app.ID] = app
	return app.ID, nil
}

func (s *memState) GetApplication(_ context.Context, id int64) (model.Application, error) {
	app, ok := s.apps[id]
	if !ok {
		return model.Application{}, model.NewNotFoundError(fmt.Sprintf("application %d not found", id))
	}
	app.Decisions = slices.Clone(s.decisions[id])
	return app, nil
}

func (s *memState) UpdateApplication(_ context.Context, app model.Application) error {
	existing, ok := s.apps[app.ID]
	if !ok {
		return model.NewNotFoundError(fmt.Sprintf("application %d not found", app.ID))
	}
	if existing.Version != app.Version {
		return model.NewConflictError(
			fmt.Sprintf("application %d version conflict (expected %d, got %d)", app.ID, app.Version, existing.Version),
		)
	}
	if app.SupplierCode != nil && s.codeTaken(*app.SupplierCode, app.ID) {
		return fmt.Errorf("update application: supplier code %q: %w", *app.SupplierCode, ErrRetryable)
	}
	app.Version++
	app.UpdatedAt = time.Now().UTC()
	app.Decisions = nil
	s.apps[app.ID] = app
	return nil
}

// codeTaken reports whether another application already holds code.
func (s *memState) codeTaken(code string, selfID int64) bool {
	for id, app := range s.apps {
		if id != selfID && app.SupplierCode != nil && *app.SupplierCode == code {
			return true
		}
	}
	return false
}

func (s *memState) AppendDecision(_ context.Context, d model.StepDecision) (int64, error) {
	if _, ok := s.apps[d.ApplicationID]; !ok {
		return 0, model.NewNotFoundError(fmt.Sprintf("application %d not found", d.ApplicationID))
	}
	s.nextDecisionID++
	d.ID = s.nextDecisionID
	s.decisions[d.ApplicationID] = append(s.decisions[d.ApplicationID], d)
	return d.ID, nil
}

func (s *memState) matches(app model.Application, f ApplicationFilter) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, app.Status) {
		return false
	}
	if f.ProcurementEmail != "" && !strings.EqualFold(app.Profile.ProcurementEmail, f.ProcurementEmail) {
		return false
	}
	if f.ContactEmail != "" && !strings.EqualFold(app.Profile.ContactEmail, f.ContactEmail) {
		return false
	}
	if f.TrackingAccountID != "" && app.TrackingAccountID != f.TrackingAccountID {
		return false
	}
	if f.TrackingToken != "" && app.TrackingToken != f.TrackingToken {
		return false
	}
	if f.ApprovedBy != "" {
		found := false
		for _, d := range s.decisions[app.ID] {
			if d.ActorID == f.ApprovedBy && d.Decision == model.DecisionApproved &&
				(f.ApprovedAtStep == "" || d.Step == f.ApprovedAtStep) {
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

func (s *memState) filtered(f ApplicationFilter) []model.Application {
	var out []model.Application
	for _, app := range s.apps {
		if s.matches(app, f) {
			out = append(out, app)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memState) ListApplications(_ context.Context, f ApplicationFilter) ([]model.Application, error) {
	out := s.filtered(f)
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memState) CountApplications(_ context.Context, f ApplicationFilter) (int, error) {
	return len(s.filtered(f)), nil
}

func (s *memState) FindOpenApplication(_ context.Context, field, value, excludeDraftToken string) (*model.Application, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	for _, app := range s.filtered(ApplicationFilter{}) {
		if app.IsTerminal() {
			continue
		}
		if excludeDraftToken != "" && app.DraftToken != nil && *app.DraftToken == excludeDraftToken {
			continue
		}
		var candidate string
		switch field {
		case MatchCreditCode:
			candidate = app.Profile.BusinessRegistrationNumber
		case MatchContactEmail:
			candidate = app.Profile.ContactEmail
		default:
			return nil, fmt.Errorf("find open application: unknown field %q", field)
		}
		if strings.EqualFold(strings.TrimSpace(candidate), value) {
			return &app, nil
		}
	}
	return nil, nil
}

// --- codes ---

func (s *memState) MaxCode(_ context.Context, prefix string, length int) (string, error) {
	best := ""
	consider := func(code string) {
		if len(code) == length && strings.HasPrefix(code, prefix) && allDigits(code) && code > best {
			best = code
		}
	}
	for _, app := range s.apps {
		if app.SupplierCode != nil {
			consider(*app.SupplierCode)
		}
	}
	for _, sup := range s.suppliers {
		consider(sup.CompanyID)
		consider(sup.SupplierCode)
	}
	return best, nil
}

func (s *memState) CodeExists(_ context.Context, code string) (bool, error) {
	for _, app := range s.apps {
		if app.SupplierCode != nil && *app.SupplierCode == code {
			return true, nil
		}
	}
	for _, sup := range s.suppliers {
		if sup.CompanyID == code || sup.SupplierCode == code {
			return true, nil
		}
	}
	return false, nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// --- suppliers ---

func (s *memState) CreateSupplier(_ context.Context, sup model.Supplier) (int64, error) {
	for _, existing := range s.suppliers {
		if existing.SupplierCode == sup.SupplierCode || existing.CompanyID == sup.CompanyID {
			return 0, fmt.Errorf("insert supplier: code %q: %w", sup.SupplierCode, ErrRetryable)
		}
	}
	s.nextSupplierID++
	sup.ID = s.nextSupplierID
	if sup.CreatedAt.IsZero() {
		sup.CreatedAt = time.Now().UTC()
	}
	s.suppliers[sup.ID] = sup
	return sup.ID, nil
}

func (s *memState) GetSupplier(_ context.Context, id int64) (model.Supplier, error) {
	sup, ok := s.suppliers[id]
	if !ok {
		return model.Supplier{}, model.NewNotFoundError(fmt.Sprintf("supplier %d not found", id))
	}
	return sup, nil
}

// --- accounts ---

func (s *memState) GetAccount(_ context.Context, id string) (model.Account, error) {
	a, ok := s.accounts[id]
	if !ok {
		return model.Account{}, model.NewNotFoundError(fmt.Sprintf("account %q not found", id))
	}
	return a, nil
}

func (s *memState) AccountByUsername(_ context.Context, username string) (*model.Account, error) {
	for _, a := range s.accounts {
		if strings.EqualFold(a.Username, username) {
			return &a, nil
		}
	}
	return nil, nil
}

func (s *memState) AccountByEmail(_ context.Context, email, role string) (*model.Account, error) {
	for _, id := range slices.Sorted(maps.Keys(s.accounts)) {
		a := s.accounts[id]
		if strings.EqualFold(a.Email, email) && (role == "" || model.NormalizeRole(a.Role) == role) {
			return &a, nil
		}
	}
	return nil, nil
}

func (s *memState) AccountsByRole(_ context.Context, role string) ([]model.Account, error) {
	var out []model.Account
	for _, id := range slices.Sorted(maps.Keys(s.accounts)) {
		if a := s.accounts[id]; model.NormalizeRole(a.Role) == role {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *memState) SaveAccount(_ context.Context, a model.Account) error {
	for id, existing := range s.accounts {
		if id != a.ID && a.Username != "" && strings.EqualFold(existing.Username, a.Username) {
			return model.NewConflictError(fmt.Sprintf("username %q already in use", a.Username))
		}
	}
	now := time.Now().UTC()
	if prev, ok := s.accounts[a.ID]; ok {
		a.CreatedAt = prev.CreatedAt
	} else if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	s.accounts[a.ID] = a
	return nil
}

// --- blacklist ---

func (s *memState) FindBlacklistEntry(_ context.Context, typ, value string, now time.Time) (*model.BlacklistEntry, error) {
	var hit *model.BlacklistEntry
	for _, e := range s.blacklist {
		if e.Type != typ || !strings.EqualFold(e.Value, strings.TrimSpace(value)) || !e.InEffect(now) {
			continue
		}
		if hit == nil || (e.Severity == model.SeverityCritical && hit.Severity != model.SeverityCritical) {
			hit = &e
		}
	}
	return hit, nil
}

func (s *memState) AddBlacklistEntry(_ context.Context, e model.BlacklistEntry) (int64, error) {
	s.nextBlacklistID++
	e.ID = s.nextBlacklistID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.blacklist = append(s.blacklist, e)
	return e.ID, nil
}

// --- audit ---

func (s *memState) LastAuditEntry(context.Context) (*model.AuditEntry, error) {
	if len(s.audit) == 0 {
		return nil, nil
	}
	e := cloneEntry(s.audit[len(s.audit)-1])
	return &e, nil
}

// cloneEntry detaches e from the stored row so callers cannot rewrite
// history through a returned value.
func cloneEntry(e model.AuditEntry) model.AuditEntry {
	e.Changes = slices.Clone(e.Changes)
	return e
}

func (s *memState) InsertAuditEntry(_ context.Context, e model.AuditEntry) (int64, error) {
	for _, existing := range s.audit {
		if existing.PreviousHash == e.PreviousHash {
			return 0, fmt.Errorf("insert audit entry: previous hash already linked: %w", ErrRetryable)
		}
	}
	s.nextAuditID++
	e.ID = s.nextAuditID
	e.Changes = slices.Clone(e.Changes)
	s.audit = append(s.audit, e)
	return e.ID, nil
}

func (s *memState) GetAuditEntry(_ context.Context, id int64) (model.AuditEntry, error) {
	for _, e := range s.audit {
		if e.ID == id {
			return cloneEntry(e), nil
		}
	}
	return model.AuditEntry{}, model.NewNotFoundError(fmt.Sprintf("audit entry %d not found", id))
}

func (s *memState) ListAuditEntries(_ context.Context, r model.AuditRange) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	for _, e := range s.audit {
		if r.Contains(e.ID) {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (s *memState) AuditEntriesForEntity(_ context.Context, entityType, entityID string) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	for _, e := range s.audit {
		if e.EntityType == entityType && e.EntityID == entityID {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func (s *memState) SaveArchiveRecord(_ context.Context, rec model.ArchiveRecord) error {
	if _, ok := s.archives[rec.AuditLogID]; !ok {
		found := false
		for _, e := range s.audit {
			if e.ID == rec.AuditLogID {
				found = true
				break
			}
		}
		if !found {
			return model.NewNotFoundError(fmt.Sprintf("audit entry %d not found", rec.AuditLogID))
		}
	}
	s.archives[rec.AuditLogID] = rec
	return nil
}

func (s *memState) GetArchiveRecord(_ context.Context, auditLogID int64) (model.ArchiveRecord, error) {
	rec, ok := s.archives[auditLogID]
	if !ok {
		return model.ArchiveRecord{}, model.NewNotFoundError(fmt.Sprintf("audit entry %d has not been archived", auditLogID))
	}
	return rec, nil
}

// --- Queries outside a transaction ---

func (s *MemoryStore) CreateApplication(ctx context.Context, app model.Application) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CreateApplication(ctx, app)
}

func (s *MemoryStore) GetApplication(ctx context.Context, id int64) (model.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetApplication(ctx, id)
}

func (s *MemoryStore) UpdateApplication(ctx context.Context, app model.Application) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UpdateApplication(ctx, app)
}

func (s *MemoryStore) AppendDecision(ctx context.Context, d model.StepDecision) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AppendDecision(ctx, d)
}

func (s *MemoryStore) ListApplications(ctx context.Context, f ApplicationFilter) ([]model.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListApplications(ctx, f)
}

func (s *MemoryStore) CountApplications(ctx context.Context, f ApplicationFilter) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CountApplications(ctx, f)
}

func (s *MemoryStore) FindOpenApplication(ctx context.Context, field, value, excludeDraftToken string) (*model.Application, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.FindOpenApplication(ctx, field, value, excludeDraftToken)
}

func (s *MemoryStore) MaxCode(ctx context.Context, prefix string, length int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.MaxCode(ctx, prefix, length)
}

func (s *MemoryStore) CodeExists(ctx context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CodeExists(ctx, code)
}

func (s *MemoryStore) CreateSupplier(ctx context.Context, sup model.Supplier) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CreateSupplier(ctx, sup)
}

func (s *MemoryStore) GetSupplier(ctx context.Context, id int64) (model.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetSupplier(ctx, id)
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetAccount(ctx, id)
}

func (s *MemoryStore) AccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AccountByUsername(ctx, username)
}

func (s *MemoryStore) AccountByEmail(ctx context.Context, email, role string) (*model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AccountByEmail(ctx, email, role)
}

func (s *MemoryStore) AccountsByRole(ctx context.Context, role string) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AccountsByRole(ctx, role)
}

func (s *MemoryStore) SaveAccount(ctx context.Context, a model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SaveAccount(ctx, a)
}

func (s *MemoryStore) FindBlacklistEntry(ctx context.Context, typ, value string, now time.Time) (*model.BlacklistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.FindBlacklistEntry(ctx, typ, value, now)
}

func (s *MemoryStore) AddBlacklistEntry(ctx context.Context, e model.BlacklistEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AddBlacklistEntry(ctx, e)
}

func (s *MemoryStore) LastAuditEntry(ctx context.Context) (*model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LastAuditEntry(ctx)
}

func (s *MemoryStore) InsertAuditEntry(ctx context.Context, e model.AuditEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.InsertAuditEntry(ctx, e)
}

func (s *MemoryStore) GetAuditEntry(ctx context.Context, id int64) (model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetAuditEntry(ctx, id)
}

func (s *MemoryStore) ListAuditEntries(ctx context.Context, r model.AuditRange) ([]model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.ListAuditEntries(ctx, r)
}

func (s *MemoryStore) AuditEntriesForEntity(ctx context.Context, entityType, entityID string) ([]model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.AuditEntriesForEntity(ctx, entityType, entityID)
}

func (s *MemoryStore) SaveArchiveRecord(ctx context.Context, rec model.ArchiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.SaveArchiveRecord(ctx, rec)
}

func (s *MemoryStore) GetArchiveRecord(ctx context.Context, auditLogID int64) (model.ArchiveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.GetArchiveRecord(ctx, auditLogID)
}
