package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/onboarding/internal/config"
	"github.com/pitabwire/onboarding/model"
)

// SQLSTATE codes a caller may retry.
var retryableCodes = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"23505": true, // unique_violation
}

// wrapErr annotates err with op and marks retryable Postgres failures.
func wrapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && retryableCodes[pgErr.Code] {
		return fmt.Errorf("%s: %w: %w", op, ErrRetryable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is the PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pgQueries
	pool *pgxpool.Pool
}

// NewPgStore wraps an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pgQueries: pgQueries{db: pool}, pool: pool}
}

// OpenPostgres connects a pool sized from cfg and verifies it.
func OpenPostgres(ctx context.Context, cfg config.StoreConfig, dsn string) (*PgStore, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse DSN: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return NewPgStore(pool), nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Allocation and audit
// appends rely on advisory locks rather than serializable isolation.
func (s *PgStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return wrapErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{pgQueries{db: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapErr("commit transaction", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PgStore) Close() {
	s.pool.Close()
}

type pgTx struct {
	pgQueries
}

func (t *pgTx) GetApplicationForUpdate(ctx context.Context, id int64) (model.Application, error) {
	return t.getApplication(ctx, id, true)
}

func (t *pgTx) LockPrefix(ctx context.Context, prefix string) error {
	if _, err := t.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "supplier_code:"+prefix); err != nil {
		return wrapErr("lock prefix", err)
	}
	return nil
}

func (t *pgTx) LockAuditChain(ctx context.Context) error {
	if _, err := t.db.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('audit_logs'))`); err != nil {
		return wrapErr("lock audit chain", err)
	}
	return nil
}

// pgQueries implements Queries over either the pool or a transaction.
type pgQueries struct {
	db dbtx
}

// --- applications ---

const applicationColumns = `
	id, profile, classification, currency, status,
	supplier_code, supplier_id, tracking_account_id, draft_token, tracking_token,
	assigned_purchaser_id, assigned_purchaser_email,
	rejected_by, rejected_at, rejection_reason, activated_at,
	documents, version, created_at, updated_at`

func scanApplication(row pgx.Row) (model.Application, error) {
	var (
		app           model.Application
		profileJSON   []byte
		documentsJSON []byte
	)
	err := row.Scan(
		&app.ID, &profileJSON, &app.Classification, &app.Currency, &app.Status,
		&app.SupplierCode, &app.SupplierID, &app.TrackingAccountID, &app.DraftToken, &app.TrackingToken,
		&app.AssignedPurchaserID, &app.AssignedPurchaserEmail,
		&app.RejectedBy, &app.RejectedAt, &app.RejectionReason, &app.ActivatedAt,
		&documentsJSON, &app.Version, &app.CreatedAt, &app.UpdatedAt,
	)
	if err != nil {
		return model.Application{}, err
	}
	if err := json.Unmarshal(profileJSON, &app.Profile); err != nil {
		return model.Application{}, fmt.Errorf("unmarshal profile: %w", err)
	}
	if len(documentsJSON) > 0 {
		if err := json.Unmarshal(documentsJSON, &app.Documents); err != nil {
			return model.Application{}, fmt.Errorf("unmarshal documents: %w", err)
		}
	}
	return app, nil
}

func marshalApplication(app model.Application) (profile, documents []byte, err error) {
	profile, err = json.Marshal(app.Profile)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal profile: %w", err)
	}
	docs := app.Documents
	if docs == nil {
		docs = []model.DocumentRef{}
	}
	documents, err = json.Marshal(docs)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal documents: %w", err)
	}
	return profile, documents, nil
}

func (q pgQueries) CreateApplication(ctx context.Context, app model.Application) (int64, error) {
	profile, documents, err := marshalApplication(app)
	if err != nil {
		return 0, err
	}

	var id int64
	err = q.db.QueryRow(ctx, `
		INSERT INTO applications (
			profile, company_name, credit_code, contact_email, procurement_email,
			classification, currency, status, supplier_code, supplier_id,
			tracking_account_id, draft_token, tracking_token, assigned_purchaser_id, assigned_purchaser_email,
			documents, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, 0, $17, $17
		) RETURNING id`,
		profile, app.Profile.CompanyName, app.Profile.BusinessRegistrationNumber,
		app.Profile.ContactEmail, app.Profile.ProcurementEmail,
		app.Classification, app.Currency, app.Status, app.SupplierCode, app.SupplierID,
		app.TrackingAccountID, app.DraftToken, app.TrackingToken, app.AssignedPurchaserID, app.AssignedPurchaserEmail,
		documents, app.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("insert application", err)
	}
	return id, nil
}

func (q pgQueries) GetApplication(ctx context.Context, id int64) (model.Application, error) {
	return q.getApplication(ctx, id, false)
}

func (q pgQueries) getApplication(ctx context.Context, id int64, forUpdate bool) (model.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	app, err := scanApplication(q.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Application{}, model.NewNotFoundError(fmt.Sprintf("application %d not found", id))
	}
	if err != nil {
		return model.Application{}, wrapErr("query application", err)
	}

	app.Decisions, err = q.decisions(ctx, id)
	if err != nil {
		return model.Application{}, err
	}
	return app, nil
}

func (q pgQueries) decisions(ctx context.Context, applicationID int64) ([]model.StepDecision, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, application_id, step, decision, actor_id, actor_name, comment, created_at
		FROM application_decisions
		WHERE application_id = $1
		ORDER BY created_at ASC, id ASC`,
		applicationID,
	)
	if err != nil {
		return nil, wrapErr("query decisions", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.StepDecision, error) {
		var d model.StepDecision
		err := row.Scan(&d.ID, &d.ApplicationID, &d.Step, &d.Decision, &d.ActorID, &d.ActorName, &d.Comment, &d.CreatedAt)
		return d, err
	})
	if err != nil {
		return nil, wrapErr("scan decisions", err)
	}
	return out, nil
}

func (q pgQueries) UpdateApplication(ctx context.Context, app model.Application) error {
	profile, documents, err := marshalApplication(app)
	if err != nil {
		return err
	}

	tag, err := q.db.Exec(ctx, `
		UPDATE applications SET
			profile = $1,
			status = $2,
			supplier_code = $3,
			supplier_id = $4,
			tracking_account_id = $5,
			rejected_by = $6,
			rejected_at = $7,
			rejection_reason = $8,
			activated_at = $9,
			documents = $10,
			version = version + 1,
			updated_at = $11
		WHERE id = $12 AND version = $13`,
		profile, app.Status, app.SupplierCode, app.SupplierID, app.TrackingAccountID,
		app.RejectedBy, app.RejectedAt, app.RejectionReason, app.ActivatedAt,
		documents, time.Now().UTC(),
		app.ID, app.Version,
	)
	if err != nil {
		return wrapErr("update application", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(
			fmt.Sprintf("application %d version conflict (expected %d)", app.ID, app.Version),
		)
	}
	return nil
}

func (q pgQueries) AppendDecision(ctx context.Context, d model.StepDecision) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO application_decisions (
			application_id, step, decision, actor_id, actor_name, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		d.ApplicationID, d.Step, d.Decision, d.ActorID, d.ActorName, d.Comment, d.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("insert decision", err)
	}
	return id, nil
}

// where renders f as a SQL predicate over applications.
func (f ApplicationFilter) where() (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.Statuses) > 0 {
		conds = append(conds, "status = ANY("+arg(f.Statuses)+")")
	}
	if f.ProcurementEmail != "" {
		conds = append(conds, "lower(procurement_email) = lower("+arg(f.ProcurementEmail)+")")
	}
	if f.ContactEmail != "" {
		conds = append(conds, "lower(contact_email) = lower("+arg(f.ContactEmail)+")")
	}
	if f.TrackingAccountID != "" {
		conds = append(conds, "tracking_account_id = "+arg(f.TrackingAccountID))
	}
	if f.TrackingToken != "" {
		conds = append(conds, "tracking_token = "+arg(f.TrackingToken))
	}
	if f.ApprovedBy != "" {
		cond := `EXISTS (SELECT 1 FROM application_decisions d
			WHERE d.application_id = applications.id
			AND d.decision = 'approved'
			AND d.actor_id = ` + arg(f.ApprovedBy)
		if f.ApprovedAtStep != "" {
			cond += " AND d.step = " + arg(f.ApprovedAtStep)
		}
		conds = append(conds, cond+")")
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (q pgQueries) ListApplications(ctx context.Context, f ApplicationFilter) ([]model.Application, error) {
	where, args := f.where()
	query := `SELECT ` + applicationColumns + ` FROM applications` + where + ` ORDER BY id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list applications", err)
	}
	apps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Application, error) {
		return scanApplication(row)
	})
	if err != nil {
		return nil, wrapErr("scan applications", err)
	}
	return apps, nil
}

func (q pgQueries) CountApplications(ctx context.Context, f ApplicationFilter) (int, error) {
	where, args := f.where()
	var n int
	if err := q.db.QueryRow(ctx, `SELECT count(*) FROM applications`+where, args...).Scan(&n); err != nil {
		return 0, wrapErr("count applications", err)
	}
	return n, nil
}

func (q pgQueries) FindOpenApplication(ctx context.Context, field, value, excludeDraftToken string) (*model.Application, error) {
	var column string
	switch field {
	case MatchCreditCode:
		column = "credit_code"
	case MatchContactEmail:
		column = "contact_email"
	default:
		return nil, fmt.Errorf("find open application: unknown field %q", field)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}

	app, err := scanApplication(q.db.QueryRow(ctx, `
		SELECT `+applicationColumns+`
		FROM applications
		WHERE lower(`+column+`) = lower($1)
		  AND status NOT IN ('activated', 'rejected')
		  AND ($2 = '' OR draft_token IS NULL OR draft_token <> $2)
		ORDER BY id ASC
		LIMIT 1`,
		value, excludeDraftToken,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("find open application", err)
	}
	return &app, nil
}

// --- codes ---

func (q pgQueries) MaxCode(ctx context.Context, prefix string, length int) (string, error) {
	var code string
	err := q.db.QueryRow(ctx, `
		SELECT COALESCE(MAX(code COLLATE "C"), '') FROM (
			SELECT supplier_code AS code FROM applications WHERE supplier_code LIKE $1
			UNION ALL
			SELECT company_id FROM suppliers WHERE company_id LIKE $1
			UNION ALL
			SELECT supplier_code FROM suppliers WHERE supplier_code LIKE $1
		) codes
		WHERE length(code) = $2 AND code ~ '^[0-9]+$'`,
		prefix+"%", length,
	).Scan(&code)
	if err != nil {
		return "", wrapErr("query max code", err)
	}
	return code, nil
}

func (q pgQueries) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM applications WHERE supplier_code = $1)
		    OR EXISTS (SELECT 1 FROM suppliers WHERE company_id = $1 OR supplier_code = $1)`,
		code,
	).Scan(&exists)
	if err != nil {
		return false, wrapErr("query code exists", err)
	}
	return exists, nil
}

// --- suppliers ---

func (q pgQueries) CreateSupplier(ctx context.Context, s model.Supplier) (int64, error) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO suppliers (
			company_name, company_id, supplier_code, contact_person, contact_phone,
			contact_email, category, address, status, stage,
			created_by, notes, bank_account, payment_terms, service_category,
			region, financial_contact, payment_currency, fax_number, business_registration_number,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20,
			$21
		) RETURNING id`,
		s.CompanyName, s.CompanyID, s.SupplierCode, s.ContactPerson, s.ContactPhone,
		s.ContactEmail, s.Category, s.Address, s.Status, s.Stage,
		s.CreatedBy, s.Notes, s.BankAccount, s.PaymentTerms, s.ServiceCategory,
		s.Region, s.FinancialContact, s.PaymentCurrency, s.FaxNumber, s.BusinessRegistrationNumber,
		s.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("insert supplier", err)
	}
	return id, nil
}

func (q pgQueries) GetSupplier(ctx context.Context, id int64) (model.Supplier, error) {
	var s model.Supplier
	err := q.db.QueryRow(ctx, `
		SELECT id, company_name, company_id, supplier_code, contact_person, contact_phone,
		       contact_email, category, address, status, stage,
		       created_by, notes, bank_account, payment_terms, service_category,
		       region, financial_contact, payment_currency, fax_number, business_registration_number,
		       created_at
		FROM suppliers WHERE id = $1`,
		id,
	).Scan(
		&s.ID, &s.CompanyName, &s.CompanyID, &s.SupplierCode, &s.ContactPerson, &s.ContactPhone,
		&s.ContactEmail, &s.Category, &s.Address, &s.Status, &s.Stage,
		&s.CreatedBy, &s.Notes, &s.BankAccount, &s.PaymentTerms, &s.ServiceCategory,
		&s.Region, &s.FinancialContact, &s.PaymentCurrency, &s.FaxNumber, &s.BusinessRegistrationNumber,
		&s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Supplier{}, model.NewNotFoundError(fmt.Sprintf("supplier %d not found", id))
	}
	if err != nil {
		return model.Supplier{}, wrapErr("query supplier", err)
	}
	return s, nil
}

// --- accounts ---

const accountColumns = `
	id, name, username, email, role, account_type, password_hash,
	supplier_id, related_application_id, must_change_password, created_at, updated_at`

func scanAccount(row pgx.Row) (model.Account, error) {
	var a model.Account
	err := row.Scan(
		&a.ID, &a.Name, &a.Username, &a.Email, &a.Role, &a.AccountType, &a.PasswordHash,
		&a.SupplierID, &a.RelatedApplicationID, &a.MustChangePassword, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

func (q pgQueries) GetAccount(ctx context.Context, id string) (model.Account, error) {
	a, err := scanAccount(q.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Account{}, model.NewNotFoundError(fmt.Sprintf("account %q not found", id))
	}
	if err != nil {
		return model.Account{}, wrapErr("query account", err)
	}
	return a, nil
}

func (q pgQueries) optionalAccount(ctx context.Context, op, query string, args ...any) (*model.Account, error) {
	a, err := scanAccount(q.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr(op, err)
	}
	return &a, nil
}

func (q pgQueries) AccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	return q.optionalAccount(ctx, "query account by username",
		`SELECT `+accountColumns+` FROM accounts WHERE lower(username) = lower($1)`, username)
}

func (q pgQueries) AccountByEmail(ctx context.Context, email, role string) (*model.Account, error) {
	return q.optionalAccount(ctx, "query account by email", `
		SELECT `+accountColumns+` FROM accounts
		WHERE lower(email) = lower($1) AND ($2 = '' OR role = $2)
		ORDER BY id ASC LIMIT 1`, email, role)
}

func (q pgQueries) AccountsByRole(ctx context.Context, role string) ([]model.Account, error) {
	rows, err := q.db.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE role = $1 ORDER BY id ASC`, role)
	if err != nil {
		return nil, wrapErr("query accounts by role", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Account, error) {
		return scanAccount(row)
	})
	if err != nil {
		return nil, wrapErr("scan accounts", err)
	}
	return out, nil
}

func (q pgQueries) SaveAccount(ctx context.Context, a model.Account) error {
	now := time.Now().UTC()
	_, err := q.db.Exec(ctx, `
		INSERT INTO accounts (
			id, name, username, email, role, account_type, password_hash,
			supplier_id, related_application_id, must_change_password, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			username = EXCLUDED.username,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			account_type = EXCLUDED.account_type,
			password_hash = EXCLUDED.password_hash,
			supplier_id = EXCLUDED.supplier_id,
			related_application_id = EXCLUDED.related_application_id,
			must_change_password = EXCLUDED.must_change_password,
			updated_at = EXCLUDED.updated_at`,
		a.ID, a.Name, a.Username, a.Email, a.Role, a.AccountType, a.PasswordHash,
		a.SupplierID, a.RelatedApplicationID, a.MustChangePassword, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return model.NewConflictError(fmt.Sprintf("username %q already in use", a.Username))
		}
		return wrapErr("upsert account", err)
	}
	return nil
}

// --- blacklist ---

func (q pgQueries) FindBlacklistEntry(ctx context.Context, typ, value string, now time.Time) (*model.BlacklistEntry, error) {
	var e model.BlacklistEntry
	err := q.db.QueryRow(ctx, `
		SELECT id, type, value, severity, reason, active, expires_at, created_at
		FROM blacklist
		WHERE type = $1 AND lower(value) = lower($2) AND active
		  AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY (severity = 'critical') DESC, id ASC
		LIMIT 1`,
		typ, strings.TrimSpace(value), now,
	).Scan(&e.ID, &e.Type, &e.Value, &e.Severity, &e.Reason, &e.Active, &e.ExpiresAt, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("query blacklist", err)
	}
	return &e, nil
}

func (q pgQueries) AddBlacklistEntry(ctx context.Context, e model.BlacklistEntry) (int64, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO blacklist (type, value, severity, reason, active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.Type, e.Value, e.Severity, e.Reason, e.Active, e.ExpiresAt, e.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("insert blacklist entry", err)
	}
	return id, nil
}

// --- audit ---

const auditColumns = `
	id, entity_type, entity_id, action, changes, actor_id, actor_name, ip_address,
	created_at, is_sensitive, immutable, previous_hash, hash_chain_value`

func scanAuditEntry(row pgx.Row) (model.AuditEntry, error) {
	var (
		e       model.AuditEntry
		changes string
	)
	err := row.Scan(
		&e.ID, &e.EntityType, &e.EntityID, &e.Action, &changes, &e.ActorID, &e.ActorName, &e.IPAddress,
		&e.CreatedAt, &e.IsSensitive, &e.Immutable, &e.PreviousHash, &e.HashChainValue,
	)
	if err != nil {
		return model.AuditEntry{}, err
	}
	e.Changes = json.RawMessage(changes)
	e.CreatedAt = e.CreatedAt.UTC()
	return e, nil
}

func collectAuditEntries(rows pgx.Rows) ([]model.AuditEntry, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.AuditEntry, error) {
		return scanAuditEntry(row)
	})
}

func (q pgQueries) LastAuditEntry(ctx context.Context) (*model.AuditEntry, error) {
	e, err := scanAuditEntry(q.db.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_logs ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("query last audit entry", err)
	}
	return &e, nil
}

func (q pgQueries) InsertAuditEntry(ctx context.Context, e model.AuditEntry) (int64, error) {
	changes := string(e.Changes)
	if changes == "" {
		changes = "null"
	}
	var id int64
	err := q.db.QueryRow(ctx, `
		INSERT INTO audit_logs (
			entity_type, entity_id, action, changes, actor_id, actor_name, ip_address,
			created_at, is_sensitive, immutable, previous_hash, hash_chain_value
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		e.EntityType, e.EntityID, e.Action, changes, e.ActorID, e.ActorName, e.IPAddress,
		e.CreatedAt, e.IsSensitive, e.Immutable, e.PreviousHash, e.HashChainValue,
	).Scan(&id)
	if err != nil {
		return 0, wrapErr("insert audit entry", err)
	}
	return id, nil
}

func (q pgQueries) GetAuditEntry(ctx context.Context, id int64) (model.AuditEntry, error) {
	e, err := scanAuditEntry(q.db.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_logs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.AuditEntry{}, model.NewNotFoundError(fmt.Sprintf("audit entry %d not found", id))
	}
	if err != nil {
		return model.AuditEntry{}, wrapErr("query audit entry", err)
	}
	return e, nil
}

func (q pgQueries) ListAuditEntries(ctx context.Context, r model.AuditRange) ([]model.AuditEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+auditColumns+` FROM audit_logs
		WHERE ($1::bigint IS NULL OR id >= $1) AND ($2::bigint IS NULL OR id <= $2)
		ORDER BY id ASC`,
		r.StartID, r.EndID,
	)
	if err != nil {
		return nil, wrapErr("list audit entries", err)
	}
	out, err := collectAuditEntries(rows)
	if err != nil {
		return nil, wrapErr("scan audit entries", err)
	}
	return out, nil
}

func (q pgQueries) AuditEntriesForEntity(ctx context.Context, entityType, entityID string) ([]model.AuditEntry, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+auditColumns+` FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY id ASC`,
		entityType, entityID,
	)
	if err != nil {
		return nil, wrapErr("list entity audit entries", err)
	}
	out, err := collectAuditEntries(rows)
	if err != nil {
		return nil, wrapErr("scan audit entries", err)
	}
	return out, nil
}

func (q pgQueries) SaveArchiveRecord(ctx context.Context, rec model.ArchiveRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO audit_archives (
			audit_log_id, archive_file_path, file_hash, verification_status, archived_at, verified_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (audit_log_id) DO UPDATE SET
			archive_file_path = EXCLUDED.archive_file_path,
			file_hash = EXCLUDED.file_hash,
			verification_status = EXCLUDED.verification_status,
			archived_at = EXCLUDED.archived_at,
			verified_at = EXCLUDED.verified_at`,
		rec.AuditLogID, rec.ArchiveFilePath, rec.FileHash, rec.VerificationStatus, rec.ArchivedAt, rec.VerifiedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return model.NewNotFoundError(fmt.Sprintf("audit entry %d not found", rec.AuditLogID))
		}
		return wrapErr("upsert archive record", err)
	}
	return nil
}

func (q pgQueries) GetArchiveRecord(ctx context.Context, auditLogID int64) (model.ArchiveRecord, error) {
	var rec model.ArchiveRecord
	err := q.db.QueryRow(ctx, `
		SELECT audit_log_id, archive_file_path, file_hash, verification_status, archived_at, verified_at
		FROM audit_archives WHERE audit_log_id = $1`,
		auditLogID,
	).Scan(&rec.AuditLogID, &rec.ArchiveFilePath, &rec.FileHash, &rec.VerificationStatus, &rec.ArchivedAt, &rec.VerifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ArchiveRecord{}, model.NewNotFoundError(fmt.Sprintf("audit entry %d has not been archived", auditLogID))
	}
	if err != nil {
		return model.ArchiveRecord{}, wrapErr("query archive record", err)
	}
	return rec, nil
}
