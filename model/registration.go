package model

import (
	"time"
)

// Application statuses. The seven pending_* statuses owned by an approval
// step appear in the step table; pending_code_binding is reached only from
// pending_accountant and left only through code binding.
const (
	StatusPendingPurchaser           = "pending_purchaser"
	StatusPendingQualityManager      = "pending_quality_manager"
	StatusPendingProcurementManager  = "pending_procurement_manager"
	StatusPendingProcurementDirector = "pending_procurement_director"
	StatusPendingFinanceDirector     = "pending_finance_director"
	StatusPendingAccountant          = "pending_accountant"
	StatusPendingCodeBinding         = "pending_code_binding"
	StatusPendingCashier             = "pending_cashier"
	StatusActivated                  = "activated"
	StatusRejected                   = "rejected"
)

// Statuses lists every status an application can hold, in workflow order.
var Statuses = []string{
	StatusPendingPurchaser,
	StatusPendingQualityManager,
	StatusPendingProcurementManager,
	StatusPendingProcurementDirector,
	StatusPendingFinanceDirector,
	StatusPendingAccountant,
	StatusPendingCodeBinding,
	StatusPendingCashier,
	StatusActivated,
	StatusRejected,
}

// IsKnownStatus reports whether s is one of the defined application statuses.
func IsKnownStatus(s string) bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminalStatus reports whether no further transition is possible from s.
func IsTerminalStatus(s string) bool {
	return s == StatusActivated || s == StatusRejected
}

// Step decisions.
const (
	DecisionApproved    = "approved"
	DecisionRejected    = "rejected"
	DecisionPendingInfo = "pending_info"
)

// Roles known to the onboarding workflow.
const (
	RolePurchaser           = "purchaser"
	RoleQualityManager      = "quality_manager"
	RoleProcurementManager  = "procurement_manager"
	RoleProcurementDirector = "procurement_director"
	RoleFinanceDirector     = "finance_director"
	RoleFinanceAccountant   = "finance_accountant"
	RoleFinanceCashier      = "finance_cashier"
	RoleTracking            = "tracking"
	RoleTempSupplier        = "temp_supplier"
)

// Account types.
const (
	AccountTypeTracking = "tracking"
	AccountTypeFormal   = "formal"
	AccountTypeStaff    = "staff"
)

// Supplier classifications.
const (
	ClassificationDM  = "DM"
	ClassificationIDM = "IDM"
)

// Application is one supplier onboarding attempt. Applications are never
// deleted; terminal applications never change again.
type Application struct {
	ID                     int64          `json:"id"`
	Profile                CompanyProfile `json:"profile"`
	Classification         string         `json:"classification"`
	Currency               string         `json:"currency"`
	Status                 string         `json:"status"`
	SupplierCode           *string        `json:"supplier_code,omitempty"`
	SupplierID             *int64         `json:"supplier_id,omitempty"`
	TrackingAccountID      string         `json:"tracking_account_id,omitempty"`
	DraftToken             *string        `json:"draft_token,omitempty"`
	TrackingToken          string         `json:"-"`
	AssignedPurchaserID    string         `json:"assigned_purchaser_id,omitempty"`
	AssignedPurchaserEmail string         `json:"assigned_purchaser_email,omitempty"`
	RejectedBy             string         `json:"rejected_by,omitempty"`
	RejectedAt             *time.Time     `json:"rejected_at,omitempty"`
	RejectionReason        string         `json:"rejection_reason,omitempty"`
	ActivatedAt            *time.Time     `json:"activated_at,omitempty"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
	Version                int            `json:"version"`
	Decisions              []StepDecision `json:"decisions,omitempty"`
	Documents              []DocumentRef  `json:"documents,omitempty"`
}

// StepDecision returns the current decision recorded for step, which is the
// most recently appended decision row for that step.
func (a *Application) StepDecision(step string) (StepDecision, bool) {
	var (
		latest StepDecision
		found  bool
	)
	for _, d := range a.Decisions {
		if d.Step != step {
			continue
		}
		if !found || !d.CreatedAt.Before(latest.CreatedAt) {
			latest = d
			found = true
		}
	}
	return latest, found
}

// IsTerminal reports whether the application has reached activated or rejected.
func (a *Application) IsTerminal() bool {
	return IsTerminalStatus(a.Status)
}

// StepDecision is one append-only decision row for an application step.
type StepDecision struct {
	ID            int64     `json:"id"`
	ApplicationID int64     `json:"application_id"`
	Step          string    `json:"step"`
	Decision      string    `json:"decision"`
	ActorID       string    `json:"actor_id"`
	ActorName     string    `json:"actor_name,omitempty"`
	Comment       string    `json:"comment,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CompanyProfile carries the normalized business data submitted by the
// applicant. It is opaque to the workflow; only the orchestrator reads the
// keys used for screening, routing, and supplier creation.
type CompanyProfile struct {
	CompanyName                string   `json:"company_name"`
	EnglishName                string   `json:"english_name,omitempty"`
	RegisteredOffice           string   `json:"registered_office"`
	BusinessRegistrationNumber string   `json:"business_registration_number"`
	BusinessAddress            string   `json:"business_address"`
	BusinessNature             string   `json:"business_nature,omitempty"`
	ProductTypes               string   `json:"product_types,omitempty"`
	DeliveryLocation           string   `json:"delivery_location"`
	ShipCode                   string   `json:"ship_code"`
	ProductOrigin              string   `json:"product_origin"`
	CompanyType                string   `json:"company_type"`
	SupplierClassification     string   `json:"supplier_classification"`
	OperatingCurrency          string   `json:"operating_currency"`
	ContactName                string   `json:"contact_name"`
	ContactEmail               string   `json:"contact_email"`
	ContactPhone               string   `json:"contact_phone"`
	ProcurementEmail           string   `json:"procurement_email"`
	FinanceContactName         string   `json:"finance_contact_name"`
	FinanceContactEmail        string   `json:"finance_contact_email,omitempty"`
	FinanceContactPhone        string   `json:"finance_contact_phone"`
	BankName                   string   `json:"bank_name"`
	BankAddress                string   `json:"bank_address"`
	BankAccountNumber          string   `json:"bank_account_number"`
	SwiftCode                  string   `json:"swift_code,omitempty"`
	PaymentTerms               string   `json:"payment_terms,omitempty"`
	PaymentMethods             []string `json:"payment_methods,omitempty"`
	InvoiceType                string   `json:"invoice_type,omitempty"`
	BusinessPhone              string   `json:"business_phone,omitempty"`
	BusinessFax                string   `json:"business_fax,omitempty"`
	Region                     string   `json:"region,omitempty"`
	Notes                      string   `json:"notes,omitempty"`
	BusinessLicenseFile        *Upload  `json:"business_license_file,omitempty"`
	BankAccountFile            *Upload  `json:"bank_account_file,omitempty"`
}

// Upload is a document attached to a submission before it is stored.
// Content is a data URL or plain base64.
type Upload struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Content  string `json:"content"`
}

// DocumentRef points at a stored document.
type DocumentRef struct {
	Kind      string `json:"kind"`
	Reference string `json:"reference"`
	FileName  string `json:"file_name"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
}

// Supplier is the permanent record created when an application is bound to
// a supplier code.
type Supplier struct {
	ID                         int64     `json:"id"`
	CompanyName                string    `json:"company_name"`
	CompanyID                  string    `json:"company_id"`
	SupplierCode               string    `json:"supplier_code"`
	ContactPerson              string    `json:"contact_person"`
	ContactPhone               string    `json:"contact_phone"`
	ContactEmail               string    `json:"contact_email"`
	Category                   string    `json:"category,omitempty"`
	Address                    string    `json:"address"`
	Status                     string    `json:"status"`
	Stage                      string    `json:"stage"`
	CreatedBy                  string    `json:"created_by"`
	Notes                      string    `json:"notes,omitempty"`
	BankAccount                string    `json:"bank_account"`
	PaymentTerms               string    `json:"payment_terms,omitempty"`
	ServiceCategory            string    `json:"service_category,omitempty"`
	Region                     string    `json:"region,omitempty"`
	FinancialContact           string    `json:"financial_contact,omitempty"`
	PaymentCurrency            string    `json:"payment_currency"`
	FaxNumber                  string    `json:"fax_number,omitempty"`
	BusinessRegistrationNumber string    `json:"business_registration_number"`
	CreatedAt                  time.Time `json:"created_at"`
}

// Supplier lifecycle values assigned at code binding.
const (
	SupplierStatusApproved  = "approved"
	SupplierStageTemporary  = "temporary"
	SupplierCreatedBySystem = "registration_system"
)

// Account is a row in the user directory.
type Account struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Username             string    `json:"username"`
	Email                string    `json:"email"`
	Role                 string    `json:"role"`
	AccountType          string    `json:"account_type"`
	PasswordHash         string    `json:"-"`
	SupplierID           *int64    `json:"supplier_id,omitempty"`
	RelatedApplicationID *int64    `json:"related_application_id,omitempty"`
	MustChangePassword   bool      `json:"must_change_password"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Blacklist entry types and severities.
const (
	BlacklistTypeCreditCode = "credit_code"
	BlacklistTypeEmail      = "email"
	SeverityCritical        = "critical"
)

// BlacklistEntry blocks submissions carrying a credit code or email.
type BlacklistEntry struct {
	ID        int64      `json:"id"`
	Type      string     `json:"type"`
	Value     string     `json:"value"`
	Severity  string     `json:"severity"`
	Reason    string     `json:"reason"`
	Active    bool       `json:"active"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// InEffect reports whether the entry blocks submissions at now.
func (b BlacklistEntry) InEffect(now time.Time) bool {
	if !b.Active {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}
