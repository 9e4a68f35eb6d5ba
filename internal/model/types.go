package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role is the authorization role of a user account
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// User represents a reader account. Accounts are owned by the identity
// service; this subsystem only reads them.
type User struct {
	ID          uuid.UUID
	Email       string
	DisplayName string
	Role        Role
	IsActive    bool
	CreatedAt   time.Time
}

// AuthenticatedUser is the caller identity attached to a request after the
// session token has been verified and the account loaded.
type AuthenticatedUser struct {
	ID       uuid.UUID
	Email    string
	Role     Role
	IsActive bool
}

// IsAdmin reports whether the caller holds the admin role
func (u AuthenticatedUser) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// UserSummary is the user projection embedded in admin listings
type UserSummary struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
	Name  string    `json:"name"`
}

// Book is a catalog entry with its encrypted asset metadata
type Book struct {
	ID          uuid.UUID
	Title       string
	Author      string
	CoverURL    string
	ContentKey  []byte
	AssetSHA256 string
	ChunkCount  int
	ChunkSize   int
}

// Summary returns the public projection of the book
func (b Book) Summary() BookSummary {
	return BookSummary{ID: b.ID, Title: b.Title, Author: b.Author, CoverURL: b.CoverURL}
}

// BookSummary is the book metadata joined onto loan listings
type BookSummary struct {
	ID       uuid.UUID `json:"id"`
	Title    string    `json:"title"`
	Author   string    `json:"author"`
	CoverURL string    `json:"coverUrl,omitempty"`
}

// Device represents a registered reading endpoint belonging to a user
type Device struct {
	ID             uuid.UUID
	OwnerUserID    uuid.UUID
	Name           string
	PublicKey      string
	KeyFingerprint string
	Fingerprint    string
	LastActiveAt   time.Time
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DeviceSummary is what clients get to see of a device; the public key is never exposed
type DeviceSummary struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	Fingerprint    string    `json:"fingerprint"`
	KeyFingerprint string    `json:"keyFingerprint"`
	LastActiveAt   time.Time `json:"lastActiveAt"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Summary returns the client-facing view of the device
func (d Device) Summary() DeviceSummary {
	return DeviceSummary{
		ID:             d.ID,
		Name:           d.Name,
		Fingerprint:    d.Fingerprint,
		KeyFingerprint: d.KeyFingerprint,
		LastActiveAt:   d.LastActiveAt,
		IsActive:       d.IsActive,
		CreatedAt:      d.CreatedAt,
	}
}

// ClientMeta carries request metadata used to fingerprint a device
type ClientMeta struct {
	UserAgent string
	Platform  string
	Language  string
}

// LoanType distinguishes how the reader obtained access
type LoanType string

const (
	LoanTypeSubscription LoanType = "subscription"
	LoanTypeTrial        LoanType = "trial"
)

// Valid reports whether t is a known loan type
func (t LoanType) Valid() bool {
	return t == LoanTypeSubscription || t == LoanTypeTrial
}

// LoanStatus is the lifecycle state of a loan. Returned and revoked are terminal.
type LoanStatus string

const (
	LoanStatusActive   LoanStatus = "active"
	LoanStatusReturned LoanStatus = "returned"
	LoanStatusRevoked  LoanStatus = "revoked"
)

// Valid reports whether s is a known loan status
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanStatusActive, LoanStatusReturned, LoanStatusRevoked:
		return true
	}
	return false
}

// Loan is a user's right to access one book
type Loan struct {
	ID           uuid.UUID  `json:"id"`
	UserID       uuid.UUID  `json:"userId"`
	BookID       uuid.UUID  `json:"bookId"`
	LoanType     LoanType   `json:"loanType"`
	Status       LoanStatus `json:"status"`
	StartedAt    time.Time  `json:"startedAt"`
	ReturnedAt   *time.Time `json:"returnedAt,omitempty"`
	RevokedAt    *time.Time `json:"revokedAt,omitempty"`
	RevokedBy    *uuid.UUID `json:"revokedBy,omitempty"`
	RevokeReason *string    `json:"revokeReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// LoanWithBook is a loan joined with its book metadata
type LoanWithBook struct {
	Loan
	Book BookSummary `json:"book"`
}

// ActiveLoan is the admin view of an active loan
type ActiveLoan struct {
	Loan
	User UserSummary `json:"user"`
	Book BookSummary `json:"book"`
}

// LoanStatistics holds aggregate loan counts
type LoanStatistics struct {
	TotalLoans        int `json:"totalLoans"`
	ActiveLoans       int `json:"activeLoans"`
	ReturnedLoans     int `json:"returnedLoans"`
	RevokedLoans      int `json:"revokedLoans"`
	SubscriptionLoans int `json:"subscriptionLoans"`
	TrialLoans        int `json:"trialLoans"`
	ActiveBorrowers   int `json:"activeBorrowers"`
	LoansLast30Days   int `json:"loansLast30Days"`
}

// BorrowStatus is the answer to "may this user start another loan"
type BorrowStatus struct {
	CanBorrow   bool   `json:"canBorrow"`
	ActiveLoans int    `json:"activeLoans"`
	MaxLoans    int    `json:"maxLoans"`
	Reason      string `json:"reason,omitempty"`
}

// Watermark identifies the reader inside rendered content
type Watermark struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	LoanID string `json:"loanId"`
}

// CopyProtection limits how much text may be copied out of a book
type CopyProtection struct {
	Enabled           bool `json:"enabled"`
	MaxCopyPercentage int  `json:"maxCopyPercentage"`
}

// OfflineAccess describes the offline reading allowance
type OfflineAccess struct {
	Enabled bool `json:"enabled"`
	MaxDays int  `json:"maxDays"`
}

// Policy is the usage policy embedded in a license
type Policy struct {
	OfflineExpiresAt time.Time      `json:"offlineExpiresAt"`
	Watermark        Watermark      `json:"watermark"`
	CopyProtection   CopyProtection `json:"copyProtection"`
	OfflineAccess    OfflineAccess  `json:"offlineAccess"`
}

// LicenseKey carries the content key wrapped for one device
type LicenseKey struct {
	Alg        string `json:"alg"`
	KeyWrapped string `json:"keyWrapped"`
}

// LicenseAsset describes the encrypted asset the key unlocks
type LicenseAsset struct {
	SHA256     string `json:"sha256"`
	ChunkCount int    `json:"chunkCount"`
	ChunkSize  int    `json:"chunkSize"`
}

// LicensePayload is the signed document handed to a device
type LicensePayload struct {
	Kid        string       `json:"kid"`
	LicenseID  string       `json:"licenseId"`
	LoanID     string       `json:"loanId"`
	UserID     string       `json:"userId"`
	DeviceID   string       `json:"deviceId"`
	BookID     string       `json:"bookId"`
	Policy     Policy       `json:"policy"`
	Key        LicenseKey   `json:"key"`
	Asset      LicenseAsset `json:"asset"`
	ServerTime time.Time    `json:"serverTime"`
}

// License is a signed, device-bound credential for a loan. Licenses are never
// deleted; revocation only flips Revoked.
type License struct {
	ID            uuid.UUID  `json:"id"`
	LoanID        uuid.UUID  `json:"loanId"`
	DeviceID      uuid.UUID  `json:"deviceId"`
	UserID        uuid.UUID  `json:"userId"`
	BookID        uuid.UUID  `json:"bookId"`
	KeyWrapped    string     `json:"-"`
	Policy        Policy     `json:"policy"`
	Payload       string     `json:"-"`
	Signature     string     `json:"signature"`
	ServerTime    time.Time  `json:"serverTime"`
	Revoked       bool       `json:"revoked"`
	RevokedAt     *time.Time `json:"revokedAt,omitempty"`
	RevokedBy     *string    `json:"revokedBy,omitempty"`
	LastRenewedAt *time.Time `json:"lastRenewedAt,omitempty"`
	RenewalCount  int        `json:"renewalCount"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Signed returns the stored payload together with its signature
func (l License) Signed() SignedLicense {
	return SignedLicense{License: json.RawMessage(l.Payload), Signature: l.Signature}
}

// SignedLicense is the wire form of a license: the exact signed bytes and the signature
type SignedLicense struct {
	License   json.RawMessage `json:"license"`
	Signature string          `json:"signature"`
}

// LicenseUpdates is the delta-sync answer for one device
type LicenseUpdates struct {
	Revoked []uuid.UUID     `json:"revoked"`
	Updated []SignedLicense `json:"updated"`
}
