// Package api defines the JSON wire types shared by the doclease server,
// the HTTP client, and the CLI.
package api

// Error codes returned in ErrorResponse.Code.
const (
	// CodeLockHeld means another holder owns the document's active lock.
	CodeLockHeld = "lock_held"
	// CodeNotLocked means the document has no active lock.
	CodeNotLocked = "not_locked"
	// CodeNotHolder means the caller is not the holder of the active lock.
	CodeNotHolder = "not_holder"
	// CodeNotAuthorized means the caller may not perform the operation.
	CodeNotAuthorized = "not_authorized"
	// CodeValidation means the request payload failed validation.
	CodeValidation = "validation"
	// CodeNotFound means the referenced object does not exist.
	CodeNotFound = "not_found"
	// CodeUnavailable means the storage backend is temporarily unreachable.
	CodeUnavailable = "unavailable"
	// CodeInternal means an unexpected server-side failure.
	CodeInternal = "internal"
)

// Notification kinds surfaced in inbox listings and change events.
const (
	KindLockAcquired         = "lock_acquired"
	KindLockReleased         = "lock_released"
	KindLockExpired          = "lock_expired"
	KindForceUnlock          = "force_unlock"
	KindLockAttempt          = "lock_attempt"
	KindOwnershipTransferred = "ownership_transferred"
	KindAccessRequested      = "access_requested"
)

// LockInfo describes one lock row, active or historical.
type LockInfo struct {
	// LockID is the server-assigned lock identifier.
	LockID string `json:"lock_id"`
	// DocumentID identifies the locked document.
	DocumentID string `json:"document_id"`
	// UserID identifies a registered-user holder. Empty for guest holders.
	UserID string `json:"user_id,omitempty"`
	// GuestEmail identifies a guest holder. Empty for user holders.
	GuestEmail string `json:"guest_email,omitempty"`
	// GuestName is the guest holder's display name.
	GuestName string `json:"guest_name,omitempty"`
	// Holder is a human-readable holder descriptor for display.
	Holder string `json:"holder"`
	// Reason is the free-text reason supplied at acquire time.
	Reason string `json:"reason,omitempty"`
	// AcquiredAt is the acquire (or latest renewal) time as a Unix timestamp in seconds.
	AcquiredAt int64 `json:"acquired_at_unix"`
	// ExpiresAt is the lease expiry as a Unix timestamp in seconds. Zero means no expiry.
	ExpiresAt int64 `json:"expires_at_unix,omitempty"`
	// IsActive reports whether the lock currently guards the document.
	IsActive bool `json:"is_active"`
	// ReleasedAt is the release time as a Unix timestamp in seconds, zero while active.
	ReleasedAt int64 `json:"released_at_unix,omitempty"`
	// ReleasedBy describes who released the lock (holder, owner, or "expiry").
	ReleasedBy string `json:"released_by,omitempty"`
}

// AcquireRequest models the JSON payload for POST /v1/acquire.
type AcquireRequest struct {
	// DocumentID identifies the document to lock.
	DocumentID string `json:"document_id"`
	// UserID identifies the acquiring registered user. Mutually exclusive with GuestEmail.
	UserID string `json:"user_id,omitempty"`
	// GuestEmail identifies the acquiring guest. Mutually exclusive with UserID.
	GuestEmail string `json:"guest_email,omitempty"`
	// GuestName is the guest's display name, used in notifications.
	GuestName string `json:"guest_name,omitempty"`
	// Reason is optional free text stored with the lock.
	Reason string `json:"reason,omitempty"`
	// TTLMinutes is the requested lease duration in minutes. Zero selects the
	// server default; negative requests an indefinite lease.
	TTLMinutes int64 `json:"ttl_minutes,omitempty"`
}

// AcquireResponse is returned by POST /v1/acquire.
type AcquireResponse struct {
	// Acquired is true when the caller now holds the lock.
	Acquired bool `json:"acquired"`
	// Renewed is true when the call extended an existing lease held by the caller.
	Renewed bool `json:"renewed,omitempty"`
	// Lock describes the resulting lease when Acquired is true, or the
	// competing holder's lease when the document is contended.
	Lock *LockInfo `json:"lock,omitempty"`
}

// ReleaseRequest models the JSON payload for POST /v1/release.
type ReleaseRequest struct {
	// DocumentID identifies the locked document.
	DocumentID string `json:"document_id"`
	// UserID identifies the releasing registered user.
	UserID string `json:"user_id,omitempty"`
	// GuestEmail identifies the releasing guest.
	GuestEmail string `json:"guest_email,omitempty"`
}

// ReleaseResponse acknowledges a release.
type ReleaseResponse struct {
	// Released is true when an active lock was deactivated by this call.
	Released bool `json:"released"`
	// Lock is the released lock row.
	Lock *LockInfo `json:"lock,omitempty"`
}

// ForceReleaseRequest models the JSON payload for POST /v1/force-release.
// Only the document owner may force-release.
type ForceReleaseRequest struct {
	// DocumentID identifies the locked document.
	DocumentID string `json:"document_id"`
	// RequestedBy identifies the document owner performing the override.
	RequestedBy string `json:"requested_by"`
}

// RequestAccessRequest models the JSON payload for POST /v1/request-access.
type RequestAccessRequest struct {
	// DocumentID identifies the locked document.
	DocumentID string `json:"document_id"`
	// RequesterID identifies the user asking the holder to yield.
	RequesterID string `json:"requester_id"`
	// Message is optional free text forwarded to the holder.
	Message string `json:"message,omitempty"`
}

// TransferOwnershipRequest models the JSON payload for POST /v1/transfer-ownership.
type TransferOwnershipRequest struct {
	// DocumentID identifies the document whose ownership moves.
	DocumentID string `json:"document_id"`
	// NewOwnerID identifies the user receiving ownership.
	NewOwnerID string `json:"new_owner_id"`
	// RequestedBy identifies the current owner performing the transfer.
	RequestedBy string `json:"requested_by"`
}

// StatusResponse is returned by GET /v1/status.
type StatusResponse struct {
	// DocumentID identifies the queried document.
	DocumentID string `json:"document_id"`
	// Locked is true when an unexpired active lock guards the document.
	Locked bool `json:"locked"`
	// Lock describes the active lease when Locked is true.
	Lock *LockInfo `json:"lock,omitempty"`
	// History lists recent lock rows, newest first, when requested.
	History []LockInfo `json:"history,omitempty"`
}

// Notification is one durable inbox entry.
type Notification struct {
	// ID is the notification identifier.
	ID string `json:"id"`
	// DocumentID identifies the document the notification concerns.
	DocumentID string `json:"document_id,omitempty"`
	// LockID identifies the lock the notification concerns.
	LockID string `json:"lock_id,omitempty"`
	// Kind is one of the Kind* constants.
	Kind string `json:"kind"`
	// Message is the rendered human-readable text.
	Message string `json:"message"`
	// IsRead reports whether the recipient has read the entry.
	IsRead bool `json:"is_read"`
	// CreatedAt is the creation time as a Unix timestamp in seconds.
	CreatedAt int64 `json:"created_at_unix"`
}

// NotificationsResponse is returned by GET /v1/notifications.
type NotificationsResponse struct {
	// Recipient identifies the inbox owner.
	Recipient string `json:"recipient"`
	// Notifications lists entries newest first.
	Notifications []Notification `json:"notifications"`
}

// MarkReadRequest models POST /v1/notifications/read.
type MarkReadRequest struct {
	// Recipient identifies the inbox owner.
	Recipient string `json:"recipient"`
	// NotificationID identifies the entry to mark read. Empty with All set
	// marks the whole inbox.
	NotificationID string `json:"notification_id,omitempty"`
	// All marks every unread entry when true.
	All bool `json:"all,omitempty"`
}

// MarkReadResponse acknowledges a mark-read call.
type MarkReadResponse struct {
	// Updated is the number of entries transitioned to read.
	Updated int64 `json:"updated"`
}

// ChangeEvent is one transient event delivered over GET /v1/watch.
type ChangeEvent struct {
	// Type is the event type, matching the notification Kind* constants
	// plus "notification" for inbox fan-out.
	Type string `json:"type"`
	// DocumentID identifies the affected document for document topics.
	DocumentID string `json:"document_id,omitempty"`
	// LockID identifies the affected lock.
	LockID string `json:"lock_id,omitempty"`
	// Actor describes who triggered the event.
	Actor string `json:"actor,omitempty"`
	// Holder describes the lock holder at event time.
	Holder string `json:"holder,omitempty"`
	// Recipient identifies the inbox owner for inbox topics.
	Recipient string `json:"recipient,omitempty"`
	// Message is optional human-readable text.
	Message string `json:"message,omitempty"`
	// AtUnix is the event time as a Unix timestamp in seconds.
	AtUnix int64 `json:"at_unix,omitempty"`
}

// ErrorResponse is the JSON error envelope for non-2xx responses.
type ErrorResponse struct {
	// Code is a machine-readable error code.
	Code string `json:"error"`
	// Detail is a human-readable explanation.
	Detail string `json:"detail,omitempty"`
	// RetryAfter is the server hint (seconds) before retrying.
	RetryAfter int64 `json:"retry_after_seconds,omitempty"`
}
