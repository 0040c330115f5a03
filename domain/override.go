/*
override.go - Dual-confirmation override workflow

Writes that need an override (posting into a SOFT_CLOSED period, exceptional
corrections) go through a two-actor flow: a requestor files a justified
request, a different actor with a different role approves or rejects it.
Approved requests are presented to the ledger at post time via
PostInput.OverrideRequestID. Every approval also lands one immutable row in
admin_overrides_log.
*/
package domain

import (
	"time"

	"github.com/google/uuid"
)

type OverrideStatus string

const (
	OverridePending  OverrideStatus = "pending"
	OverrideApproved OverrideStatus = "approved"
	OverrideRejected OverrideStatus = "rejected"
)

// Override request types recognized by the approval service.
const (
	OverrideSoftClosePosting      = "soft_close_posting"
	OverrideExceptionalCorrection = "exceptional_correction"
)

// MinJustificationLen is the minimum written justification accepted on an
// override request.
const MinJustificationLen = 10

type OverrideRequest struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	RequestType    string
	RequestorID    string
	RequestorRole  string
	Justification  string
	RequestData    map[string]string
	Status         OverrideStatus
	ApproverID     string
	ApproverRole   string
	ApprovalReason string
	CreatedAt      time.Time
	DecidedAt      *time.Time
}

// CoversDate reports whether the request's data constrains the posting date
// and, if so, whether d falls inside the declared range. Requests without a
// declared range cover any date.
func (r OverrideRequest) CoversDate(d time.Time) bool {
	from, okFrom := r.RequestData["period_from"]
	to, okTo := r.RequestData["period_to"]
	if !okFrom || !okTo {
		return true
	}
	start, err1 := time.Parse("2006-01-02", from)
	end, err2 := time.Parse("2006-01-02", to)
	if err1 != nil || err2 != nil {
		return true
	}
	day := DateOnly(d)
	return !day.Before(start) && !day.After(end)
}

// OverrideLogEntry is one admin_overrides_log row, written in the same
// database transaction as the approval it records.
type OverrideLogEntry struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	RequestID      uuid.UUID
	RequestType    string
	RequestorID    string
	RequestorRole  string
	ApproverID     string
	ApproverRole   string
	Justification  string
	ApprovalReason string
	AffectedIDs    string
	CreatedAt      time.Time
}
