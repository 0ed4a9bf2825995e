package core

import "errors"

// Session level errors abort a join attempt. Negotiation and candidate
// errors are scoped to a single pairwise connection.
var (
	ErrSessionNotFound            = errors.New("session not found")
	ErrSessionEnded               = errors.New("session ended")
	ErrPresenceUnavailable        = errors.New("presence unavailable")
	ErrNegotiationFailed          = errors.New("negotiation failed")
	ErrCandidateApplicationFailed = errors.New("candidate application failed")
	ErrPrivilegeDenied            = errors.New("privilege denied")
	ErrNotInSession               = errors.New("not in session")
	ErrAdmissionNotFound          = errors.New("admission request not found")
)
