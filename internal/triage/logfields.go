package triage

import (
	"github.com/simplesurance/automerge/internal/logfields"
)

var (
	logEventPRFiltered      = logfields.Event("pull_request_filtered")
	logEventPRProcessed     = logfields.Event("pull_request_processed")
	logEventPRFailed        = logfields.Event("pull_request_processing_failed")
	logEventPRSkipped       = logfields.Event("pull_request_skipped")
	logEventListingPRFailed = logfields.Event("github_listing_pull_requests_failed")

	logReasonTerminalLabel = logfields.Reason("terminal_label")
	logReasonDirty         = logfields.Reason("merge_conflict")
	logReasonClosed        = logfields.Reason("pull_request_closed")
)
