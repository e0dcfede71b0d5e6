package domain

import (
	"context"
	"net/http"

	"github.com/bwmarrin/snowflake"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
)

// Outcome summarizes what reconciling one event did.
type Outcome string

const (
	// OutcomeApplied means local state changed.
	OutcomeApplied Outcome = "applied"
	// OutcomeNoop means local state already reflected the event.
	OutcomeNoop Outcome = "noop"
	// OutcomeSkipped means the event refers to records this system does not know.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeIgnored means the event kind or status carries nothing to apply.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDuplicate means a concurrent writer applied the event first.
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// Result is returned for every event. Handled is false only when the
// provider should deliver the event again.
type Result struct {
	Handled bool
	Outcome Outcome
}

type Engine interface {
	Reconcile(ctx context.Context, event *paymentdomain.Event) Result
}

// IngestResult describes one webhook delivery.
type IngestResult struct {
	Result
	EventID   snowflake.ID
	Kind      paymentdomain.EventKind
	Duplicate bool
}

type Ingester interface {
	// Ingest verifies payload with the site's decoder, stores the event and
	// reconciles it. Verification failures are returned as errors.
	Ingest(ctx context.Context, siteID snowflake.ID, payload []byte, headers http.Header) (*IngestResult, error)
}
