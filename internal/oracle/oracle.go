// Package oracle selects the authoritative identity oracle for a party
// identifier type (and currency) and forwards participant lookups and
// registrations to it.
package oracle

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/alswitch/internal/fspiop"
)

// Descriptor is a registered oracle endpoint.
type Descriptor struct {
	ID          int64              `json:"id"`
	PartyIDType fspiop.PartyIDType `json:"partyIdType"`
	Currency    *string            `json:"currency,omitempty"`
	BaseURL     string             `json:"endpoint"`
	IsDefault   bool               `json:"isDefault"`
	IsActive    bool               `json:"isActive"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// AnyCurrency reports whether the descriptor serves every currency.
func (d Descriptor) AnyCurrency() bool {
	return d.Currency == nil || *d.Currency == ""
}

// Store reads registered oracle descriptors.
type Store interface {
	ByType(ctx context.Context, t fspiop.PartyIDType) ([]Descriptor, error)
	ByTypeAndCurrency(ctx context.Context, t fspiop.PartyIDType, currency string) ([]Descriptor, error)
}

// NotFoundError means no active oracle serves the type (and currency).
type NotFoundError struct {
	Type     fspiop.PartyIDType
	Currency string
}

func (e *NotFoundError) Error() string {
	if e.Currency != "" {
		return fmt.Sprintf("oracle: no oracle for type %s and currency %s", e.Type, e.Currency)
	}
	return fmt.Sprintf("oracle: no oracle for type %s", e.Type)
}

func (e *NotFoundError) ErrorCode() fspiop.ErrorCode { return fspiop.ErrIDNotFound }

// AmbiguousError means several oracles match and none is flagged default.
type AmbiguousError struct {
	Type       fspiop.PartyIDType
	Currency   string
	Candidates int
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("oracle: %d oracles match type %s currency %q and none is default", e.Candidates, e.Type, e.Currency)
}

func (e *AmbiguousError) ErrorCode() fspiop.ErrorCode { return fspiop.ErrInternalServer }

var (
	oracleRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "als",
		Subsystem: "oracle",
		Name:      "requests_total",
		Help:      "Oracle requests by method and outcome.",
	}, []string{"method", "outcome"})

	oracleSelectionIssues = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "als",
		Subsystem: "oracle",
		Name:      "selection_issues_total",
		Help:      "Oracle registry integrity issues found during selection, by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(oracleRequests, oracleSelectionIssues)
}
