/*
Package catalog provides the data model for active-product resolution.

PURPOSE:
  Holds the domain-agnostic types shared by the resolver, the mirror
  synchronizer and every store implementation. Nothing in this package
  touches a database; stores live in catalog/store, store/sqlite and
  store/redis.

KEY CONCEPTS IN THIS FILE (types.go):
  - Configuration: a product's enable flag and validity window
  - Transaction:   an order record, read-only for this system
  - Status/StatusSet: which transaction statuses qualify a product
  - ConfigFilter/TransactionFilter: predicates pushed down to stores

ELIGIBILITY:
  A Configuration is eligible at instant t when
    Enabled && ValidFrom <= t <= ValidTo
  Both bounds are inclusive.

USAGE:
  cfg := catalog.Configuration{
      ProductID: "P1",
      Enabled:   true,
      ValidFrom: now.Add(-time.Hour),
      ValidTo:   now.Add(time.Hour),
  }
  if err := cfg.Validate(); err != nil { ... }
  cfg.EligibleAt(now) // true

SEE ALSO:
  - store.go:  collaborator interfaces
  - errors.go: error taxonomy
  - clock.go:  injectable time source
*/
package catalog

import (
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ConfigID string
type ProductID string
type TransactionID string

// =============================================================================
// CONFIGURATION - Product enablement with a validity window
// =============================================================================

// Configuration enables a product for a time window. The durable store owns
// it; the mirror holds a copy keyed by ID and indexed by ProductID.
type Configuration struct {
	ID        ConfigID  `json:"id"`
	ProductID ProductID `json:"productId"`
	Enabled   bool      `json:"enabled"`
	ValidFrom time.Time `json:"validFrom"`
	ValidTo   time.Time `json:"validTo"`
}

// Validate checks the write-time invariants. It never touches a store.
func (c Configuration) Validate() error {
	if c.ProductID == "" {
		return &ValidationError{Field: "productId", Reason: "must not be empty"}
	}
	if c.ValidFrom.IsZero() {
		return &ValidationError{Field: "validFrom", Reason: "must be set"}
	}
	if c.ValidTo.IsZero() {
		return &ValidationError{Field: "validTo", Reason: "must be set"}
	}
	if !InRange(c.ValidFrom) {
		return &ValidationError{Field: "validFrom", Reason: "must be between years 0001 and 9999"}
	}
	if !InRange(c.ValidTo) {
		return &ValidationError{Field: "validTo", Reason: "must be between years 0001 and 9999"}
	}
	if c.ValidFrom.After(c.ValidTo) {
		return &ValidationError{Field: "validFrom", Reason: "must not be after validTo"}
	}
	return nil
}

// EligibleAt reports whether the configuration is enabled and its window
// contains now (inclusive on both ends).
func (c Configuration) EligibleAt(now time.Time) bool {
	return c.Enabled && !now.Before(c.ValidFrom) && !now.After(c.ValidTo)
}

// Equal compares the fields mirrored between stores. Instants are compared
// with time.Equal so location and monotonic readings don't matter.
func (c Configuration) Equal(other Configuration) bool {
	return len(c.Diff(other)) == 0
}

// Diff returns the names of mirrored fields that differ.
func (c Configuration) Diff(other Configuration) []string {
	var fields []string
	if c.ID != other.ID {
		fields = append(fields, "id")
	}
	if c.ProductID != other.ProductID {
		fields = append(fields, "productId")
	}
	if c.Enabled != other.Enabled {
		fields = append(fields, "enabled")
	}
	if !c.ValidFrom.Equal(other.ValidFrom) {
		fields = append(fields, "validFrom")
	}
	if !c.ValidTo.Equal(other.ValidTo) {
		fields = append(fields, "validTo")
	}
	return fields
}

// Normalize strips monotonic clock readings and converts instants to UTC,
// the form every store persists.
func (c Configuration) Normalize() Configuration {
	c.ValidFrom = c.ValidFrom.UTC().Round(0)
	c.ValidTo = c.ValidTo.UTC().Round(0)
	return c
}

// =============================================================================
// INSTANTS - Persisted form of validity bounds
// =============================================================================

// InstantLayout is fixed-width UTC text, so byte order equals time order.
// Stores use it instead of integer nanoseconds, which overflow past 2262.
const InstantLayout = "2006-01-02T15:04:05.000000000Z"

var (
	MinInstant = time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC)
	MaxInstant = time.Date(9999, 12, 31, 23, 59, 59, 999999999, time.UTC)
)

// InRange reports whether t can be written with InstantLayout.
func InRange(t time.Time) bool {
	return !t.Before(MinInstant) && !t.After(MaxInstant)
}

// FormatInstant renders t with InstantLayout. Callers clamp or validate
// first; out-of-range instants lose the fixed width.
func FormatInstant(t time.Time) string {
	return t.UTC().Format(InstantLayout)
}

func ParseInstant(s string) (time.Time, error) {
	t, err := time.Parse(InstantLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// ClampInstant pins t into the storable range. Used for query bounds, never
// for stored values.
func ClampInstant(t time.Time) time.Time {
	switch {
	case t.Before(MinInstant):
		return MinInstant
	case t.After(MaxInstant):
		return MaxInstant
	}
	return t
}

// =============================================================================
// TRANSACTION - Order record (written by an external system)
// =============================================================================

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Transaction is an order against a product. Amount is the order total.
type Transaction struct {
	ID        TransactionID
	ProductID ProductID
	Status    Status
	Amount    decimal.Decimal
	CreatedAt time.Time
}

// StatusSet is the set of statuses that make a transaction qualifying.
type StatusSet struct {
	set mapset.Set[Status]
}

// DefaultQualifyingStatuses is {COMPLETED}.
func DefaultQualifyingStatuses() StatusSet {
	return NewStatusSet(StatusCompleted)
}

func NewStatusSet(statuses ...Status) StatusSet {
	return StatusSet{set: mapset.NewThreadUnsafeSet(statuses...)}
}

// IsZero reports whether s was never constructed. A constructed empty set is
// not zero and matches nothing.
func (s StatusSet) IsZero() bool { return s.set == nil }

func (s StatusSet) Contains(status Status) bool {
	return s.set != nil && s.set.Contains(status)
}

func (s StatusSet) Len() int {
	if s.set == nil {
		return 0
	}
	return s.set.Cardinality()
}

// Slice returns the statuses in sorted order.
func (s StatusSet) Slice() []Status {
	if s.set == nil {
		return nil
	}
	out := s.set.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// =============================================================================
// FILTERS - Predicates pushed down to stores
// =============================================================================

// ConfigFilter selects configurations. Zero value matches everything.
type ConfigFilter struct {
	// ProductIDs restricts to these products when non-nil. An empty,
	// non-nil slice matches nothing.
	ProductIDs []ProductID

	// EligibleAt restricts to configurations eligible at this instant.
	EligibleAt *time.Time
}

// EligibleFor builds the Stage B filter: eligible at now, restricted to products.
func EligibleFor(now time.Time, products []ProductID) ConfigFilter {
	return ConfigFilter{ProductIDs: products, EligibleAt: &now}
}

func (f ConfigFilter) Match(c Configuration) bool {
	if f.ProductIDs != nil && !containsProduct(f.ProductIDs, c.ProductID) {
		return false
	}
	if f.EligibleAt != nil && !c.EligibleAt(*f.EligibleAt) {
		return false
	}
	return true
}

// TransactionFilter selects transactions. Zero value matches everything.
type TransactionFilter struct {
	Statuses   []Status
	ProductIDs []ProductID
}

// QualifyingFilter builds the Stage A filter.
func QualifyingFilter(statuses StatusSet) TransactionFilter {
	s := statuses.Slice()
	if s == nil {
		s = []Status{}
	}
	return TransactionFilter{Statuses: s}
}

func (f TransactionFilter) Match(tx Transaction) bool {
	if f.Statuses != nil {
		found := false
		for _, s := range f.Statuses {
			if s == tx.Status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ProductIDs != nil && !containsProduct(f.ProductIDs, tx.ProductID) {
		return false
	}
	return true
}

func containsProduct(ids []ProductID, id ProductID) bool {
	for _, p := range ids {
		if p == id {
			return true
		}
	}
	return false
}
