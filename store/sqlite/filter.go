package sqlite

import (
	"strings"

	"github.com/warp/productview/catalog"
)

// predicate is a WHERE clause under construction.
type predicate struct {
	clauses []string
	args    []any
}

func (p predicate) and(clause string, args ...any) predicate {
	return predicate{
		clauses: append(append([]string(nil), p.clauses...), clause),
		args:    append(append([]any(nil), p.args...), args...),
	}
}

func (p predicate) sql() string {
	if len(p.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.clauses, " AND ")
}

// configPredicates translates a filter into one predicate per chunk of
// product ids. A non-nil empty product list yields no predicates at all.
func configPredicates(f catalog.ConfigFilter) []predicate {
	var base predicate
	if f.EligibleAt != nil {
		at := catalog.FormatInstant(catalog.ClampInstant(*f.EligibleAt))
		base = base.and("enabled = 1").and("valid_from <= ?", at).and("valid_to >= ?", at)
	}
	return withProducts(base, f.ProductIDs)
}

func transactionPredicates(f catalog.TransactionFilter) []predicate {
	var base predicate
	if f.Statuses != nil {
		if len(f.Statuses) == 0 {
			return nil
		}
		args := make([]any, len(f.Statuses))
		for i, s := range f.Statuses {
			args[i] = string(s)
		}
		base = base.and("status IN ("+placeholders(len(args))+")", args...)
	}
	return withProducts(base, f.ProductIDs)
}

func withProducts(base predicate, products []catalog.ProductID) []predicate {
	if products == nil {
		return []predicate{base}
	}

	seen := make(map[catalog.ProductID]struct{}, len(products))
	var args []any
	for _, p := range products {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		args = append(args, string(p))
	}

	var out []predicate
	for start := 0; start < len(args); start += maxInParams {
		end := min(start+maxInParams, len(args))
		chunk := args[start:end]
		out = append(out, base.and("product_id IN ("+placeholders(len(chunk))+")", chunk...))
	}
	return out
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
