package pipeline

import (
	"sort"

	"github.com/shopspring/decimal"

	"aksjeimport/internal"
	"aksjeimport/internal/util"
)

const (
	reasonSumMatches        = "sum_matches"
	reasonSumDiffers        = "sum_differs"
	reasonDeclaredMissing   = "declared_total_missing"
	reasonDeclaredConflict  = "declared_total_inconsistent"
	reasonUnparseableShares = "share_count_unparseable"
	reasonMissingOrgnr      = "orgnr_missing"
)

// Reconciler sums holder shares per company as batches arrive and compares
// them to the company total declared on the rows.
type Reconciler struct {
	companies map[string]*companyTotals
}

type companyTotals struct {
	selskap     string
	holders     int
	sum         decimal.Decimal
	unparseable int
	declared    []decimal.Decimal
	badDeclared int
}

func NewReconciler() *Reconciler {
	return &Reconciler{companies: map[string]*companyTotals{}}
}

func (r *Reconciler) Add(records []internal.ShareholderRecord) {
	for _, rec := range records {
		c := r.companies[rec.Orgnr]
		if c == nil {
			c = &companyTotals{}
			r.companies[rec.Orgnr] = c
		}
		if c.selskap == "" {
			c.selskap = rec.Selskap
		}
		c.holders++

		if shares, ok := util.ParseShareCount(rec.AntallAksjer); ok {
			c.sum = c.sum.Add(shares)
		} else {
			c.unparseable++
		}

		if rec.AntallAksjerSelskap == nil {
			continue
		}
		total, ok := util.ParseShareCount(*rec.AntallAksjerSelskap)
		if !ok {
			c.badDeclared++
			continue
		}
		if !containsDecimal(c.declared, total) {
			c.declared = append(c.declared, total)
		}
	}
}

// Result returns one reconciliation per orgnr, worst status first.
func (r *Reconciler) Result() []internal.Reconciliation {
	out := make([]internal.Reconciliation, 0, len(r.companies))
	for orgnr, c := range r.companies {
		rec := internal.Reconciliation{
			Orgnr:       orgnr,
			Selskap:     c.selskap,
			HolderCount: c.holders,
			SumShares:   c.sum.String(),
		}
		if len(c.declared) == 1 {
			rec.DeclaredShares = util.StringPtr(c.declared[0].String())
		}
		rec.Status, rec.Reason = c.classify(orgnr)
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := statusRank(out[i].Status), statusRank(out[j].Status)
		if ri != rj {
			return ri < rj
		}
		return out[i].Orgnr < out[j].Orgnr
	})
	return out
}

func (c *companyTotals) classify(orgnr string) (internal.ReconcileStatus, string) {
	switch {
	case orgnr == "":
		return internal.ReconcileReview, reasonMissingOrgnr
	case c.unparseable > 0:
		return internal.ReconcileReview, reasonUnparseableShares
	case len(c.declared) > 1 || (len(c.declared) == 1 && c.badDeclared > 0):
		return internal.ReconcileReview, reasonDeclaredConflict
	case len(c.declared) == 0:
		return internal.ReconcileReview, reasonDeclaredMissing
	case c.sum.Equal(c.declared[0]):
		return internal.ReconcileOK, reasonSumMatches
	default:
		return internal.ReconcileMismatch, reasonSumDiffers
	}
}

// Reconcile is the one-shot form of Reconciler.
func Reconcile(records []internal.ShareholderRecord) []internal.Reconciliation {
	r := NewReconciler()
	r.Add(records)
	return r.Result()
}

// AttachOwnership fills OwnershipPct for every row whose company total is
// known: the declared total when reconciliation found one, otherwise the sum
// of holder shares.
func AttachOwnership(rows []internal.ShareholderExportRow, recon []internal.Reconciliation) {
	totals := make(map[string]decimal.Decimal, len(recon))
	for _, r := range recon {
		src := r.SumShares
		if r.DeclaredShares != nil {
			src = *r.DeclaredShares
		}
		if total, ok := util.ParseShareCount(src); ok {
			totals[r.Orgnr] = total
		}
	}
	for i := range rows {
		total, ok := totals[rows[i].Orgnr]
		if !ok {
			continue
		}
		shares, ok := util.ParseShareCount(rows[i].AntallAksjer)
		if !ok {
			continue
		}
		if pct, ok := util.OwnershipPct(shares, total); ok {
			rows[i].OwnershipPct = util.StringPtr(pct.StringFixed(4))
		}
	}
}

func statusRank(s internal.ReconcileStatus) int {
	switch s {
	case internal.ReconcileMismatch:
		return 1
	case internal.ReconcileReview:
		return 2
	default:
		return 3
	}
}

func containsDecimal(values []decimal.Decimal, v decimal.Decimal) bool {
	for _, x := range values {
		if x.Equal(v) {
			return true
		}
	}
	return false
}
