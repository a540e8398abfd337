package pipeline

import (
	"testing"

	"aksjeimport/internal"
	"aksjeimport/internal/util"
)

func holder(orgnr, shares string, declared *string) internal.ShareholderRecord {
	return internal.ShareholderRecord{Orgnr: orgnr, Selskap: "Selskap " + orgnr, NavnAksjonaer: "h", AntallAksjer: shares, AntallAksjerSelskap: declared}
}

func TestReconcileStatuses(t *testing.T) {
	hundred := util.StringPtr("100")
	records := []internal.ShareholderRecord{
		holder("1", "60", hundred),
		holder("1", "40", hundred),
		holder("2", "60", hundred),
		holder("2", "30", hundred),
		holder("3", "10", nil),
		holder("4", "1 000", util.StringPtr("1000")),
		holder("4", "abc", util.StringPtr("1000")),
		holder("5", "5", util.StringPtr("5")),
		holder("5", "5", util.StringPtr("10")),
	}

	r := NewReconciler()
	r.Add(records[:4])
	r.Add(records[4:])
	got := map[string]internal.Reconciliation{}
	for _, rec := range r.Result() {
		got[rec.Orgnr] = rec
	}

	cases := []struct {
		orgnr  string
		status internal.ReconcileStatus
		reason string
		sum    string
	}{
		{"1", internal.ReconcileOK, reasonSumMatches, "100"},
		{"2", internal.ReconcileMismatch, reasonSumDiffers, "90"},
		{"3", internal.ReconcileReview, reasonDeclaredMissing, "10"},
		{"4", internal.ReconcileReview, reasonUnparseableShares, "1000"},
		{"5", internal.ReconcileReview, reasonDeclaredConflict, "10"},
	}
	for _, tc := range cases {
		rec := got[tc.orgnr]
		if rec.Status != tc.status || rec.Reason != tc.reason || rec.SumShares != tc.sum {
			t.Fatalf("orgnr %s: %+v", tc.orgnr, rec)
		}
	}
	if got["1"].HolderCount != 2 || util.Deref(got["1"].DeclaredShares) != "100" {
		t.Fatalf("unexpected %+v", got["1"])
	}
}

func TestReconcileOrdersWorstFirst(t *testing.T) {
	out := Reconcile([]internal.ShareholderRecord{
		holder("9", "1", util.StringPtr("1")),
		holder("8", "1", util.StringPtr("2")),
		holder("", "1", nil),
	})
	if len(out) != 3 || out[0].Status != internal.ReconcileMismatch || out[1].Reason != reasonMissingOrgnr || out[2].Status != internal.ReconcileOK {
		t.Fatalf("out=%+v", out)
	}
}

func TestAttachOwnership(t *testing.T) {
	rows := []internal.ShareholderExportRow{
		{LineNo: 1, ShareholderRecord: holder("1", "1", nil)},
		{LineNo: 2, ShareholderRecord: holder("1", "2", nil)},
		{LineNo: 3, ShareholderRecord: holder("2", "n/a", nil)},
	}
	recon := Reconcile([]internal.ShareholderRecord{rows[0].ShareholderRecord, rows[1].ShareholderRecord})
	AttachOwnership(rows, recon)
	if util.Deref(rows[0].OwnershipPct) != "33.3333" || util.Deref(rows[1].OwnershipPct) != "66.6667" {
		t.Fatalf("pct=%v %v", util.Deref(rows[0].OwnershipPct), util.Deref(rows[1].OwnershipPct))
	}
	if rows[2].OwnershipPct != nil {
		t.Fatal("unknown company should have no ownership")
	}
}
