package statement

import (
	"context"
	"testing"
	"time"

	"fintsbridge/internal/gateway"
	"fintsbridge/internal/store/memory"
)

func sampleEntry() gateway.Transaction {
	return gateway.Transaction{
		BookingDate:   "2026-08-14",
		Amount:        42.50,
		Currency:      "EUR",
		Status:        "D",
		Purpose:       "REWE SAGT DANKE",
		ApplicantName: "REWE Markt GmbH",
		ApplicantIBAN: "DE02120300000000202051",
		PostingText:   "KARTENZAHLUNG",
	}
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash("acct-1", sampleEntry())
	b := ContentHash("acct-1", sampleEntry())
	if a != b {
		t.Fatalf("hash not stable: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256, got %q", a)
	}
}

func TestContentHashSensitivity(t *testing.T) {
	base := ContentHash("acct-1", sampleEntry())

	changed := sampleEntry()
	changed.Amount = 42.51
	if ContentHash("acct-1", changed) == base {
		t.Fatal("amount change must change the hash")
	}
	if ContentHash("acct-2", sampleEntry()) == base {
		t.Fatal("account change must change the hash")
	}
}

func TestImportNormalizesAndDeduplicates(t *testing.T) {
	st := memory.NewStore()
	imp := NewImporter(st)
	ctx := context.Background()

	debit := sampleEntry()
	credit := gateway.Transaction{
		BookingDate: "2026-08-15",
		Amount:      1200,
		Currency:    "EUR",
		Status:      "C",
		Purpose:     "GEHALT",
	}

	summary, err := imp.Import(ctx, "acct-1", []gateway.Transaction{debit, credit})
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if summary.Total != 2 || summary.Inserted != 2 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	// Re-importing the same statement inserts nothing.
	summary, err = imp.Import(ctx, "acct-1", []gateway.Transaction{debit, credit})
	if err != nil {
		t.Fatalf("re-import failed: %v", err)
	}
	if summary.Total != 2 || summary.Inserted != 0 {
		t.Fatalf("expected idempotent re-import, got %+v", summary)
	}

	txns, err := st.ListTransactions(ctx, "acct-1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("expected 2 stored transactions, got %d", len(txns))
	}
	for _, txn := range txns {
		switch txn.Purpose {
		case "REWE SAGT DANKE":
			if txn.Amount != -42.50 || txn.Type != "debit" {
				t.Fatalf("debit not normalized: %+v", txn)
			}
		case "GEHALT":
			if txn.Amount != 1200 || txn.Type != "credit" {
				t.Fatalf("credit not normalized: %+v", txn)
			}
		default:
			t.Fatalf("unexpected transaction: %+v", txn)
		}
	}
}

func TestResolveWindowModes(t *testing.T) {
	now := time.Date(2026, 8, 31, 15, 4, 5, 0, time.UTC)

	w, err := ResolveWindow("", "", "", now)
	if err != nil {
		t.Fatalf("default mode failed: %v", err)
	}
	if w.End.Sub(w.Start) != 30*24*time.Hour {
		t.Fatalf("default window not 30 days: %v", w)
	}

	w, err = ResolveWindow(WindowLast120, "", "", now)
	if err != nil {
		t.Fatalf("last120 failed: %v", err)
	}
	if w.End.Sub(w.Start) != 120*24*time.Hour {
		t.Fatalf("last120 window wrong: %v", w)
	}

	w, err = ResolveWindow(WindowCustom, "2026-01-01", "2026-03-31", now)
	if err != nil {
		t.Fatalf("custom failed: %v", err)
	}
	if w.Start.Format("2006-01-02") != "2026-01-01" || w.End.Format("2006-01-02") != "2026-03-31" {
		t.Fatalf("custom window wrong: %v", w)
	}
}

func TestResolveWindowRejectsBadInput(t *testing.T) {
	now := time.Now().UTC()
	if _, err := ResolveWindow("yesterday", "", "", now); err == nil {
		t.Fatal("expected error for unknown mode")
	}
	if _, err := ResolveWindow(WindowCustom, "2026-01-01", "", now); err == nil {
		t.Fatal("expected error for missing end date")
	}
	if _, err := ResolveWindow(WindowCustom, "2026-03-31", "2026-01-01", now); err == nil {
		t.Fatal("expected error for inverted range")
	}
}
