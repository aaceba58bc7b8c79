package directory

import (
	"context"
	"testing"
	"time"
)

func TestCopyLegacyCopiesUsersThenVisits(t *testing.T) {
	db := openTestDatabase(t)
	legacy := newTestLegacy(t, db)
	split := newTestSplit(t, db)
	ctx := context.Background()

	for _, record := range []UserRecord{testUser("amy", "Amy"), testUser("ben", "Ben")} {
		if _, err := legacy.PutUser(ctx, record); err != nil {
			t.Fatalf("seed user failed: %v", err)
		}
	}
	for index := 0; index < 3; index++ {
		at := testEpoch.Add(time.Duration(index) * time.Hour)
		if _, _, err := legacy.AppendVisit(ctx, testVisit("amy", SourceKiosk, at)); err != nil {
			t.Fatalf("seed visit failed: %v", err)
		}
	}
	if _, _, err := legacy.AppendVisit(ctx, testVisit("ben", SourceWalkIn, testEpoch)); err != nil {
		t.Fatalf("seed visit failed: %v", err)
	}
	if _, err := split.PutUser(ctx, testUser("ben", "Benjamin")); err != nil {
		t.Fatalf("seed diverging user failed: %v", err)
	}

	report, err := CopyLegacy(ctx, MigrationConfig{Legacy: legacy, Split: split, BatchSize: 2})
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if report.UsersCopied != 1 || report.UsersReplaced != 1 {
		t.Fatalf("unexpected user counts %+v", report)
	}
	if report.VisitsCopied != 4 || report.VisitsOrphaned != 0 {
		t.Fatalf("unexpected visit counts %+v", report)
	}

	ben, _, err := split.FindUser(ctx, "ben")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if ben.DisplayName != "Ben" {
		t.Fatalf("expected legacy record to win, got %q", ben.DisplayName)
	}

	again, err := CopyLegacy(ctx, MigrationConfig{Legacy: legacy, Split: split, BatchSize: 2})
	if err != nil {
		t.Fatalf("second copy failed: %v", err)
	}
	if again.UsersCopied != 0 || again.UsersReplaced != 0 || again.VisitsCopied != 0 {
		t.Fatalf("expected second copy to be a no-op, got %+v", again)
	}
	if again.UsersSkipped != 2 || again.VisitsSkipped != 4 {
		t.Fatalf("expected everything skipped on rerun, got %+v", again)
	}

	visits, err := split.ListVisits(ctx, "amy", time.Time{}, time.Time{})
	if err != nil || len(visits) != 3 {
		t.Fatalf("expected 3 copied visits, got %d (%v)", len(visits), err)
	}
}

func TestCopyLegacyCountsOrphanVisits(t *testing.T) {
	db := openTestDatabase(t)
	legacy := newTestLegacy(t, db)
	split := newTestSplit(t, db)
	ctx := context.Background()

	orphan := newLegacyVisitItem(testVisit("gone", SourceKiosk, testEpoch))
	if err := db.Table(legacy.Table()).Create(&orphan).Error; err != nil {
		t.Fatalf("seed orphan failed: %v", err)
	}

	report, err := CopyLegacy(ctx, MigrationConfig{Legacy: legacy, Split: split})
	if err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	if report.VisitsOrphaned != 1 {
		t.Fatalf("expected one orphan, got %+v", report)
	}
}
