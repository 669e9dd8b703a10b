package relstore

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestValidRelationType(t *testing.T) {
	for _, rt := range AllRelationTypes {
		if !ValidRelationType(string(rt)) {
			t.Fatalf("ValidRelationType(%q) = false, want true", rt)
		}
	}
	if ValidRelationType("bogus") {
		t.Fatalf("ValidRelationType(\"bogus\") = true, want false")
	}
}

func TestCreatorRankOrdering(t *testing.T) {
	if creatorRank(CreatorUser) <= creatorRank(CreatorAuto) {
		t.Fatalf("user should outrank auto")
	}
	if creatorRank(CreatorAuto) <= creatorRank(CreatorSystem) {
		t.Fatalf("auto should outrank system")
	}
	if creatorRank(Creator("unknown")) != 0 {
		t.Fatalf("unknown creator should rank 0")
	}
}

func TestRelationTypeStrings(t *testing.T) {
	got := relationTypeStrings([]RelationType{Fixes, Causes})
	if len(got) != 2 || got[0] != "fixes" || got[1] != "causes" {
		t.Fatalf("relationTypeStrings = %v", got)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if isUniqueViolation(errors.New("plain error")) {
		t.Fatalf("plain error should not be a unique violation")
	}
	if isUniqueViolation(nil) {
		t.Fatalf("nil error should not be a unique violation")
	}
	pgErr := &pgconn.PgError{Code: "23505"}
	if !isUniqueViolation(pgErr) {
		t.Fatalf("pgError with code 23505 should be a unique violation")
	}
	other := &pgconn.PgError{Code: "23503"}
	if isUniqueViolation(other) {
		t.Fatalf("pgError with a different code should not be a unique violation")
	}
}
