package prescription

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medtrack/go-medtrack/internal/infrastructure/postgres"
)

func TestRepository(t *testing.T) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skipf("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		t.Fatal(err)
	}

	repo := NewRepository(pool, nil)
	user := "user-" + uuid.New().String()

	first, err := repo.Create(ctx, user, Draft{
		DoctorName:   "Dr. Karim",
		HospitalName: "Square Hospital",
		Medications:  []Medication{{ID: "m1", Name: "Napa", Slots: []string{"morning"}, Instruction: InstructionAfterMeal}},
	}, "req-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := repo.Create(ctx, user, Draft{DoctorName: "Dr. Rahman", HospitalName: "City Clinic"}, "req-2")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := repo.Get(ctx, user, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	parsed := got.ParseMedications()
	if !parsed.Valid() || len(parsed.Medications) != 1 || parsed.Medications[0].Name != "Napa" {
		t.Errorf("medications = %+v", parsed)
	}

	if _, err := repo.Get(ctx, "someone-else", first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("other user's get: %v", err)
	}

	all, err := repo.History(ctx, user, "")
	if err != nil || len(all) != 2 || all[0].ID != second.ID {
		t.Errorf("history = %+v, %v", all, err)
	}
	found, _ := repo.History(ctx, user, "square")
	if len(found) != 1 || found[0].ID != first.ID {
		t.Errorf("search = %+v", found)
	}

	ids, err := repo.ListUserIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	listed := false
	for _, id := range ids {
		if id == user {
			listed = true
		}
	}
	if !listed {
		t.Errorf("%s missing from ListUserIDs", user)
	}

	if err := repo.RecordStatusChange(ctx, DoseStatusChangedData{UserID: user, Identity: first.ID + "_Napa_morning", Status: "completed"}); err != nil {
		t.Errorf("record status change: %v", err)
	}
}
