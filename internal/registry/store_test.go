// internal/registry/store_test.go
//
// Unit-tests for the tenant store using sqlmock.
//
// Run: go test ./internal/registry -v

package registry

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

var now = time.Now()

func newStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(sqlx.NewDb(db, "sqlmock")), mock
}

func recordRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "slug", "name", "dsn", "status",
		"pool_max_size", "pool_max_overflow", "pool_idle_timeout_s",
		"pool_acquire_timeout_ms", "created_at", "updated_at",
	})
}

func TestBySlug(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("(?s)SELECT .+ FROM tenant WHERE slug = \\?").
		WithArgs("acme").
		WillReturnRows(recordRows().AddRow(
			"11111111-1111-1111-1111-111111111111", "acme", "Acme Corp",
			"acme:pw@tcp(127.0.0.1:3306)/acme", "active",
			nil, nil, nil, nil, now, now))

	rec, err := s.BySlug(context.Background(), "acme")
	if err != nil {
		t.Fatalf("BySlug error: %v", err)
	}
	if rec.Slug != "acme" || rec.Status != StatusActive {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestBySlug_NotFound(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("(?s)SELECT .+ FROM tenant WHERE slug = \\?").
		WithArgs("ghost").
		WillReturnRows(recordRows())

	_, err := s.BySlug(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestBySlug_Unavailable(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("(?s)SELECT .+ FROM tenant WHERE slug = \\?").
		WithArgs("acme").
		WillReturnError(errors.New("connection refused"))

	_, err := s.BySlug(context.Background(), "acme")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("store error must not be conflated with NotFound")
	}
}

func TestUpdateStatus(t *testing.T) {
	s, mock := newStore(t)
	const id = "11111111-1111-1111-1111-111111111111"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM tenant WHERE id = ? FOR UPDATE`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE tenant SET status = ? WHERE id = ?`)).
		WithArgs("suspended", id).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.UpdateStatus(context.Background(), id, StatusSuspended); err != nil {
		t.Fatalf("UpdateStatus error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet SQL expectations: %v", err)
	}
}

func TestUpdateStatus_BadTransition(t *testing.T) {
	s, mock := newStore(t)
	const id = "11111111-1111-1111-1111-111111111111"

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT status FROM tenant WHERE id = ? FOR UPDATE`)).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("archived"))
	mock.ExpectRollback()

	err := s.UpdateStatus(context.Background(), id, StatusActive)
	if !errors.Is(err, ErrBadTransition) {
		t.Fatalf("err = %v, want ErrBadTransition", err)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusProvisioning, StatusActive, true},
		{StatusActive, StatusSuspended, true},
		{StatusSuspended, StatusActive, true},
		{StatusActive, StatusArchived, true},
		{StatusSuspended, StatusArchived, true},
		{StatusArchived, StatusActive, false},
		{StatusArchived, StatusSuspended, false},
		{StatusProvisioning, StatusSuspended, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestList_StatusFilter(t *testing.T) {
	s, mock := newStore(t)

	mock.ExpectQuery("(?s)SELECT .+ FROM tenant WHERE status IN \\(\\?\\)").
		WithArgs("active").
		WillReturnRows(recordRows().AddRow(
			"1", "acme", "Acme", "dsn-a", "active",
			nil, nil, nil, nil, now, now).AddRow(
			"2", "beta", "Beta", "dsn-b", "active",
			nil, nil, nil, nil, now, now))

	rows, err := s.List(context.Background(), StatusActive)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("len = %d, want 2", len(rows))
	}
}
