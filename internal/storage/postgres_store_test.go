package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/lib/pq"
)

func TestActiveRequestConflict(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"active index", &pq.Error{Code: "23505", Constraint: "ride_requests_one_active_idx"}, true},
		{"wrapped", fmt.Errorf("insert: %w", &pq.Error{Code: "23505", Constraint: "ride_requests_one_active_idx"}), true},
		{"primary key", &pq.Error{Code: "23505", Constraint: "ride_requests_pkey"}, false},
		{"user email", &pq.Error{Code: "23505", Constraint: "users_email_key"}, false},
		{"other code", &pq.Error{Code: "23503", Constraint: "ride_requests_one_active_idx"}, false},
		{"plain", errors.New("connection reset"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		if got := activeRequestConflict(tc.err); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}
