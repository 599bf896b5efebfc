package main

import (
	"testing"

	"magstats/internal/article"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIDs(t *testing.T) {
	tests := []struct {
		name    string
		raw     []string
		want    []int64
		wantErr bool
	}{
		{"none", nil, []int64{}, false},
		{"several", []string{"1", "42", "7"}, []int64{1, 42, 7}, false},
		{"not a number", []string{"1", "abc"}, nil, true},
		{"zero", []string{"0"}, nil, true},
		{"negative", []string{"-3"}, nil, true},
		{"overflow", []string{"9223372036854775808"}, nil, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseIDs(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// Argument errors are reported before any connection is made.
func TestReconcileCommandArguments(t *testing.T) {
	both := &reconcileCommand{All: true}
	both.Args.IDs = []string{"1"}
	assert.EqualError(t, both.Execute(nil), "pass either --all or item ids")

	neither := &reconcileCommand{}
	assert.EqualError(t, neither.Execute(nil), "pass either --all or item ids")

	bad := &reconcileCommand{}
	bad.Args.IDs = []string{"x"}
	assert.EqualError(t, bad.Execute(nil), `invalid item id "x"`)
}

func TestRecalculateCommandRejectsBadID(t *testing.T) {
	cmd := &recalculateCommand{}
	cmd.Args.IDs = []string{"12", "nope"}
	assert.EqualError(t, cmd.Execute(nil), `invalid item id "nope"`)
}

func TestTopCommandRejectsBadScope(t *testing.T) {
	cmd := &topCommand{Scope: "section", Limit: 10}
	assert.ErrorIs(t, cmd.Execute(nil), article.ErrInvalidSelector)
}
