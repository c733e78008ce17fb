package model_test

import (
	"testing"

	"github.com/RugbyTeam/Rugby/internal/model"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestValidTransition(t *testing.T) {
	t.Parallel()
	type given struct {
		from model.State
		to   model.State
	}
	var testCases = []struct {
		scenario string
		given    given
		then     bool
	}{
		{"first message", given{model.StateUnset, model.StateStandby}, true},
		{"unset to error", given{model.StateUnset, model.StateError}, true},
		{"unset skipping standby", given{model.StateUnset, model.StateInitializing}, false},
		{"next phase", given{model.StateSpawningVMs, model.StateCloningSource}, true},
		{"same phase note", given{model.StateRunningInstall, model.StateRunningInstall}, true},
		{"skip a phase", given{model.StateSpawningVMs, model.StateRunningInstall}, false},
		{"backwards", given{model.StateRunningTests, model.StateCloningSource}, false},
		{"cleanup to success", given{model.StateCleaningUp, model.StateSuccess}, true},
		{"error from install", given{model.StateRunningInstall, model.StateError}, true},
		{"out of success", given{model.StateSuccess, model.StateError}, false},
		{"out of error", given{model.StateError, model.StateError}, false},
		{"success repeated", given{model.StateSuccess, model.StateSuccess}, false},
		{"into unset", given{model.StateStandby, model.StateUnset}, false},
		{"unknown from", given{model.State("BOGUS"), model.StateError}, false},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.then, model.ValidTransition(tc.given.from, tc.given.to))
		})
	}
}

func TestParseState(t *testing.T) {
	t.Parallel()
	for _, st := range model.States() {
		got, err := model.ParseState(string(st))
		require.NoError(t, err)
		require.Equal(t, st, got)
	}
	_, err := model.ParseState("")
	require.EqualError(t, err, `unknown state ""`)
	_, err = model.ParseState("RugbyState.SUCCESS")
	require.Error(t, err)
}

func TestState(t *testing.T) {
	t.Parallel()
	require.Equal(t, model.StateStandby, model.StateUnset.Next())
	require.Equal(t, model.StateSuccess, model.StateCleaningUp.Next())
	require.Equal(t, model.StateSuccess, model.StateSuccess.Next())
	require.Equal(t, model.StateError, model.StateError.Next())
	require.Equal(t, "UNSET", model.StateUnset.String())
	require.True(t, model.StateError.Terminal())
	require.False(t, model.StateCleaningUp.Terminal())
}

// Any accepted sequence of states is non-decreasing along the pipeline except
// for a single final jump into ERROR, and never skips a phase.
func TestValidTransition_Sequences(t *testing.T) {
	t.Parallel()
	order := map[model.State]int{}
	for i, st := range model.States() {
		order[st] = i
	}

	rapid.Check(t, func(t *rapid.T) {
		draws := rapid.SliceOfN(rapid.SampledFrom(model.States()), 1, 32).Draw(t, "states")

		cur := model.StateUnset
		var accepted []model.State
		for _, to := range draws {
			if model.ValidTransition(cur, to) {
				accepted = append(accepted, to)
				cur = to
			}
		}

		for i, st := range accepted {
			if i == 0 {
				if st != model.StateStandby && st != model.StateError {
					t.Fatalf("first state %s", st)
				}
				continue
			}
			prev := accepted[i-1]
			if prev.Terminal() {
				t.Fatalf("%s accepted after terminal %s", st, prev)
			}
			if st == model.StateError {
				continue
			}
			if d := order[st] - order[prev]; d != 0 && d != 1 {
				t.Fatalf("%s -> %s skips or goes backwards", prev, st)
			}
		}
	})
}
