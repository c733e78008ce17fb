package model_test

import (
	"testing"
	"time"

	"github.com/RugbyTeam/Rugby/internal/model"
	"github.com/stretchr/testify/require"
)

func TestJobSpecValidate(t *testing.T) {
	t.Parallel()
	valid := model.JobSpec{
		ID:         "abc123",
		CloneURL:   "https://github.com/RugbyTeam/Rugby.git",
		ConfigPath: "/srv/repo/.rugby.yml",
	}
	require.NoError(t, valid.Validate())

	var testCases = []struct {
		scenario string
		given    func(s model.JobSpec) model.JobSpec
	}{
		{"empty id", func(s model.JobSpec) model.JobSpec { s.ID = ""; return s }},
		{"id with space", func(s model.JobSpec) model.JobSpec { s.ID = "abc 123"; return s }},
		{"id with newline", func(s model.JobSpec) model.JobSpec { s.ID = "abc\n123"; return s }},
		{"id with slash", func(s model.JobSpec) model.JobSpec { s.ID = "../etc"; return s }},
		{"dot dot", func(s model.JobSpec) model.JobSpec { s.ID = ".."; return s }},
		{"no clone url", func(s model.JobSpec) model.JobSpec { s.CloneURL = ""; return s }},
		{"no config", func(s model.JobSpec) model.JobSpec { s.ConfigPath = ""; return s }},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			err := tc.given(valid).Validate()
			require.ErrorIs(t, err, model.ErrInvalidSpec)
		})
	}
}

func TestNewBuildRecord(t *testing.T) {
	t.Parallel()
	spec := model.JobSpec{
		ID:         "abc123",
		CloneURL:   "https://example.com/r.git",
		ConfigPath: "/tmp/.rugby.yml",
		Metadata: model.Metadata{
			CommitMessage: "fix 'quotes'",
			AuthorLogin:   "octocat",
			Contributors:  []string{"a@example.com", "b@example.com"},
		},
	}
	rec := model.NewBuildRecord(spec)
	require.Equal(t, "abc123", rec.JobID)
	require.Equal(t, model.StateStandby, rec.State)
	require.Equal(t, "fix 'quotes'", rec.CommitMessage)
	require.Equal(t, "a@example.com,b@example.com", rec.ContributorsEmail)
	require.Empty(t, rec.FinishTimestamp)
}

func TestTimestamp(t *testing.T) {
	t.Parallel()
	ts := time.Date(2015, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))
	require.Equal(t, "2015-03-01T11:30:00Z", model.Timestamp(ts))
}
