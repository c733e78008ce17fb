package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
)

var ErrInvalidSpec = errors.New("invalid job spec")

// JobSpec is the immutable input of one job. ID is the primary key everywhere
// and the name of the job working directory.
type JobSpec struct {
	ID         string   `json:"id" yaml:"id"`
	CloneURL   string   `json:"clone_url" yaml:"clone_url"`
	Revision   string   `json:"revision,omitempty" yaml:"revision,omitempty"`
	ConfigPath string   `json:"config_path" yaml:"config_path"`
	Metadata   Metadata `json:"metadata" yaml:"metadata"`
}

// Metadata is used for display only, the pipeline never reads it.
type Metadata struct {
	CommitMessage   string   `json:"commit_message,omitempty" yaml:"commit_message,omitempty"`
	CommitURL       string   `json:"commit_url,omitempty" yaml:"commit_url,omitempty"`
	CommitTimestamp string   `json:"commit_timestamp,omitempty" yaml:"commit_timestamp,omitempty"`
	AuthorLogin     string   `json:"author_login,omitempty" yaml:"author_login,omitempty"`
	AuthorEmail     string   `json:"author_email,omitempty" yaml:"author_email,omitempty"`
	AuthorAvatarURL string   `json:"author_avatar_url,omitempty" yaml:"author_avatar_url,omitempty"`
	Contributors    []string `json:"contributors,omitempty" yaml:"contributors,omitempty"`
}

// Validate checks the fields the pipeline depends on. The id travels as the
// first token of every channel message and names a directory, so it can't
// contain whitespace or path elements.
func (s JobSpec) Validate() error {
	var errs []error
	switch {
	case s.ID == "":
		errs = append(errs, errors.New("id is empty"))
	case strings.ContainsFunc(s.ID, unicode.IsSpace):
		errs = append(errs, fmt.Errorf("id %q contains whitespace", s.ID))
	case strings.ContainsAny(s.ID, `/\`) || s.ID == "." || s.ID == "..":
		errs = append(errs, fmt.Errorf("id %q is not a valid directory name", s.ID))
	}
	if s.CloneURL == "" {
		errs = append(errs, errors.New("clone_url is empty"))
	}
	if s.ConfigPath == "" {
		errs = append(errs, errors.New("config_path is empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, errors.Join(errs...))
	}
	return nil
}

// BuildRecord is the durable representation of a job.
type BuildRecord struct {
	JobID             string `json:"job_id" db:"job_id" yaml:"job_id"`
	CommitMessage     string `json:"commit_message" db:"commit_message" yaml:"commit_message"`
	CommitURL         string `json:"commit_url" db:"commit_url" yaml:"commit_url"`
	State             State  `json:"state" db:"state" yaml:"state"`
	CommitTimestamp   string `json:"commit_timestamp" db:"commit_timestamp" yaml:"commit_timestamp"`
	FinishTimestamp   string `json:"finish_timestamp" db:"finish_timestamp" yaml:"finish_timestamp"`
	AuthorLogin       string `json:"author_login" db:"author_login" yaml:"author_login"`
	AuthorEmail       string `json:"author_email" db:"author_email" yaml:"author_email"`
	AuthorAvatarURL   string `json:"author_avatar_url" db:"author_avatar_url" yaml:"author_avatar_url"`
	ContributorsEmail string `json:"contributors_email" db:"contributors_email" yaml:"contributors_email"`
	Note              string `json:"note" db:"note" yaml:"note"`
}

// NewBuildRecord returns the record stored before a worker is spawned.
func NewBuildRecord(spec JobSpec) BuildRecord {
	md := spec.Metadata
	return BuildRecord{
		JobID:             spec.ID,
		CommitMessage:     md.CommitMessage,
		CommitURL:         md.CommitURL,
		State:             StateStandby,
		CommitTimestamp:   md.CommitTimestamp,
		AuthorLogin:       md.AuthorLogin,
		AuthorEmail:       md.AuthorEmail,
		AuthorAvatarURL:   md.AuthorAvatarURL,
		ContributorsEmail: strings.Join(md.Contributors, ","),
	}
}

// Timestamp is the format of timestamps stored in a BuildRecord.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
