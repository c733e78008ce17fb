package ipc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/RugbyTeam/Rugby/internal/model"
)

var ErrMalformed = errors.New("malformed message")

// Message is the unit sent from a worker to the supervisor.
type Message struct {
	JobID string
	State model.State
	Note  string
}

func (m Message) String() string {
	return fmt.Sprintf("%s %s %s", m.JobID, m.State, m.Note)
}

// MarshalText encodes m as a single line "<job_id> <state> <note>" without the
// trailing newline. Line breaks inside the note are folded into spaces.
func (m Message) MarshalText() ([]byte, error) {
	if m.JobID == "" || strings.ContainsAny(m.JobID, " \t\r\n") {
		return nil, fmt.Errorf("%w: job id %q", ErrMalformed, m.JobID)
	}
	if _, err := model.ParseState(string(m.State)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	note := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(m.Note)
	return []byte(m.JobID + " " + string(m.State) + " " + note), nil
}

// Parse decodes one line. The first two space delimited tokens are the job id
// and the state, the rest is a free text note.
func Parse(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	id, rest, ok := strings.Cut(line, " ")
	if !ok || id == "" {
		return Message{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
	st, note, _ := strings.Cut(rest, " ")
	state, err := model.ParseState(st)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return Message{JobID: id, State: state, Note: note}, nil
}
