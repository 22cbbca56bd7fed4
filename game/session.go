package game

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

var (
	ErrSessionNotFound = eris.New("session not found")
	ErrNotParticipant  = eris.New("connection is not a participant of this session")
	ErrDuplicateReport = eris.New("participant already reported")
	ErrSessionClosed   = eris.New("session already finalized or aborted")
	ErrSelfPair        = eris.New("a connection cannot pair with itself")
	ErrAlreadyInMatch  = eris.New("connection already belongs to a live session")
)

// Participant is a non-owning reference to a registry connection plus the
// display name it had when the session was created.
type Participant struct {
	ConnID      string
	DisplayName string
}

// Report is one participant's final score. Order is 1 for the first report
// recorded against the session and 2 for the second. DisplayName is always
// the participant's name at pairing time.
type Report struct {
	ReporterID  string
	DisplayName string
	Score       int
	Order       int
	Forfeit     bool
	At          time.Time
}

// Session is a live two-participant match and its pending result.
type Session struct {
	ID        string
	A, B      Participant
	CreatedAt time.Time

	mu      sync.Mutex
	reports []Report
	closed  bool
}

func newSession(id string, a, b Participant) *Session {
	return &Session{
		ID:        id,
		A:         a,
		B:         b,
		CreatedAt: time.Now(),
		reports:   make([]Report, 0, 2),
	}
}

// Participant returns the participant with the given connection id.
func (s *Session) Participant(connID string) (Participant, bool) {
	switch connID {
	case s.A.ConnID:
		return s.A, true
	case s.B.ConnID:
		return s.B, true
	}
	return Participant{}, false
}

// Peer returns the other participant. ok is false if connID is not in the session.
func (s *Session) Peer(connID string) (Participant, bool) {
	switch connID {
	case s.A.ConnID:
		return s.B, true
	case s.B.ConnID:
		return s.A, true
	}
	return Participant{}, false
}

// Record adds a report. When it completes the pair, the session is closed and
// both reports are returned in arrival order. Only one caller ever sees complete=true.
func (s *Session) Record(r Report) (reports []Report, complete bool, err error) {
	p, ok := s.Participant(r.ReporterID)
	if !ok {
		return nil, false, eris.Wrapf(ErrNotParticipant, "session %s", s.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, false, eris.Wrapf(ErrSessionClosed, "session %s", s.ID)
	}
	for _, existing := range s.reports {
		if existing.ReporterID == r.ReporterID {
			return nil, false, eris.Wrapf(ErrDuplicateReport, "session %s reporter %s", s.ID, r.ReporterID)
		}
	}

	r.DisplayName = p.DisplayName
	if r.At.IsZero() {
		r.At = time.Now()
	}
	r.Order = len(s.reports) + 1
	s.reports = append(s.reports, r)

	if len(s.reports) < 2 {
		return nil, false, nil
	}
	s.closed = true
	out := make([]Report, len(s.reports))
	copy(out, s.reports)
	return out, true, nil
}

// HasReported reports whether connID already has a recorded report.
func (s *Session) HasReported(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.reports {
		if r.ReporterID == connID {
			return true
		}
	}
	return false
}

// Abort closes the session without a result. It returns false if the session
// was already closed by a completing report or an earlier abort.
func (s *Session) Abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
