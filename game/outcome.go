package game

import "github.com/rotisserie/eris"

// TieBreak decides the winner of an exact score tie.
type TieBreak int

const (
	// TieLastReporter awards a tie to whoever reported second.
	TieLastReporter TieBreak = iota
	TieFirstReporter
)

func ParseTieBreak(s string) (TieBreak, error) {
	switch s {
	case "", "last-reporter":
		return TieLastReporter, nil
	case "first-reporter":
		return TieFirstReporter, nil
	}
	return 0, eris.Errorf("unknown tie-break policy %q", s)
}

func (t TieBreak) String() string {
	if t == TieFirstReporter {
		return "first-reporter"
	}
	return "last-reporter"
}

// ErrNoWinner is returned when both participants forfeited.
var ErrNoWinner = eris.New("both participants forfeited")

// Decide picks winner and loser from the two reports of a session.
// A forfeit never wins against a real report. Otherwise the strictly higher
// score wins and ties go to the tie-break policy.
func Decide(reports []Report, policy TieBreak) (winner, loser Report, err error) {
	if len(reports) != 2 {
		return Report{}, Report{}, eris.Errorf("need exactly two reports, got %d", len(reports))
	}
	first, second := reports[0], reports[1]
	if first.Order > second.Order {
		first, second = second, first
	}

	switch {
	case first.Forfeit && second.Forfeit:
		return Report{}, Report{}, ErrNoWinner
	case first.Forfeit:
		return second, first, nil
	case second.Forfeit:
		return first, second, nil
	case first.Score > second.Score:
		return first, second, nil
	case second.Score > first.Score:
		return second, first, nil
	case policy == TieFirstReporter:
		return first, second, nil
	default:
		return second, first, nil
	}
}
