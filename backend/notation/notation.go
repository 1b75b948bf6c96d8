package notation

import (
	"regexp"
	"strings"
)

// Standard scorekeeping position numbers (1=P through 9=RF).
const (
	Pitcher = iota + 1
	Catcher
	FirstBase
	SecondBase
	ThirdBase
	Shortstop
	LeftField
	CenterField
	RightField
)

var positionCodes = map[int]string{
	Pitcher:     "P",
	Catcher:     "C",
	FirstBase:   "1B",
	SecondBase:  "2B",
	ThirdBase:   "3B",
	Shortstop:   "SS",
	LeftField:   "LF",
	CenterField: "CF",
	RightField:  "RF",
}

// PositionCode returns the roster code for a position number, or "" if the
// number is outside 1-9.
func PositionCode(n int) string {
	return positionCodes[n]
}

// PositionNumber returns the position number for a roster code, or 0 if the
// code is not a standard position. Matching is case-insensitive.
func PositionNumber(code string) int {
	code = strings.ToUpper(strings.TrimSpace(code))
	for n, c := range positionCodes {
		if c == code {
			return n
		}
	}
	return 0
}

// Event is the decoded result of one at-bat cell. All counting fields are
// non-negative. A pitching-change cell produces an Event with PitchingChange
// set and every at-bat field zero.
type Event struct {
	BattersFaced int `json:"bf,omitempty"`
	Outs         int `json:"outs,omitempty"`
	Hits         int `json:"hits,omitempty"`
	HomeRuns     int `json:"hr,omitempty"`
	Runs         int `json:"runs,omitempty"`
	Walks        int `json:"walks,omitempty"`
	Strikeouts   int `json:"so,omitempty"`
	AtBats       int `json:"ab,omitempty"`
	TotalBases   int `json:"tb,omitempty"`

	NicePlay       bool `json:"np,omitempty"`
	Error          bool `json:"err,omitempty"`
	StolenBase     bool `json:"sb,omitempty"`
	CaughtStealing bool `json:"cs,omitempty"`
	DoublePlay     bool `json:"dp,omitempty"`

	// Fielder is the position number (1-9) qualifying a nice play or error,
	// or 0 when the notation named no fielder.
	Fielder int `json:"fielder,omitempty"`

	PitchingChange   bool `json:"pc,omitempty"`
	InheritedRunners int  `json:"ir,omitempty"`
}

// IsZero reports whether the event carries no information at all.
func (e Event) IsZero() bool {
	return e == Event{}
}

var (
	pitchingChangeRe = regexp.MustCompile(`^PC([0-3])$`)
	nicePlayFielder  = regexp.MustCompile(`NP([1-9])`)
	errorFielder     = regexp.MustCompile(`(?:^|\s)E([1-9])(?:\s|$)`)
	rbiCounts        = []struct {
		token string
		runs  int
	}{
		{"4RBI", 4},
		{"3RBI", 3},
		{"2RBI", 2},
		{"RBI", 1},
	}
)

// rule is one (pattern, effect) entry of the scoring grammar. Rules run in
// declaration order over the uppercased text; a later rule may overwrite what
// an earlier one set, which is how HR wins total bases over 1B/2B/3B.
type rule struct {
	name  string
	match func(s string) bool
	apply func(s string, e *Event)
}

func contains(token string) func(string) bool {
	return func(s string) bool { return strings.Contains(s, token) }
}

var rules = []rule{
	{"single", contains("1B"), func(_ string, e *Event) {
		e.Hits, e.TotalBases = 1, 1
	}},
	{"double", contains("2B"), func(_ string, e *Event) {
		e.Hits, e.TotalBases = 1, 2
	}},
	{"triple", contains("3B"), func(_ string, e *Event) {
		e.Hits, e.TotalBases = 1, 3
	}},
	{"homerun", contains("HR"), func(_ string, e *Event) {
		e.Hits, e.TotalBases, e.HomeRuns = 1, 4, 1
	}},
	{"walk", contains("BB"), func(_ string, e *Event) {
		e.Walks = 1
	}},
	{"strikeout", contains("K"), func(_ string, e *Event) {
		e.Strikeouts = 1
	}},
	{"fielders choice out", contains("FC OUT"), func(_ string, e *Event) {
		e.Outs = 1
	}},
	{"sacrifice", func(s string) bool {
		return strings.Contains(s, "SF") || strings.Contains(s, "SH")
	}, func(_ string, e *Event) {
		e.Outs++
	}},
	{"outs", func(s string) bool { return true }, func(s string, e *Event) {
		// Only if nothing above already recorded the batter's out.
		if e.Outs > 0 {
			return
		}
		switch {
		case strings.Contains(s, "TP"):
			e.Outs = 3
			e.DoublePlay = true // triple plays share the DP hitting counter
		case strings.Contains(s, "DP"):
			e.Outs = 2
			e.DoublePlay = true
		case strings.Contains(s, "OUT") || e.Strikeouts > 0:
			e.Outs = 1
		}
	}},
	{"stolen base", contains("SB"), func(_ string, e *Event) {
		e.StolenBase = true
	}},
	{"caught stealing", contains("CS"), func(_ string, e *Event) {
		// A caught-stealing is a baserunning out layered on top of
		// whatever the batter did.
		e.CaughtStealing = true
		e.Outs++
	}},
	{"rbi", contains("RBI"), func(s string, e *Event) {
		for _, rc := range rbiCounts {
			if strings.Contains(s, rc.token) {
				e.Runs = rc.runs
				return
			}
		}
	}},
	{"nice play", contains("NP"), func(s string, e *Event) {
		e.NicePlay = true
		if m := nicePlayFielder.FindStringSubmatch(s); m != nil {
			e.Fielder = int(m[1][0] - '0')
		}
	}},
	{"error", func(s string) bool {
		// Deliberately narrow so tokens merely containing the letter E
		// ("SE", "HBP-E"?) do not register an error.
		return s == "E" ||
			strings.Contains(s, " E ") ||
			strings.HasPrefix(s, "E ") ||
			strings.HasSuffix(s, " E") ||
			errorFielder.MatchString(s)
	}, func(s string, e *Event) {
		e.Error = true
		if m := errorFielder.FindStringSubmatch(s); m != nil {
			e.Fielder = int(m[1][0] - '0')
		}
	}},
}

// Parse decodes one cell of at-bat notation. It is pure and total: any input,
// including garbage, yields a well-formed Event. Unrecognized tokens are
// ignored rather than rejected.
func Parse(text string) Event {
	var e Event
	s := strings.ToUpper(strings.TrimSpace(text))
	if s == "" {
		return e
	}

	if m := pitchingChangeRe.FindStringSubmatch(s); m != nil {
		e.PitchingChange = true
		e.InheritedRunners = int(m[1][0] - '0')
		return e
	}

	e.BattersFaced = 1
	for _, r := range rules {
		if r.match(s) {
			r.apply(s, &e)
		}
	}

	// Walks and sacrifices are plate appearances but not at-bats.
	sacrifice := strings.Contains(s, "SF") || strings.Contains(s, "SH")
	if e.Walks == 0 && !sacrifice {
		e.AtBats = 1
	}
	return e
}
