package nlparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Cycle schedules are the Indonesian rotating-duty pattern: "2 hari jam
// 7-15, libur 1 hari, berulang" describes two working days with a shift
// from 7:00 to 15:00, one day off, repeating every three days.

var (
	// Days-first: "2 hari jam 7-15". Shift-first: "masuk malam jam
	// 00:00-08:00 selama 3 hari".
	workSegRe   = regexp.MustCompile(`(?i)(\d+)\s*hari(?:\s+(?:kerja|masuk))?(?:\s+jam\s+(\d{1,2})(?:[:.](\d{2}))?(?:\s*-\s*(\d{1,2})(?:[:.](\d{2}))?)?)?`)
	workShiftRe = regexp.MustCompile(`(?i)jam\s+(\d{1,2})(?:[:.](\d{2}))?(?:\s*-\s*(\d{1,2})(?:[:.](\d{2}))?)?\s+selama\s+(\d+)\s*hari`)
	offSegRe    = regexp.MustCompile(`(?i)(?:libur|off|cuti|istirahat)\s*(\d+)\s*hari|(\d+)\s*hari\s*(?:libur|off|cuti|istirahat)`)
	dateRe      = regexp.MustCompile(`(\d{4})-(\d{2})-(\d{2})|(\d{1,2})[-/](\d{1,2})[-/](\d{4})`)

	cycleConnectors = regexp.MustCompile(`(?i)\s*(?:,|;|setelah itu|lalu|kemudian|terus|dan)\s*`)
	recurringWords  = []string{"berulang", "diulang", "ulangi", "terus menerus", "seterusnya"}
)

type cycleSegment struct {
	days               int
	work               bool
	startHour, startMn int
	endHour, endMn     int
	hasTime            bool
	hasEnd             bool
}

// ParseCycle recognizes a rotating work/off schedule. It requires at least
// one "N hari" segment plus a cycle cue (an off segment, a recurring word,
// or a roster word like "piket"), so ordinary reminders never match.
func ParseCycle(text string, now time.Time, loc *time.Location) (*CycleSchedule, bool) {
	if loc == nil {
		loc = time.Local
	}
	lower := strings.ToLower(text)

	if !workSegRe.MatchString(lower) && !workShiftRe.MatchString(lower) {
		return nil, false
	}
	recurring := containsAny(lower, recurringWords)
	hasCue := recurring ||
		offSegRe.MatchString(lower) ||
		containsAny(lower, []string{"piket", "jadwal", "shift", "rota", "giliran"})
	if !hasCue {
		return nil, false
	}

	segments, title := parseCycleSegments(text)
	if len(segments) == 0 {
		return nil, false
	}
	hasWork := false
	for _, seg := range segments {
		if seg.work {
			hasWork = true
		}
	}
	if !hasWork {
		return nil, false
	}

	anchor := cycleAnchor(text, lower, now, loc)
	periodDays := 0
	for _, seg := range segments {
		periodDays += seg.days
	}

	var events []CycleEvent
	dayCursor := 0
	for _, seg := range segments {
		if !seg.work {
			dayCursor += seg.days
			continue
		}
		for d := 0; d < seg.days; d++ {
			offset := dayCursor + d
			startHour, startMn := seg.startHour, seg.startMn
			if !seg.hasTime {
				startHour, startMn = defaultHour()
			}
			start := anchor.AddDate(0, 0, offset)
			start = time.Date(start.Year(), start.Month(), start.Day(), startHour, startMn, 0, 0, loc)
			start = advanceIntoFuture(start, now, recurring, periodDays)
			if !start.IsZero() {
				events = append(events, CycleEvent{Label: "mulai", DayOffset: offset, AtMs: start.UnixMilli()})
			}
			if seg.hasEnd {
				end := anchor.AddDate(0, 0, offset)
				end = time.Date(end.Year(), end.Month(), end.Day(), seg.endHour, seg.endMn, 0, 0, loc)
				if !end.After(time.Date(end.Year(), end.Month(), end.Day(), startHour, startMn, 0, 0, loc)) {
					end = end.AddDate(0, 0, 1) // overnight shift
				}
				end = advanceIntoFuture(end, now, recurring, periodDays)
				if !end.IsZero() {
					events = append(events, CycleEvent{Label: "selesai", DayOffset: offset, AtMs: end.UnixMilli()})
				}
			}
		}
		dayCursor += seg.days
	}
	if len(events) == 0 {
		return nil, false
	}

	return &CycleSchedule{
		Title:      title,
		PeriodDays: periodDays,
		Recurring:  recurring,
		Events:     events,
	}, true
}

// parseCycleSegments splits on connectors and classifies each piece as a
// work or off segment. The leading text before the first segment becomes
// the title.
func parseCycleSegments(text string) ([]cycleSegment, string) {
	pieces := cycleConnectors.Split(text, -1)
	var segments []cycleSegment
	title := ""

	for i, piece := range pieces {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}

		if m := offSegRe.FindStringSubmatch(piece); m != nil {
			nStr := m[1]
			if nStr == "" {
				nStr = m[2]
			}
			n, err := strconv.Atoi(nStr)
			if err != nil || n <= 0 {
				continue
			}
			segments = append(segments, cycleSegment{days: n, work: false})
			continue
		}

		// Shift-first ordering wins when both could match: "jam 00:00-08:00
		// selama 3 hari" also contains a bare "3 hari".
		if m := workShiftRe.FindStringSubmatchIndex(piece); m != nil {
			n, err := strconv.Atoi(submatch(piece, m, 5))
			if err != nil || n <= 0 {
				continue
			}
			seg := cycleSegment{days: n, work: true, hasTime: true}
			seg.startHour, _ = strconv.Atoi(submatch(piece, m, 1))
			if mn := submatch(piece, m, 2); mn != "" {
				seg.startMn, _ = strconv.Atoi(mn)
			}
			if eh := submatch(piece, m, 3); eh != "" {
				seg.hasEnd = true
				seg.endHour, _ = strconv.Atoi(eh)
				if emn := submatch(piece, m, 4); emn != "" {
					seg.endMn, _ = strconv.Atoi(emn)
				}
			}
			if seg.startHour > 23 || seg.endHour > 23 || seg.startMn > 59 || seg.endMn > 59 {
				continue
			}
			segments = append(segments, seg)
			if i == 0 && title == "" && m[0] > 0 {
				title = cleanCycleTitle(piece[:m[0]])
			}
			continue
		}

		if m := workSegRe.FindStringSubmatchIndex(piece); m != nil {
			n, err := strconv.Atoi(submatch(piece, m, 1))
			if err != nil || n <= 0 {
				continue
			}
			seg := cycleSegment{days: n, work: true}
			if h := submatch(piece, m, 2); h != "" {
				seg.hasTime = true
				seg.startHour, _ = strconv.Atoi(h)
				if mn := submatch(piece, m, 3); mn != "" {
					seg.startMn, _ = strconv.Atoi(mn)
				}
				if eh := submatch(piece, m, 4); eh != "" {
					seg.hasEnd = true
					seg.endHour, _ = strconv.Atoi(eh)
					if emn := submatch(piece, m, 5); emn != "" {
						seg.endMn, _ = strconv.Atoi(emn)
					}
				}
			}
			if seg.startHour > 23 || seg.endHour > 23 || seg.startMn > 59 || seg.endMn > 59 {
				continue
			}
			segments = append(segments, seg)

			// Words before the first segment name the roster.
			if i == 0 && title == "" && m[0] > 0 {
				title = cleanCycleTitle(piece[:m[0]])
			}
			continue
		}

		if i == 0 && title == "" {
			title = cleanCycleTitle(piece)
		}
	}
	return segments, title
}

// submatch extracts capture group g from a FindStringSubmatchIndex result.
func submatch(s string, m []int, g int) string {
	if m[2*g] < 0 {
		return ""
	}
	return s[m[2*g]:m[2*g+1]]
}

func cleanCycleTitle(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, lead := range []string{"buatkan", "buat", "bikin", "tolong", "jadwalkan", "set", "create"} {
		if strings.HasPrefix(lower, lead) {
			s = strings.TrimSpace(s[len(lead):])
			lower = strings.ToLower(s)
		}
	}
	return strings.Trim(s, " :.-")
}

// cycleAnchor finds the first day of the cycle: an explicit date, a
// relative day word, or today.
func cycleAnchor(text, lower string, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	if m := dateRe.FindStringSubmatch(text); m != nil {
		var y, mo, d int
		if m[1] != "" {
			y, _ = strconv.Atoi(m[1])
			mo, _ = strconv.Atoi(m[2])
			d, _ = strconv.Atoi(m[3])
		} else {
			d, _ = strconv.Atoi(m[4])
			mo, _ = strconv.Atoi(m[5])
			y, _ = strconv.Atoi(m[6])
		}
		if mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
			return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, loc)
		}
	}
	if offset := findDayOffset(lower); offset > 0 {
		return today.AddDate(0, 0, offset)
	}
	return today
}

// advanceIntoFuture pushes a past occurrence forward by whole periods when
// the cycle recurs; a past one-shot is dropped (zero time).
func advanceIntoFuture(t, now time.Time, recurring bool, periodDays int) time.Time {
	if t.After(now) {
		return t
	}
	if !recurring || periodDays <= 0 {
		return time.Time{}
	}
	for !t.After(now) {
		t = t.AddDate(0, 0, periodDays)
	}
	return t
}
