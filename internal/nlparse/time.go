package nlparse

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	msSecond = int64(1000)
	msMinute = 60 * msSecond
	msHour   = 60 * msMinute
	msDay    = 24 * msHour
)

// Relative offsets: a number followed by a unit in any supported language.
// The trailing guard keeps latin units from matching inside longer words
// ("min" inside "minggu").
var relTimeRe = regexp.MustCompile(`(?i)(\d+)\s*(seconds?|secs?|minutes?|minit|mins?|hours?|hrs?|days?|detik|menit|jam|hari|วินาที|นาที|ชั่วโมง|วัน|分钟|分鐘|小时|小時|秒|天|日)(?:[^a-zA-Z]|$)`)

func unitToMs(unit string) (int64, bool) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "sec", "secs", "second", "seconds", "detik", "วินาที", "秒":
		return msSecond, true
	case "min", "mins", "minute", "minutes", "menit", "minit", "นาที", "分钟", "分鐘":
		return msMinute, true
	case "hour", "hours", "hr", "hrs", "jam", "ชั่วโมง", "小时", "小時":
		return msHour, true
	case "day", "days", "hari", "วัน", "天", "日":
		return msDay, true
	}
	return 0, false
}

// relativeMatch is a parsed "N unit" offset with its span in the text.
type relativeMatch struct {
	offsetMs int64
	span     [2]int
}

func findRelative(text string) (relativeMatch, bool) {
	m := relTimeRe.FindStringSubmatchIndex(text)
	if m == nil {
		return relativeMatch{}, false
	}
	n, err := strconv.ParseInt(text[m[2]:m[3]], 10, 64)
	if err != nil || n <= 0 {
		return relativeMatch{}, false
	}
	ms, ok := unitToMs(text[m[4]:m[5]])
	if !ok {
		return relativeMatch{}, false
	}
	start, end := m[0], m[5]
	// Take the preposition and trailing "from now"-style words with the span
	// so message extraction removes the whole phrase.
	start = expandLeft(text, start, []string{"in", "dalam", "另", "再"})
	end = expandRight(text, end, []string{"lagi", "from now", "later", "后", "後", "จากนี้"})
	return relativeMatch{offsetMs: n * ms, span: [2]int{start, end}}, true
}

func expandLeft(text string, start int, words []string) int {
	prefix := strings.ToLower(strings.TrimRight(text[:start], " \t"))
	for _, w := range words {
		if strings.HasSuffix(prefix, w) {
			cut := len(prefix) - len(w)
			if cut == 0 || !isWordChar(rune(prefix[cut-1])) {
				return cut
			}
		}
	}
	return start
}

func expandRight(text string, end int, words []string) int {
	rest := strings.ToLower(text[end:])
	trimmed := strings.TrimLeft(rest, " \t")
	skipped := len(rest) - len(trimmed)
	for _, w := range words {
		if strings.HasPrefix(trimmed, w) {
			return end + skipped + len(w)
		}
	}
	return end
}

func isWordChar(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
}

// Clock times. Each pattern yields hour, optional minute, and an optional
// meridiem word that shifts the hour.
var clockPatterns = []*regexp.Regexp{
	// "at 7", "at 7:30pm", "@ 19.15"
	regexp.MustCompile(`(?i)(?:^|[^a-z0-9])(?:at|@)\s*(\d{1,2})(?:[:.](\d{2}))?\s*(am|pm)?(?:[^a-z0-9]|$)`),
	// "jam 7", "jam 7.30 malam" (Indonesian/Malay)
	regexp.MustCompile(`(?i)(?:^|[^a-z0-9])jam\s*(\d{1,2})(?:[:.](\d{2}))?\s*(pagi|siang|sore|petang|malam)?(?:[^a-z0-9]|$)`),
	// bare "8pm"
	regexp.MustCompile(`(?i)(?:^|[^a-z0-9:.])(\d{1,2})(?:[:.](\d{2}))?\s*(am|pm)(?:[^a-z0-9]|$)`),
	// Chinese "晚上8点", "8点30分"
	regexp.MustCompile(`(上午|早上|下午|晚上)?\s*(\d{1,2})\s*[点點](?:\s*(\d{1,2})\s*分)?`),
	// Thai "เวลา 19", "19.30 น."
	regexp.MustCompile(`เวลา\s*(\d{1,2})(?:[:.](\d{2}))?`),
	regexp.MustCompile(`(\d{1,2})[:.](\d{2})\s*น`),
	// bare 24h "19:30"
	regexp.MustCompile(`(?:^|[^0-9:.])(\d{1,2}):(\d{2})(?:[^0-9]|$)`),
}

// chinesePattern has the meridiem group before the hour.
const chinesePatternIdx = 3

type clockMatch struct {
	hour, minute int
	span         [2]int
}

func findClock(text string) (clockMatch, bool) {
	for i, re := range clockPatterns {
		m := re.FindStringSubmatchIndex(text)
		if m == nil {
			continue
		}
		var hourStr, minStr, meridiem string
		pick := func(g int) string {
			if 2*g+1 < len(m) && m[2*g] >= 0 {
				return text[m[2*g]:m[2*g+1]]
			}
			return ""
		}
		if i == chinesePatternIdx {
			meridiem = pick(1)
			hourStr = pick(2)
			minStr = pick(3)
		} else {
			hourStr = pick(1)
			minStr = pick(2)
			meridiem = pick(3)
		}

		hour, err := strconv.Atoi(hourStr)
		if err != nil || hour > 23 {
			continue
		}
		minute := 0
		if minStr != "" {
			minute, err = strconv.Atoi(minStr)
			if err != nil || minute > 59 {
				continue
			}
		}
		switch strings.ToLower(meridiem) {
		case "pm", "sore", "petang", "malam", "下午", "晚上":
			if hour < 12 {
				hour += 12
			}
		case "siang":
			// "jam 2 siang" is 14:00 but "jam 11 siang" is 11:00.
			if hour >= 1 && hour <= 9 {
				hour += 12
			}
		case "am", "pagi", "上午", "早上":
			if hour == 12 {
				hour = 0
			}
		}
		return clockMatch{hour: hour, minute: minute, span: [2]int{m[0], m[1]}}, true
	}
	return clockMatch{}, false
}

// Day-offset words shift a clock time onto a later day.
var dayOffsets = []struct {
	word string
	days int
}{
	{"day after tomorrow", 2},
	{"tomorrow", 1},
	{"besok", 1},
	{"esok", 1},
	{"lusa", 2},
	{"明天", 1},
	{"后天", 2},
	{"後天", 2},
	{"พรุ่งนี้", 1},
	{"มะรืนนี้", 2},
}

func findDayOffset(lower string) int {
	for _, d := range dayOffsets {
		if strings.Contains(lower, d.word) {
			return d.days
		}
	}
	return 0
}

// resolveClock turns a wall-clock time into the next occurrence in loc.
// dayOffset > 0 pins the day explicitly; otherwise a time already past
// today rolls to tomorrow.
func resolveClock(cm clockMatch, now time.Time, loc *time.Location, dayOffset int) time.Time {
	local := now.In(loc)
	t := time.Date(local.Year(), local.Month(), local.Day(), cm.hour, cm.minute, 0, 0, loc)
	if dayOffset > 0 {
		return t.AddDate(0, 0, dayOffset)
	}
	if !t.After(now) {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

// Weekdays across the supported languages, cron DOW numbering (0=Sunday).
var weekdayNames = map[string]int{
	"sunday": 0, "monday": 1, "tuesday": 2, "wednesday": 3, "thursday": 4, "friday": 5, "saturday": 6,
	"minggu": 0, "ahad": 0, "senin": 1, "isnin": 1, "selasa": 2, "rabu": 3, "kamis": 4, "khamis": 4,
	"jumat": 5, "jumaat": 5, "sabtu": 6,
	"星期日": 0, "星期天": 0, "周日": 0, "星期一": 1, "周一": 1, "星期二": 2, "周二": 2, "星期三": 3, "周三": 3,
	"星期四": 4, "周四": 4, "星期五": 5, "周五": 5, "星期六": 6, "周六": 6,
	"อาทิตย์": 0, "จันทร์": 1, "อังคาร": 2, "พุธ": 3, "พฤหัสบดี": 4, "ศุกร์": 5, "เสาร์": 6,
}

func findWeekday(lower string) (int, string, bool) {
	best := -1
	bestName := ""
	for name, dow := range weekdayNames {
		idx := strings.Index(lower, name)
		if idx < 0 {
			continue
		}
		// Prefer the longest name so "星期四" is not read as "星期日" etc.
		if best == -1 || len(name) > len(bestName) {
			best = dow
			bestName = name
		}
	}
	if best == -1 {
		return 0, "", false
	}
	return best, bestName, true
}

var dailyMarkers = []string{"every day", "everyday", "daily", "each day", "setiap hari", "tiap hari", "每天", "每日", "ทุกวัน"}

// intervalRe matches "every N unit" forms; an absent number means one.
// Day units are included ("every 3 days"); callers must test the daily
// markers first so "setiap hari" stays a daily cron, not a 1-day interval.
var intervalRe = regexp.MustCompile(`(?i)(?:every|setiap|tiap|每|ทุก)\s*(\d*)\s*(seconds?|secs?|minutes?|minit|mins?|hours?|hrs?|days?|detik|menit|jam|hari|วินาที|นาที|ชั่วโมง|วัน|分钟|分鐘|小时|小時|秒|天|日)(?:[^a-zA-Z]|$)`)

func findInterval(text string) (int64, bool) {
	m := intervalRe.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	n := int64(1)
	if m[1] != "" {
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || v <= 0 {
			return 0, false
		}
		n = v
	}
	ms, ok := unitToMs(m[2])
	if !ok {
		return 0, false
	}
	return n * ms, true
}

func defaultHour() (int, int) { return 9, 0 }
