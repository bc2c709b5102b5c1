package nlparse

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/omniclaw/internal/cron"
)

var jakarta = time.FixedZone("WIB", 7*3600)

// now is Tuesday 2025-06-10 14:30 WIB.
var testNow = time.Date(2025, 6, 10, 14, 30, 0, 0, jakarta)

func TestParseWeather(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		location string
	}{
		{"english in", "what's the weather in Jakarta?", "Jakarta"},
		{"english multiword", "weather in new york please", "New York"},
		{"english bare", "how's the weather today", ""},
		{"indonesian suhu", "berapa suhu di Bandung sekarang", "Bandung"},
		{"indonesian cuaca", "cuaca di Surabaya hari ini gimana", "Surabaya"},
		{"chinese", "北京天气怎么样", "北京"},
		{"thai", "อากาศที่เชียงใหม่เป็นอย่างไร", "เชียงใหม่"},
		{"forecast", "forecast for Singapore tomorrow", "Singapore"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseWeather(tt.in)
			if !ok {
				t.Fatalf("ParseWeather(%q) = false, want match", tt.in)
			}
			if got.Location != tt.location {
				t.Errorf("location = %q, want %q", got.Location, tt.location)
			}
		})
	}

	if _, ok := ParseWeather("remind me to buy milk"); ok {
		t.Error("ParseWeather matched text without weather markers")
	}
}

func TestParseReminderRelative(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		message string
		offset  time.Duration
	}{
		{"english minutes", "remind me to stretch in 10 minutes", "stretch", 10 * time.Minute},
		{"english hours", "remind me in 2 hours to call mom", "call mom", 2 * time.Hour},
		{"indonesian lagi", "ingatkan saya minum obat 30 menit lagi", "minum obat", 30 * time.Minute},
		{"indonesian dalam", "ingatkan saya dalam 2 jam rapat tim", "rapat tim", 2 * time.Hour},
		{"chinese", "提醒我10分钟后喝水", "喝水", 10 * time.Minute},
		{"days", "remind me to renew the domain in 3 days", "renew the domain", 72 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rem, ok := ParseReminder(tt.in, testNow, jakarta)
			if !ok {
				t.Fatalf("ParseReminder(%q) = false, want match", tt.in)
			}
			if rem.When.Kind != cron.ScheduleAt {
				t.Fatalf("kind = %q, want at", rem.When.Kind)
			}
			want := testNow.Add(tt.offset).UnixMilli()
			if rem.When.AtMs != want {
				t.Errorf("AtMs = %d, want %d (off by %v)", rem.When.AtMs, want,
					time.Duration(rem.When.AtMs-want)*time.Millisecond)
			}
			if rem.Message != tt.message {
				t.Errorf("message = %q, want %q", rem.Message, tt.message)
			}
		})
	}
}

func TestParseReminderClock(t *testing.T) {
	// 7pm today is still ahead of 14:30.
	rem, ok := ParseReminder("remind me to submit the report at 7pm", testNow, jakarta)
	if !ok {
		t.Fatal("no match")
	}
	want := time.Date(2025, 6, 10, 19, 0, 0, 0, jakarta)
	if got := time.UnixMilli(rem.When.AtMs).In(jakarta); !got.Equal(want) {
		t.Errorf("fire at %v, want %v", got, want)
	}
	if rem.Message != "submit the report" {
		t.Errorf("message = %q", rem.Message)
	}

	// 7am already passed: next occurrence is tomorrow.
	rem, ok = ParseReminder("remind me to jog at 7am", testNow, jakarta)
	if !ok {
		t.Fatal("no match")
	}
	want = time.Date(2025, 6, 11, 7, 0, 0, 0, jakarta)
	if got := time.UnixMilli(rem.When.AtMs).In(jakarta); !got.Equal(want) {
		t.Errorf("fire at %v, want %v", got, want)
	}

	// Indonesian: tomorrow at 7.
	rem, ok = ParseReminder("ingatkan saya besok jam 7 bayar listrik", testNow, jakarta)
	if !ok {
		t.Fatal("no match")
	}
	want = time.Date(2025, 6, 11, 7, 0, 0, 0, jakarta)
	if got := time.UnixMilli(rem.When.AtMs).In(jakarta); !got.Equal(want) {
		t.Errorf("fire at %v, want %v", got, want)
	}
	if rem.Message != "bayar listrik" {
		t.Errorf("message = %q", rem.Message)
	}

	// Evening marker: jam 8 malam is 20:00.
	rem, ok = ParseReminder("ingatkan saya jam 8 malam makan malam", testNow, jakarta)
	if !ok {
		t.Fatal("no match")
	}
	want = time.Date(2025, 6, 10, 20, 0, 0, 0, jakarta)
	if got := time.UnixMilli(rem.When.AtMs).In(jakarta); !got.Equal(want) {
		t.Errorf("fire at %v, want %v", got, want)
	}
}

func TestParseReminderRecurring(t *testing.T) {
	rem, ok := ParseReminder("remind me every day at 8 to check the logs", testNow, jakarta)
	if !ok {
		t.Fatal("no match")
	}
	if rem.When.Kind != cron.ScheduleCron || rem.When.Expr != "0 8 * * *" {
		t.Errorf("schedule = %+v, want cron 0 8 * * *", rem.When)
	}
	if rem.Message != "check the logs" {
		t.Errorf("message = %q", rem.Message)
	}

	rem, ok = ParseReminder("every monday standup notes", testNow, jakarta)
	if !ok {
		t.Fatal("no match")
	}
	if rem.When.Expr != "0 9 * * 1" {
		t.Errorf("expr = %q, want default hour nine on monday", rem.When.Expr)
	}
	if rem.Message != "standup notes" {
		t.Errorf("message = %q", rem.Message)
	}

	rem, ok = ParseReminder("setiap jumat jam 16.30 kirim laporan", testNow, jakarta)
	if !ok {
		t.Fatal("no match")
	}
	if rem.When.Expr != "30 16 * * 5" {
		t.Errorf("expr = %q, want 30 16 * * 5", rem.When.Expr)
	}

	rem, ok = ParseReminder("setiap 2 jam ingatkan saya minum air", testNow, jakarta)
	if !ok {
		t.Fatal("no match")
	}
	if rem.When.Kind != cron.ScheduleEvery || rem.When.EveryMs != 2*60*60*1000 {
		t.Errorf("schedule = %+v, want every 2h", rem.When)
	}
	if rem.Message != "minum air" {
		t.Errorf("message = %q", rem.Message)
	}
}

func TestParseReminderAmbiguous(t *testing.T) {
	// Reminder marker but no resolvable time.
	if _, ok := ParseReminder("remind me about the thing sometime", testNow, jakarta); ok {
		t.Error("reminder without a time should not match")
	}
	if _, ok := ParseReminder("how are you today", testNow, jakarta); ok {
		t.Error("plain chat should not match")
	}
}

func TestParseReminderMessageFallback(t *testing.T) {
	rem, ok := ParseReminder("remind me in 5 minutes", testNow, jakarta)
	if !ok {
		t.Fatal("no match")
	}
	if rem.Message != "Reminder" {
		t.Errorf("message = %q, want default", rem.Message)
	}
}

func TestParseCycle(t *testing.T) {
	text := "jadwal piket dapur 2 hari jam 7-15, libur 1 hari, berulang mulai besok"
	cyc, ok := ParseCycle(text, testNow, jakarta)
	if !ok {
		t.Fatal("no match")
	}
	if cyc.PeriodDays != 3 {
		t.Errorf("period = %d, want 3", cyc.PeriodDays)
	}
	if !cyc.Recurring {
		t.Error("cycle should be recurring")
	}
	if cyc.Title != "jadwal piket dapur" {
		t.Errorf("title = %q", cyc.Title)
	}
	// Two work days, start and end each: four events.
	if len(cyc.Events) != 4 {
		t.Fatalf("events = %d, want 4: %+v", len(cyc.Events), cyc.Events)
	}

	wantFirst := time.Date(2025, 6, 11, 7, 0, 0, 0, jakarta)
	if got := time.UnixMilli(cyc.Events[0].AtMs).In(jakarta); !got.Equal(wantFirst) {
		t.Errorf("first event at %v, want %v", got, wantFirst)
	}
	if cyc.Events[0].Label != "mulai" || cyc.Events[1].Label != "selesai" {
		t.Errorf("labels = %q,%q", cyc.Events[0].Label, cyc.Events[1].Label)
	}
	wantEnd := time.Date(2025, 6, 11, 15, 0, 0, 0, jakarta)
	if got := time.UnixMilli(cyc.Events[1].AtMs).In(jakarta); !got.Equal(wantEnd) {
		t.Errorf("first end at %v, want %v", got, wantEnd)
	}
}

func TestParseCycleStartOnly(t *testing.T) {
	cyc, ok := ParseCycle("piket 3 hari jam 8, libur 2 hari, berulang", testNow, jakarta)
	if !ok {
		t.Fatal("no match")
	}
	if cyc.PeriodDays != 5 {
		t.Errorf("period = %d, want 5", cyc.PeriodDays)
	}
	if len(cyc.Events) != 3 {
		t.Fatalf("events = %d, want 3 (start only)", len(cyc.Events))
	}
	for i, ev := range cyc.Events {
		if ev.Label != "mulai" {
			t.Errorf("event %d label = %q", i, ev.Label)
		}
	}
	// Today's 8:00 already passed at 14:30; recurring pushes it one period.
	want := time.Date(2025, 6, 15, 8, 0, 0, 0, jakarta)
	if got := time.UnixMilli(cyc.Events[0].AtMs).In(jakarta); !got.Equal(want) {
		t.Errorf("first event at %v, want %v (advanced by one period)", got, want)
	}
}

func TestParseCycleShiftFirst(t *testing.T) {
	text := "ingatkan hari ini masuk malam jam 00:00-08:00 selama 3 hari, " +
		"setelah itu libur 1 hari, masuk sore jam 16:00-00:00 selama 3 hari, " +
		"setelah itu libur 1 hari, masuk pagi jam 08:00-16:00 selama 3 hari, " +
		"setelah itu libur 1 hari, berulang terus"
	cyc, ok := ParseCycle(text, testNow, jakarta)
	if !ok {
		t.Fatal("no match")
	}
	if cyc.PeriodDays != 12 {
		t.Errorf("period = %d, want 12", cyc.PeriodDays)
	}
	if !cyc.Recurring {
		t.Error("cycle should be recurring")
	}
	// Nine work days, start and end each.
	if len(cyc.Events) != 18 {
		t.Fatalf("events = %d, want 18: %+v", len(cyc.Events), cyc.Events)
	}
	starts, ends := 0, 0
	at := map[[2]interface{}]time.Time{}
	for _, ev := range cyc.Events {
		switch ev.Label {
		case "mulai":
			starts++
		case "selesai":
			ends++
		}
		at[[2]interface{}{ev.DayOffset, ev.Label}] = time.UnixMilli(ev.AtMs).In(jakarta)
	}
	if starts != 9 || ends != 9 {
		t.Errorf("starts=%d ends=%d, want 9 each", starts, ends)
	}
	// Day 0 midnight already passed; recurring pushes it one full period.
	if got, want := at[[2]interface{}{0, "mulai"}], time.Date(2025, 6, 22, 0, 0, 0, 0, jakarta); !got.Equal(want) {
		t.Errorf("day-0 start at %v, want %v", got, want)
	}
	// The 16:00-00:00 shift ends the next calendar day.
	if got, want := at[[2]interface{}{4, "selesai"}], time.Date(2025, 6, 15, 0, 0, 0, 0, jakarta); !got.Equal(want) {
		t.Errorf("day-4 end at %v, want %v", got, want)
	}
	if got, want := at[[2]interface{}{8, "mulai"}], time.Date(2025, 6, 18, 8, 0, 0, 0, jakarta); !got.Equal(want) {
		t.Errorf("day-8 start at %v, want %v", got, want)
	}
}

func TestParseCycleRejectsPlainReminders(t *testing.T) {
	if _, ok := ParseCycle("ingatkan saya dalam 2 hari", testNow, jakarta); ok {
		t.Error("relative reminder must not parse as a cycle")
	}
	if _, ok := ParseCycle("meet me in 3 days", testNow, jakarta); ok {
		t.Error("english relative must not parse as a cycle")
	}
}

func TestParseDispatch(t *testing.T) {
	action, ok := Parse("remind me to stand up in 20 minutes", testNow, jakarta)
	if !ok || action.Kind() != "reminder" {
		t.Errorf("Parse -> %v ok=%v, want reminder", action, ok)
	}

	action, ok = Parse("cuaca di Jakarta", testNow, jakarta)
	if !ok || action.Kind() != "weather" {
		t.Errorf("Parse -> %v ok=%v, want weather", action, ok)
	}

	action, ok = Parse("jadwal piket 2 hari jam 7, libur 1 hari, berulang", testNow, jakarta)
	if !ok || action.Kind() != "cycle" {
		t.Errorf("Parse -> %v ok=%v, want cycle", action, ok)
	}

	if _, ok := Parse("tell me a joke", testNow, jakarta); ok {
		t.Error("ordinary chat must not produce an action")
	}

	if _, ok := Parse("", testNow, jakarta); ok {
		t.Error("empty text must not produce an action")
	}
}
