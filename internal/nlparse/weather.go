package nlparse

import (
	"strings"
	"unicode"
)

const maxLocationRunes = 64

var weatherMarkers = []string{
	"weather", "forecast", "temperature",
	"cuaca", "suhu", "ramalan",
	"天气", "天氣", "气温", "氣溫", "下雨",
	"อากาศ", "อุณหภูมิ", "ฝนตก",
}

// weatherChatter is stripped as whole substrings before word filtering.
// CJK and Thai do not space-delimit, so these go first.
var weatherChatter = []string{
	"天气", "天氣", "气温", "氣溫", "下雨", "怎么样", "怎麼樣", "如何", "今天", "现在", "現在", "明天", "吗", "嗎",
	"อากาศ", "อุณหภูมิ", "ฝนตก", "ที่", "วันนี้", "ตอนนี้", "พรุ่งนี้", "เป็นอย่างไร", "ไหม",
}

// weatherStopwords are dropped word-by-word from the latin residue.
var weatherStopwords = map[string]bool{
	"weather": true, "forecast": true, "temperature": true, "temp": true,
	"what": true, "whats": true, "what's": true, "is": true, "the": true,
	"like": true, "in": true, "at": true, "for": true, "of": true, "on": true,
	"today": true, "tomorrow": true, "now": true, "right": true, "currently": true,
	"please": true, "tell": true, "me": true, "show": true, "give": true,
	"how": true, "hows": true, "how's": true, "hot": true, "cold": true, "it": true,
	"will": true, "rain": true, "there": true, "going": true, "to": true, "be": true,
	"do": true, "you": true, "know": true, "can": true, "check": true,
	// Indonesian / Malay
	"cuaca": true, "suhu": true, "ramalan": true, "berapa": true, "bagaimana": true,
	"gimana": true, "apa": true, "apakah": true, "di": true, "ke": true, "hari": true,
	"ini": true, "sekarang": true, "besok": true, "tolong": true, "cek": true,
	"hujan": true, "panas": true, "dingin": true, "nanti": true, "yang": true,
}

// ParseWeather extracts a weather query. The marker must be present; the
// location is whatever survives stripping the chatter, title-cased, capped
// at 64 runes. An empty location is still a valid query (caller defaults
// to the user's location).
func ParseWeather(text string) (*WeatherQuery, bool) {
	lower := strings.ToLower(text)
	if !containsAny(lower, weatherMarkers) {
		return nil, false
	}

	cleaned := text
	for _, chatter := range weatherChatter {
		cleaned = strings.ReplaceAll(cleaned, chatter, " ")
	}
	cleaned = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) && r != '-' && r != '\'' {
			return ' '
		}
		return r
	}, cleaned)

	var kept []string
	for _, word := range strings.Fields(cleaned) {
		if weatherStopwords[strings.ToLower(word)] {
			continue
		}
		kept = append(kept, word)
	}

	location := titleCase(strings.Join(kept, " "))
	if runes := []rune(location); len(runes) > maxLocationRunes {
		location = string(runes[:maxLocationRunes])
	}
	return &WeatherQuery{Location: strings.TrimSpace(location)}, true
}

// titleCase uppercases the first letter of each space-separated word,
// leaving the rest untouched so "KLCC" or "d'Or" survive.
func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		if unicode.IsLower(r[0]) {
			r[0] = unicode.ToUpper(r[0])
			words[i] = string(r)
		}
	}
	return strings.Join(words, " ")
}
