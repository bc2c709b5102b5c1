package agent

import "testing"

func TestSanitizeAssistantContent(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			"clean text unchanged",
			"The answer is 4.",
			"The answer is 4.",
		},
		{
			"thinking tags stripped",
			"<think>let me see</think>The answer is 4.",
			"The answer is 4.",
		},
		{
			"multiline thinking",
			"<thinking>\nstep 1\nstep 2\n</thinking>\nDone.",
			"Done.",
		},
		{
			"final tags keep content",
			"<final>Done.</final>",
			"Done.",
		},
		{
			"garbled tool xml with residue drops whole message",
			"<tool_call>exec</tool_call>",
			"",
		},
		{
			"garbled tool xml only tags",
			`<function_calls><invoke name="exec"></invoke></function_calls>`,
			"",
		},
		{
			"downgraded tool call block",
			"[Tool Call: exec]\nArguments:\n{\"cmd\": \"ls\"}\nDone running.",
			"Done running.",
		},
		{
			"echoed system message block",
			"[System Message] heartbeat\nStats: 5 sessions\n\nReal reply.",
			"Real reply.",
		},
		{
			"consecutive duplicate blocks collapsed",
			"Same paragraph.\n\nSame paragraph.\n\nNext one.",
			"Same paragraph.\n\nNext one.",
		},
		{
			"media path lines removed",
			"Here you go\nMEDIA:/tmp/pic.png",
			"Here you go",
		},
		{
			"leading blank lines removed",
			"\n\nHello.",
			"Hello.",
		},
		{
			"silent token passes through",
			"NO_REPLY",
			"NO_REPLY",
		},
		{
			"empty stays empty",
			"",
			"",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SanitizeAssistantContent(tt.in); got != tt.want {
				t.Errorf("SanitizeAssistantContent(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsSilentReply(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"NO_REPLY", true},
		{"  NO_REPLY  ", true},
		{"NO_REPLY.", true},
		{"NO_REPLY (nothing to add)", true},
		{"Sure thing NO_REPLY", true},
		{"NO_REPLYX", false},
		{"ANO_REPLY", false},
		{"no_reply", false},
		{"I sent NO_REPLY to the API", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := IsSilentReply(tt.in); got != tt.want {
				t.Errorf("IsSilentReply(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}
