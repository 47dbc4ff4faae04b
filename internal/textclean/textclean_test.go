package textclean

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"plain", "Bitcoin is a currency.", 0, "Bitcoin is a currency."},
		{"anchor", `The <a href="https://x">Bitcoin</a> network`, 0, "The Bitcoin network"},
		{"paragraphs", "<p>One.</p><p>Two.</p>", 0, "One. Two."},
		{"line breaks", "One.<br/>Two.\r\n\r\nThree.", 0, "One. Two. Three."},
		{"entities", "Fish &amp; Chips &quot;Ltd&quot;", 0, `Fish & Chips "Ltd"`},
		{"script dropped", "Hello<script>alert(1)</script> world", 0, "Hello world"},
		{"truncate", "abcdef ghij", 7, "abcdef"},
		{"whitespace only", " \n\t ", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in, tt.limit); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTruncate_RuneSafe(t *testing.T) {
	s := strings.Repeat("é", 10)
	got := Truncate(s, 4)
	if !utf8.ValidString(got) {
		t.Fatalf("Truncate produced invalid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 4 {
		t.Errorf("rune count = %d, want 4", n)
	}
}

func TestIsGarbage(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"Ethereum is a decentralized platform for smart contracts.", false},
		{"Claim your airdrop now", true},
		{"Trade on CEX.IO today", true},
		{"body{--tw-ring:0}", true},
		// single glued pattern is not enough
		{"Built by the McDonald family", false},
		{"DocsLearn more about TelegramChat", true},
		{"Join +312K holders in our DiscordHelp desk", true},
	}
	for _, tt := range tests {
		if got := IsGarbage(tt.in); got != tt.want {
			t.Errorf("IsGarbage(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
