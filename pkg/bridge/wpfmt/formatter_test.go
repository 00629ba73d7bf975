// Copyright 2024-2026 Aiku AI

package wpfmt

import (
	"strings"
	"testing"
)

func TestBuildTitleFirstLine(t *testing.T) {
	t.Parallel()
	got := BuildTitle("Hello world\nsecond line", DefaultTitleLength)
	if got != "Hello world" {
		t.Errorf("BuildTitle: got %q, want %q", got, "Hello world")
	}
}

func TestBuildTitleSkipsEmptyLines(t *testing.T) {
	t.Parallel()
	got := BuildTitle("\n   \nActual title", DefaultTitleLength)
	if got != "Actual title" {
		t.Errorf("BuildTitle: got %q, want %q", got, "Actual title")
	}
}

func TestBuildTitleDropsLeadingHashtags(t *testing.T) {
	t.Parallel()
	got := BuildTitle("#blog #news Title here", DefaultTitleLength)
	if got != "Title here" {
		t.Errorf("BuildTitle: got %q, want %q", got, "Title here")
	}
}

func TestBuildTitleKeepsLaterHashtags(t *testing.T) {
	t.Parallel()
	// Only the leading run of hashtags is dropped.
	got := BuildTitle("#blog Title with #inline tag", DefaultTitleLength)
	if got != "Title with #inline tag" {
		t.Errorf("BuildTitle: got %q, want %q", got, "Title with #inline tag")
	}
}

func TestBuildTitleHashtagOnlyLine(t *testing.T) {
	t.Parallel()
	// A line that is nothing but hashtags is used verbatim instead of being
	// skipped entirely.
	got := BuildTitle("#blog #news", DefaultTitleLength)
	if got != "#blog #news" {
		t.Errorf("BuildTitle: got %q, want %q", got, "#blog #news")
	}
}

func TestBuildTitleTruncates(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("a", 100)
	got := BuildTitle(long, DefaultTitleLength)
	if len(got) != DefaultTitleLength {
		t.Errorf("BuildTitle length: got %d, want %d", len(got), DefaultTitleLength)
	}
}

func TestBuildTitleTruncatesByRunes(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("ä", 100)
	got := BuildTitle(long, DefaultTitleLength)
	if want := strings.Repeat("ä", DefaultTitleLength); got != want {
		t.Errorf("BuildTitle: got %q, want %q", got, want)
	}
}

func TestBuildTitleEmpty(t *testing.T) {
	t.Parallel()
	for _, text := range []string{"", "   ", "\n\n\n"} {
		if got := BuildTitle(text, DefaultTitleLength); got != NoTitle {
			t.Errorf("BuildTitle(%q): got %q, want %q", text, got, NoTitle)
		}
	}
}

func TestTextToHTMLParagraphs(t *testing.T) {
	t.Parallel()
	got := TextToHTML("first para\n\nsecond para")
	want := "<p>first para</p><p>second para</p>"
	if got != want {
		t.Errorf("TextToHTML: got %q, want %q", got, want)
	}
}

func TestTextToHTMLLineBreaks(t *testing.T) {
	t.Parallel()
	got := TextToHTML("line one\nline two")
	want := "<p>line one<br>line two</p>"
	if got != want {
		t.Errorf("TextToHTML: got %q, want %q", got, want)
	}
}

func TestTextToHTMLEmpty(t *testing.T) {
	t.Parallel()
	if got := TextToHTML("   \n  "); got != "<p></p>" {
		t.Errorf("TextToHTML: got %q, want %q", got, "<p></p>")
	}
}

func TestTextToHTMLEscapes(t *testing.T) {
	t.Parallel()
	got := TextToHTML("<script>alert('x')</script>")
	if strings.Contains(got, "<script>") {
		t.Errorf("TextToHTML did not escape markup: %q", got)
	}
	if !strings.Contains(got, "&lt;script&gt;") {
		t.Errorf("TextToHTML: got %q, want escaped script tag", got)
	}
}

func TestExtractHashtags(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		text string
		want []string
	}{
		{"none", "no tags here", nil},
		{"simple", "post about #golang", []string{"#golang"}},
		{"trailing punctuation", "love #go, and #testing!", []string{"#go", "#testing"}},
		{"deduplicated in order", "#a #b #a #c", []string{"#a", "#b", "#c"}},
		{"bare hash ignored double hash kept", "# ## #", []string{"##"}},
		{"short tag kept", "#x #go", []string{"#x", "#go"}},
		{"unicode tag", "#日本 news", []string{"#日本"}},
		{"punctuation wrapped", "(#go) [#rust]", nil},
		{"multiline", "#blog\nbody text #update.", []string{"#blog", "#update"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ExtractHashtags(tc.text)
			if len(got) != len(tc.want) {
				t.Fatalf("ExtractHashtags(%q): got %v, want %v", tc.text, got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("ExtractHashtags(%q)[%d]: got %q, want %q", tc.text, i, got[i], tc.want[i])
				}
			}
		})
	}
}
