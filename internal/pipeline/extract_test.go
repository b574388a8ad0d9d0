package pipeline

import (
	"strings"
	"testing"
)

func TestExtractChapter(t *testing.T) {
	tests := []struct {
		name        string
		raw         string
		wantOK      bool
		wantTitle   string
		wantContent string
	}{
		{
			name:        "separator truncates content",
			raw:         "第三章 海上风暴\n\n正文...\n---\n尾注",
			wantOK:      true,
			wantTitle:   "第三章 海上风暴",
			wantContent: "正文...",
		},
		{
			name:        "preamble before heading is ignored",
			raw:         "好的，下面是新的章节。\n\n**第十二章 归途**\n\n夜色渐深。",
			wantOK:      true,
			wantTitle:   "第十二章 归途",
			wantContent: "夜色渐深。",
		},
		{
			name:        "heading shares a line with preamble",
			raw:         "好的，下面是第三章 海上风暴\n\n夜色渐深。",
			wantOK:      true,
			wantTitle:   "第三章 海上风暴",
			wantContent: "夜色渐深。",
		},
		{
			name:        "heading after colon preamble",
			raw:         "以下为正文：第三章：海上风暴\n浪很高。",
			wantOK:      true,
			wantTitle:   "第三章：海上风暴",
			wantContent: "浪很高。",
		},
		{
			name:        "in-prose chapter mention is skipped",
			raw:         "在第三章里他离开了家。\n第四章 远行\n他上了船。",
			wantOK:      true,
			wantTitle:   "第四章 远行",
			wantContent: "他上了船。",
		},
		{
			name:   "in-prose mention only",
			raw:    "我觉得第三章里的冲突还不够。",
			wantOK: false,
		},
		{
			name:        "markdown heading and annotation",
			raw:         "## 第5章 旧友（修订版）\n他推开了门。",
			wantOK:      true,
			wantTitle:   "第5章 旧友",
			wantContent: "他推开了门。",
		},
		{
			name:        "english heading",
			raw:         "Chapter 7 The Crossing\nThe river was high.",
			wantOK:      true,
			wantTitle:   "Chapter 7 The Crossing",
			wantContent: "The river was high.",
		},
		{
			name:   "no heading",
			raw:    "我对这一章不满意，请重写。",
			wantOK: false,
		},
		{
			name:   "heading without body",
			raw:    "第一章 开端\n---\n备注",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, content, ok := ExtractChapter(tt.raw)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if title != tt.wantTitle {
				t.Errorf("title = %q, want %q", title, tt.wantTitle)
			}
			if content != tt.wantContent {
				t.Errorf("content = %q, want %q", content, tt.wantContent)
			}
		})
	}
}

func TestChineseNumeralToInt(t *testing.T) {
	cases := map[string]int{
		"一":     1,
		"十":     10,
		"十二":    12,
		"二十":    20,
		"二十三":   23,
		"一百":    100,
		"一百零五":  105,
		"一百一十":  110,
		"两百":    200,
		"一千零十":  1010,
		"三千四百":  3400,
		"一万":    10000,
		"十二万三千": 123000,
		"〇":     0,
	}
	for in, want := range cases {
		got, err := ChineseNumeralToInt(in)
		if err != nil {
			t.Errorf("ChineseNumeralToInt(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ChineseNumeralToInt(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestChineseNumeralToInt_Invalid(t *testing.T) {
	for _, in := range []string{"", "十a", "第三"} {
		if _, err := ChineseNumeralToInt(in); err == nil {
			t.Errorf("ChineseNumeralToInt(%q) expected error", in)
		}
	}
}

func TestChapterNumberAndShortTitle(t *testing.T) {
	tests := []struct {
		title string
		num   int
		short string
	}{
		{"第三章 海上风暴", 3, "海上风暴"},
		{"第12章 归途", 12, "归途"},
		{"第三章：海上风暴", 3, "海上风暴"},
		{"第一百零五章 终局", 105, "终局"},
		{"Chapter 4 Storm", 4, "Storm"},
		{"序章", 0, "序章"},
	}
	for _, tt := range tests {
		if got := ChapterNumber(tt.title); got != tt.num {
			t.Errorf("ChapterNumber(%q) = %d, want %d", tt.title, got, tt.num)
		}
		if got := ShortTitle(tt.title); got != tt.short {
			t.Errorf("ShortTitle(%q) = %q, want %q", tt.title, got, tt.short)
		}
	}
}

func TestIsSatisfied(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"整体结构清晰，我很满意。", true},
		{"我不满意，节奏太快。", false},
		{"开头不满意，但结尾满意。", false},
		{"请继续修改。", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsSatisfied(tt.text); got != tt.want {
			t.Errorf("IsSatisfied(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestGate_CustomTokens(t *testing.T) {
	g := Gate{Satisfied: "APPROVED", Rejected: "NOT APPROVED"}
	if !g.Passed("verdict: APPROVED") {
		t.Error("expected approval")
	}
	if g.Passed("verdict: NOT APPROVED") {
		t.Error("negated token must not pass")
	}
}

func TestWordCount(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"你好world123", 3},
		{"", 0},
		{"hello world", 2},
		{"第3章，风起。", 5},
		{strings.Repeat("字", 10), 10},
	}
	for _, tt := range tests {
		if got := WordCount(tt.text); got != tt.want {
			t.Errorf("WordCount(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
