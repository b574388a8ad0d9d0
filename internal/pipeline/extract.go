// internal/pipeline/extract.go
package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// 章节标题：中文 "第十二章 标题" 可出现在行内任意位置，"章" 后须跟空白、冒号、* 或行尾，
// 以免匹配正文里的 "在第三章里"；英文 "Chapter 12 Title" 只认行首。
var (
	chapterHeadingRe = regexp.MustCompile(`(?m)(第[零〇一二两三四五六七八九十百千万\d]+章(?:[ \t\x{3000}:：*]+[^\r\n]*|[ \t]*$)|^[ \t#*>]*Chapter[ \t]+\d+[^\r\n]*)`)
	arabicNumberRe   = regexp.MustCompile(`第(\d+)章`)
	chineseNumberRe  = regexp.MustCompile(`第([零〇一二两三四五六七八九十百千万]+)章`)
	englishNumberRe  = regexp.MustCompile(`(?i)chapter\s+(\d+)`)

	cjkCharRe  = regexp.MustCompile(`[\x{4e00}-\x{9fa5}]`)
	alnumRunRe = regexp.MustCompile(`[a-zA-Z0-9]+`)
)

// SectionSeparator 正文之后的分隔线，之后的内容是模型的附注
const SectionSeparator = "---"

// ExtractChapter 从模型输出中提取章节标题和正文。
// 正文是第一个标题之后的全部文本，遇到分隔线截断。
// 没有标题或正文为空时 ok 为 false。HTML 输出先转换为 Markdown。
func ExtractChapter(raw string) (title, content string, ok bool) {
	raw = NormalizeMarkup(raw)
	loc := chapterHeadingRe.FindStringSubmatchIndex(raw)
	if loc == nil {
		return "", "", false
	}

	title = cleanTitle(raw[loc[2]:loc[3]])
	if title == "" {
		return "", "", false
	}

	body := raw[loc[1]:]
	if idx := strings.Index(body, SectionSeparator); idx >= 0 {
		body = body[:idx]
	}
	content = strings.TrimSpace(body)
	if content == "" {
		return "", "", false
	}
	return title, content, true
}

// cleanTitle 去掉 Markdown 标记和括号里的备注
func cleanTitle(s string) string {
	s = strings.ReplaceAll(s, "*", "")
	s = strings.TrimLeft(s, " \t#>")
	if idx := strings.IndexAny(s, "(（"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// ChapterNumber 解析标题中的章节序号，无法识别时返回 0
func ChapterNumber(title string) int {
	if m := arabicNumberRe.FindStringSubmatch(title); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	if m := chineseNumberRe.FindStringSubmatch(title); m != nil {
		if n, err := ChineseNumeralToInt(m[1]); err == nil {
			return n
		}
	}
	if m := englishNumberRe.FindStringSubmatch(title); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return 0
}

// ShortTitle 返回 "章" 之后的标题文字，例如 "第三章 海上风暴" -> "海上风暴"
func ShortTitle(title string) string {
	if idx := strings.Index(title, "章"); idx >= 0 {
		if short := strings.TrimSpace(strings.TrimLeft(title[idx+len("章"):], " \t\u3000:：")); short != "" {
			return short
		}
	}
	if m := englishNumberRe.FindStringIndex(title); m != nil {
		if short := strings.TrimSpace(title[m[1]:]); short != "" {
			return short
		}
	}
	return strings.TrimSpace(title)
}

var chineseDigits = map[rune]int{
	'零': 0, '〇': 0,
	'一': 1, '二': 2, '两': 2, '三': 3, '四': 4,
	'五': 5, '六': 6, '七': 7, '八': 8, '九': 9,
}

var chineseUnits = map[rune]int{
	'十': 10, '百': 100, '千': 1000,
}

// ChineseNumeralToInt 将中文数字转换为整数。
// 单位前没有数字时按 1 计算，因此 "十" = 10，"十二" = 12。
func ChineseNumeralToInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("空的中文数字")
	}

	total, section, digit := 0, 0, 0
	pendingDigit := false

	for _, r := range s {
		if d, ok := chineseDigits[r]; ok {
			digit = d
			pendingDigit = true
			continue
		}
		if u, ok := chineseUnits[r]; ok {
			if !pendingDigit || digit == 0 {
				digit = 1
			}
			section += digit * u
			digit, pendingDigit = 0, false
			continue
		}
		if r == '万' {
			section += digit
			if section == 0 {
				section = 1
			}
			total += section * 10000
			section, digit, pendingDigit = 0, 0, false
			continue
		}
		return 0, fmt.Errorf("无法识别的中文数字字符 %q", r)
	}

	return total + section + digit, nil
}

// Gate 满意度判定。Rejected 通常包含 Satisfied（"不满意" 包含 "满意"），
// 所以必须先排除否定词。
type Gate struct {
	Satisfied string
	Rejected  string
}

// DefaultGate 默认的中文判定词
var DefaultGate = Gate{Satisfied: "满意", Rejected: "不满意"}

// Passed 优化器输出是否认可了草稿
func (g Gate) Passed(text string) bool {
	if g.Rejected != "" && strings.Contains(text, g.Rejected) {
		return false
	}
	return strings.Contains(text, g.Satisfied)
}

// IsSatisfied 使用默认判定词
func IsSatisfied(text string) bool {
	return DefaultGate.Passed(text)
}

// WordCount 字数：每个汉字计 1，每段连续的英文字母或数字计 1
func WordCount(text string) int {
	return len(cjkCharRe.FindAllStringIndex(text, -1)) + len(alnumRunRe.FindAllStringIndex(text, -1))
}
