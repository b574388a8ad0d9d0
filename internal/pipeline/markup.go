// internal/pipeline/markup.go
package pipeline

import (
	"regexp"

	md "github.com/JohannesKaufmann/html-to-markdown"
)

// 部分代理会把回复渲染成 HTML，只有出现块级标签时才转换
var htmlBlockRe = regexp.MustCompile(`(?i)<(p|br|div|h[1-6]|hr|section|article)[\s/>]`)

var markupConverter = md.NewConverter("", true, &md.Options{HorizontalRule: SectionSeparator})

// NormalizeMarkup 把 HTML 形式的模型输出转换为 Markdown，纯文本原样返回
func NormalizeMarkup(raw string) string {
	if !htmlBlockRe.MatchString(raw) {
		return raw
	}
	converted, err := markupConverter.ConvertString(raw)
	if err != nil {
		return raw
	}
	return converted
}
