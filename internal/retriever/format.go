package retriever

import (
	"fmt"
	"strings"
)

// NoRecordEnvelope is returned verbatim when retrieval finds nothing,
// telling the model to admit the miss instead of fabricating.
const NoRecordEnvelope = "【系统反馈】数据库中**完全没有**找到包含此关键词的记录。请直接告诉用户'没有找到相关记录'，**严禁**提及其他无关人物，**严禁**编造关系。"

// maxEnvelopeContent is the per-record content cap in runes.
const maxEnvelopeContent = 500

// FormatResults renders results into the observation envelope the
// agent feeds back to the model.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return NoRecordEnvelope
	}

	lines := make([]string, 0, len(results)+1)
	lines = append(lines, "【系统反馈】已找到以下相关记录：\n")
	for i, r := range results {
		date := r.Chunk.Date
		if date == "" {
			date = "未知日期"
		}
		content := r.Chunk.Content
		if runes := []rune(content); len(runes) > maxEnvelopeContent {
			content = string(runes[:maxEnvelopeContent]) + "..."
		}
		label := "向量检索"
		if r.Origin == OriginKeyword {
			label = "关键词匹配"
		}
		lines = append(lines, fmt.Sprintf("--- 记录 %d [日期: %s, 相似度: %.4f, 来源: %s] ---\n%s\n",
			i+1, date, r.Distance, label, content))
	}
	return strings.Join(lines, "\n")
}
