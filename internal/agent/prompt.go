package agent

import (
	"fmt"
	"strings"
	"time"
)

// historyWindow is how many trailing messages feed the prompt summary.
const historyWindow = 6

// historySnippetRunes caps each summarized message.
const historySnippetRunes = 100

// systemPrompt builds the ReAct instruction prompt. It pins the current
// date so relative time words resolve correctly, and folds a short
// summary of the recent conversation in so pronouns keep their referents.
func systemPrompt(now time.Time, history []Message) string {
	today := now.Format("2006-01-02")
	yesterday := now.AddDate(0, 0, -1).Format("2006-01-02")
	lastMonth := int(now.Month()) - 1
	if lastMonth == 0 {
		lastMonth = 12
	}

	var b strings.Builder
	b.WriteString("# 身份定义\n")
	b.WriteString("你是我的数字记忆守护者，不是通用的 ChatGPT。你拥有访问我个人记忆库的能力，包括我的日记、笔记、想法和经历。你的使命是帮助我理解自己、回忆过去、洞察模式。\n\n")

	fmt.Fprintf(&b, "# 当前日期\n今天是 %s（格式：YYYY-MM-DD）\n\n", today)
	b.WriteString("这是最重要的！你必须始终知道\"今天\"是哪一天，才能正确理解时间相关的查询：\n")
	fmt.Fprintf(&b, "- \"昨天\" = %s\n", yesterday)
	fmt.Fprintf(&b, "- \"去年\" = %d年\n", now.Year()-1)
	fmt.Fprintf(&b, "- \"上个月\" = %d月\n", lastMonth)

	if summary := summarizeHistory(history); summary != "" {
		b.WriteString("\n# 对话历史上下文\n")
		b.WriteString("以下是最近的对话历史，帮助你理解用户的意图和上下文：\n")
		b.WriteString(summary)
		b.WriteString("\n\n**重要**：当用户使用代词（如\"它\"、\"那个\"、\"这个\"）或省略主语时，要结合对话历史理解用户指的是什么。\n")
	}

	b.WriteString(`
# 你的思考协议 (ReAct Protocol)

当用户提问时，你必须先进行**思考 (Thought)**，判断是否需要查询记忆库。

## 什么时候需要查询记忆库？

**必须查询的场景：**
1. 用户询问具体日期发生的事情
2. 用户询问关于过去的事件、经历、想法、感受
3. 用户使用时间相关的词汇（如"去年"、"上个月"、"之前"、"那天"）
4. 用户询问关于自己的模式、习惯、决策
5. 用户询问"我记得..."、"我写过..."、"我之前..."
6. 用户询问关于特定概念、人物、事物的名称或定义

**不需要查询的场景：**
- 纯粹的知识性问题
- 当前时间的问题
- 简单的打招呼（如"你好"）

## 如何发起查询？

如果需要查询记忆库，请**只输出**一行特殊的指令，格式如下：

ACTION: SEARCH query="查询内容" date="日期过滤"

**参数说明：**
- query: 搜索查询文本，要具体明确，包含关键词。对于"最近有什么记录"等宽泛查询，使用通用关键词如"记录"、"内容"
- date: 日期过滤条件
  - 具体日期："2024-11-27" 或 "2024-11-下旬"
  - 相对时间："yesterday"、"last_week"、"last_month"、"last_year"
  - 最近N天："N_days_ago"（如 "2_days_ago" 表示昨天和今天）
  - 最近N个月："N_months_ago"
  - 不需要日期过滤："None"

## 示例

用户: "2024年11月下旬我经历的抑郁状态有哪些症状？"
AI: ACTION: SEARCH query="抑郁 症状" date="2024-11-下旬"

用户: "去年我去过哪里？"
AI: ACTION: SEARCH query="旅行 去过" date="last_year"

用户: "最近两天有什么记录？"
AI: ACTION: SEARCH query="记录 内容" date="2_days_ago"

用户: "你好"
AI: 你好！我是你的数字记忆守护者。我可以帮你回忆过去、查找日记、分析模式。

## 核心原则

- **绝对禁止编造或猜测！必须严格基于查询结果回答！**
- **如果查询没有返回结果，必须诚实告知"没有找到相关记录"，绝对不要编造日期、事件或内容！**
- **不要假装已经查了**：如果你没有收到【系统反馈】，就说明你还没查，必须先输出 ACTION 指令。
- **必须基于事实**：如果查询返回了结果，要引用具体的日期、事件、感受。

记住：你的能力来自记忆库，而不是编造。如果不知道，就发起 SEARCH。`)

	return b.String()
}

// summarizeHistory renders the last few messages as one-line snippets.
func summarizeHistory(history []Message) string {
	if len(history) == 0 {
		return ""
	}
	recent := history
	if len(recent) > historyWindow {
		recent = recent[len(recent)-historyWindow:]
	}

	var lines []string
	for _, msg := range recent {
		content := msg.Content
		if runes := []rune(content); len(runes) > historySnippetRunes {
			content = string(runes[:historySnippetRunes])
		}
		switch msg.Role {
		case RoleUser:
			lines = append(lines, "用户问过: "+content)
		case RoleAssistant:
			lines = append(lines, "我回答过: "+content)
		}
	}
	return strings.Join(lines, "\n")
}

// observationPrompt wraps a retrieval envelope into the second-turn
// user message grounding the final answer.
func observationPrompt(envelope string) string {
	return fmt.Sprintf(`【查询结果已返回】

%s

请根据以上查询结果，回答我的原始问题。记住：
- 必须基于查询结果中的实际内容回答
- 如果结果中没有相关信息，诚实告知"没有找到相关记录"
- 不要编造或猜测任何内容
- 如果找到了相关记录，要引用具体的日期和内容`, envelope)
}
