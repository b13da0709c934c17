package generation

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/chronicle/internal/chatlog"
)

// DefaultTemperature is used for every rollup and query call.
const DefaultTemperature = 0.2

const (
	summarizeMessagesSystem = "You write precise and concise chat summaries."
	summarizeMessagesTask   = "You condense Telegram chat logs.\n" +
		"Compress the messages below into 5-10 bullet points: key facts, decisions, agreements, questions, links.\n" +
		"Omit off-topic chatter and jokes. Be specific and brief.\n\n"

	summarizeSummariesSystem = "You aggregate chat summaries into a compact chronicle."
	summarizeSummariesTask   = "Fold the summaries below into one context of 10-15 short bullet points:\n" +
		"- themes and decisions in chronological order,\n" +
		"- important changes and agreements,\n" +
		"- open questions and TODO items.\n\n"

	narrativeSystem = "You are an analyst who writes compact chronological digests of conversations."
	narrativeTask   = "Build ONE chronology of the key events and facts from all materials below.\n" +
		"Keep only important information, without extra detail or repetition.\n" +
		"Merge contexts, summaries and the message tail, ordered strictly by time.\n" +
		"Source priority: contexts > summaries > tail.\n" +
		"Skip facts that were already mentioned earlier.\n" +
		"Output 8-15 bullet points with no headings.\n" +
		"Do not use special characters or markdown.\n\n" +
		"Materials:\n"

	toolRouterSystem = "You are an assistant with read access to the chat database.\n" +
		"If you need data, reply with a SINGLE block in one of these forms:\n" +
		`TOOL: {"name":"get_contexts","args":{"limit":5}}` + "\n" +
		`TOOL: {"name":"get_summaries","args":{"limit":10}}` + "\n" +
		`TOOL: {"name":"get_messages_window","args":{"n":200}}` + "\n" +
		`TOOL: {"name":"search_messages","args":{"query":"...","window":5000,"limit":50}}` + "\n" +
		"If you already have enough information, answer directly without TOOL."

	toolAnswerSystem = "Answer briefly and concretely. " +
		"When both contexts or summaries and raw messages are present, trust the contexts and summaries " +
		"and use raw messages only for clarification or quotes."
	toolDataHeader = "Data from DB:\n"

	blockSeparator = "\n\n---\n\n"
)

// FormatLine renders one message as "timestamp | author: text".
func FormatLine(timestamp time.Time, author, text string) string {
	return fmt.Sprintf("%s | %s: %s", chatlog.FormatTimestamp(timestamp), author, text)
}

// SummarizeMessagesPrompt asks for a 5-10 bullet summary of formatted message lines.
func SummarizeMessagesPrompt(lines []string) []Turn {
	return []Turn{
		{Role: RoleSystem, Content: summarizeMessagesSystem},
		{Role: RoleUser, Content: summarizeMessagesTask + strings.Join(lines, "\n")},
	}
}

// SummarizeSummariesPrompt asks for a 10-15 bullet chronological context.
func SummarizeSummariesPrompt(summaries []string) []Turn {
	parts := make([]string, 0, len(summaries))
	for index, summary := range summaries {
		parts = append(parts, fmt.Sprintf("- Summary %d:\n%s", index+1, summary))
	}
	return []Turn{
		{Role: RoleSystem, Content: summarizeSummariesSystem},
		{Role: RoleUser, Content: summarizeSummariesTask + strings.Join(parts, "\n\n")},
	}
}

// NarrativePrompt merges the materialized tiers into one chronology request.
// Empty tiers are omitted.
func NarrativePrompt(contexts, summaries, tailLines []string) []Turn {
	blocks := make([]string, 0, 3)
	if len(contexts) > 0 {
		blocks = append(blocks, "Contexts:\n"+strings.Join(contexts, "\n\n"))
	}
	if len(summaries) > 0 {
		blocks = append(blocks, "Summaries:\n"+strings.Join(summaries, "\n\n"))
	}
	if len(tailLines) > 0 {
		blocks = append(blocks, "Recent messages (tail):\n"+strings.Join(tailLines, "\n"))
	}
	return []Turn{
		{Role: RoleSystem, Content: narrativeSystem},
		{Role: RoleUser, Content: narrativeTask + strings.Join(blocks, blockSeparator)},
	}
}

// ToolRouterPrompt lets the model either answer or request one read tool.
func ToolRouterPrompt(question string) []Turn {
	return []Turn{
		{Role: RoleSystem, Content: toolRouterSystem},
		{Role: RoleUser, Content: question},
	}
}

// ToolAnswerPrompt replays the question and draft with the fetched data.
func ToolAnswerPrompt(question, draft, data string) []Turn {
	return []Turn{
		{Role: RoleSystem, Content: toolAnswerSystem},
		{Role: RoleUser, Content: question},
		{Role: RoleAssistant, Content: draft},
		{Role: RoleUser, Content: toolDataHeader + data},
	}
}
