package llm

// EnsureSystemPrompt returns a copy of messages whose head is a system
// message carrying prompt. An existing system head is refreshed in place,
// otherwise one is prepended. An empty prompt leaves the history untouched.
func EnsureSystemPrompt(messages []Message, prompt string) []Message {
	if prompt == "" {
		return CloneMessages(messages)
	}
	system := Message{Role: RoleSystem, Content: prompt}
	if len(messages) > 0 && messages[0].Role == RoleSystem {
		out := CloneMessages(messages)
		out[0] = system
		return out
	}
	out := make([]Message, 0, len(messages)+1)
	out = append(out, system)
	return append(out, CloneMessages(messages)...)
}

// CloneMessages deep copies a history so callers cannot alias tool call slices.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if msg.ToolCalls != nil {
			out[i].ToolCalls = append([]ToolCall(nil), msg.ToolCalls...)
		}
	}
	return out
}

// LastAssistantText returns the content of the last assistant message.
func LastAssistantText(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleAssistant {
			return messages[i].Content
		}
	}
	return ""
}

// EstimateTokens is a rough 4-characters-per-token estimate used when a
// provider omits usage data.
func EstimateTokens(messages []Message) int {
	length := 0
	for _, msg := range messages {
		length += len(msg.Content) / 4
		for _, call := range msg.ToolCalls {
			length += (len(call.Function.Name) + len(call.Function.Arguments)) / 4
		}
	}
	return length
}
