package service

import (
	"fmt"
	"strings"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/MimeLyc/agent-orchestrator/internal/config"
)

// responseLanguage resolves the language an agent should answer in. The
// agent's own setting wins over the service default; "auto" detects the
// language of the prompt. ok is false when no language applies.
func responseLanguage(agentLanguage, defaultLanguage, prompt string) (tag language.Tag, ok bool) {
	setting := strings.TrimSpace(agentLanguage)
	if setting == "" {
		setting = strings.TrimSpace(defaultLanguage)
	}
	if setting == "" {
		return language.Und, false
	}

	if strings.EqualFold(setting, config.LanguageAuto) {
		info := whatlanggo.Detect(prompt)
		if !info.IsReliable() {
			return language.Und, false
		}
		code := info.Lang.Iso6391()
		if code == "" {
			return language.Und, false
		}
		setting = code
	}

	tag, err := language.Parse(setting)
	if err != nil {
		return language.Und, false
	}
	return tag, true
}

// languageDirective is appended to the system prompt so the model answers in
// the resolved language.
func languageDirective(tag language.Tag) string {
	name := display.English.Tags().Name(tag)
	if name == "" {
		name = tag.String()
	}
	return fmt.Sprintf("Always answer in %s (%s), even when tool results are in another language.", name, tag)
}

// withLanguage returns systemPrompt extended by the language directive.
func withLanguage(systemPrompt, agentLanguage, defaultLanguage, prompt string) string {
	tag, ok := responseLanguage(agentLanguage, defaultLanguage, prompt)
	if !ok {
		return systemPrompt
	}
	directive := languageDirective(tag)
	if systemPrompt == "" {
		return directive
	}
	return systemPrompt + "\n\n" + directive
}
