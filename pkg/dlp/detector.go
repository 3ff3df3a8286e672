// Package dlp masks personal identifiers before they leave the process in
// log output.
package dlp

import (
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"
)

type compiledRule struct {
	rule Rule
	re   *regexp.Regexp
}

type Redactor struct {
	rules []compiledRule
}

func NewRedactor(cfg RulesConfig) (*Redactor, error) {
	var compiled []compiledRule
	for _, rule := range cfg.Rules {
		if !rule.Enabled {
			continue
		}
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: rule, re: re})
	}
	return &Redactor{rules: compiled}, nil
}

// Detect lists the identifier types found in text.
func (r *Redactor) Detect(text string) []string {
	if r == nil {
		return nil
	}
	var found []string
	for _, rule := range r.rules {
		if rule.re.MatchString(text) {
			found = append(found, rule.rule.Type)
		}
	}
	return found
}

func (r *Redactor) Redact(text string) string {
	if r == nil {
		return text
	}
	for _, rule := range r.rules {
		text = rule.re.ReplaceAllString(text, rule.rule.Mask)
	}
	return text
}

// Hook applies a Redactor to every log entry's message and fields.
type Hook struct {
	redactor *Redactor
}

func NewHook(redactor *Redactor) *Hook {
	return &Hook{redactor: redactor}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	entry.Message = h.redactor.Redact(entry.Message)
	for key, value := range entry.Data {
		switch v := value.(type) {
		case string:
			entry.Data[key] = h.redactor.Redact(v)
		case error:
			entry.Data[key] = h.redactor.Redact(v.Error())
		}
	}
	return nil
}

// Install loads rules from path (built-in rules when empty) and attaches the
// hook to log.
func Install(log *logrus.Logger, path string) error {
	cfg, err := LoadRules(path)
	if err != nil {
		return err
	}
	redactor, err := NewRedactor(cfg)
	if err != nil {
		return err
	}
	log.AddHook(NewHook(redactor))
	return nil
}
