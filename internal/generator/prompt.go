package generator

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// PromptService loads the post-generation template and injects the subject.
// The template carries an <Input><UserInput>...</UserInput></Input> section
// and optionally an <Examples> section; only the UserInput inside the Input
// section is replaced, the examples are left untouched.
type PromptService struct {
	templatePath string
	log          *slog.Logger
}

func NewPromptService(templatePath string, logger *slog.Logger) *PromptService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptService{templatePath: templatePath, log: logger}
}

// LoadTemplate reads the template file. A missing or unreadable template is
// a permanent error; retrying will not make the file appear.
func (p *PromptService) LoadTemplate() (string, error) {
	b, err := os.ReadFile(p.templatePath)
	if err != nil {
		p.log.Error("template load failed", "path", p.templatePath, "error", err)
		return "", fmt.Errorf("load template %s: %w", p.templatePath, ErrInvalidTemplate)
	}
	p.log.Debug("template loaded", "path", p.templatePath, "chars", len(b))
	return string(b), nil
}

// InjectSubject replaces the content between the <UserInput> tags of the
// <Input> section with subject.
func (p *PromptService) InjectSubject(template, subject string) (string, error) {
	inputStart := strings.Index(template, "<Input>")
	if inputStart == -1 {
		return "", fmt.Errorf("no <Input> section: %w", ErrInvalidTemplate)
	}
	inputEnd := strings.Index(template[inputStart:], "</Input>")
	if inputEnd == -1 {
		return "", fmt.Errorf("no </Input> tag: %w", ErrInvalidTemplate)
	}
	inputEnd += inputStart + len("</Input>")
	section := template[inputStart:inputEnd]

	openIdx := strings.Index(section, "<UserInput>")
	if openIdx == -1 {
		return "", fmt.Errorf("no <UserInput> tag inside <Input>: %w", ErrInvalidTemplate)
	}
	closeIdx := strings.Index(section[openIdx:], "</UserInput>")
	if closeIdx == -1 {
		return "", fmt.Errorf("no </UserInput> tag inside <Input>: %w", ErrInvalidTemplate)
	}
	closeIdx += openIdx

	newSection := section[:openIdx+len("<UserInput>")] + subject + section[closeIdx:]
	return template[:inputStart] + newSection + template[inputEnd:], nil
}

// PromptFor loads the template and injects the subject in one call.
func (p *PromptService) PromptFor(subject string) (string, error) {
	tpl, err := p.LoadTemplate()
	if err != nil {
		return "", err
	}
	return p.InjectSubject(tpl, subject)
}
