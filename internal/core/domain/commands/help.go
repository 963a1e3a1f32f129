package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"nstbot/internal/core/domain"
	"nstbot/internal/core/port"
)

type HelpHandler struct {
	registry port.CommandRegistry
	ts       port.TextSender
	command  string
}

func NewHelpHandler(registry port.CommandRegistry, ts port.TextSender, command string) *HelpHandler {
	return &HelpHandler{registry: registry, ts: ts, command: command}
}

func (h *HelpHandler) GetCommand() string {
	return h.command
}

func (h *HelpHandler) Respond(ctx context.Context, _ time.Duration, message *domain.Message) error {
	sb := &strings.Builder{}

	sb.WriteString("nstbot repaints a photo in the style of another one.\n\n")
	sb.WriteString(styleUsage)
	sb.WriteString("\n\ngatys optimizes the image step by step and is slow, adain is a single pass and fast. " +
		"Strength 1 keeps most of the content, 5 applies the most style.\n\nCommands: ")
	sb.WriteString(strings.Join(h.registry.ListCommands(), ", "))

	_, err := h.ts.SendMessageReply(ctx, message, sb.String())
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	return nil
}
