package service

import (
	"errors"
	"slices"

	"nstbot/internal/core/port"

	"github.com/rs/zerolog/log"
)

var ErrCommandNotFound = errors.New("command not found")

// CommandRegistry maps command words such as /style to their handlers.
type CommandRegistry struct {
	commands map[string]port.Command
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{commands: make(map[string]port.Command)}
}

func (c *CommandRegistry) Register(handler port.Command) {
	log.Info().Str("handler", handler.GetCommand()).Msg("adding command handler to registry")
	c.commands[handler.GetCommand()] = handler
}

func (c *CommandRegistry) Get(command string) (port.Command, error) {
	log.Debug().Str("command", command).Msg("fetching command handler from registry")

	handler, ok := c.commands[command]
	if !ok {
		return nil, ErrCommandNotFound
	}

	return handler, nil
}

func (c *CommandRegistry) ListCommands() []string {
	keys := make([]string, 0, len(c.commands))
	for k := range c.commands {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	return keys
}
