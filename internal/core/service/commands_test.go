package service

import (
	"context"
	"testing"
	"time"

	"nstbot/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockCommand struct {
	command string
}

func (m *mockCommand) Respond(_ context.Context, _ time.Duration, _ *domain.Message) error {
	return nil
}

func (m *mockCommand) GetCommand() string {
	return m.command
}

func TestCommandRegistry(t *testing.T) {
	cr := NewCommandRegistry()
	cr.Register(&mockCommand{command: "/style"})
	cr.Register(&mockCommand{command: "/cancel"})

	cmd, err := cr.Get("/style")
	require.NoError(t, err)
	assert.Equal(t, "/style", cmd.GetCommand())

	_, err = cr.Get("/chat")
	assert.ErrorIs(t, err, ErrCommandNotFound)

	assert.Equal(t, []string{"/cancel", "/style"}, cr.ListCommands())
}
