package handler

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Poller is satisfied by *bot.Bot.
type Poller interface {
	Start(ctx context.Context)
}

// Service runs the Telegram long polling loop under a suture supervisor.
type Service struct {
	bot Poller
}

func NewService(bot Poller) *Service {
	return &Service{bot: bot}
}

func (s *Service) String() string {
	return "telegram-bot"
}

func (s *Service) Serve(ctx context.Context) error {
	log.Info().Msg("bot listening")
	s.bot.Start(ctx)

	return ctx.Err()
}
