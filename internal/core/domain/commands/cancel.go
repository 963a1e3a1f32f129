package commands

import (
	"context"
	"errors"
	"time"

	"nstbot/internal/core/domain"
	"nstbot/internal/core/port"

	"github.com/rs/zerolog/log"
)

type CancelHandler struct {
	sh         *StyleHandler
	dispatcher port.Dispatcher
	ts         port.TextSender
	command    string
}

func NewCancelHandler(sh *StyleHandler, dispatcher port.Dispatcher, ts port.TextSender, command string) *CancelHandler {
	return &CancelHandler{sh: sh, dispatcher: dispatcher, ts: ts, command: command}
}

func (h *CancelHandler) GetCommand() string {
	return h.command
}

func (h *CancelHandler) Respond(ctx context.Context, _ time.Duration, message *domain.Message) error {
	id, ok := h.sh.Pending(message.ChatID)
	if !ok || id == "" {
		_, err := h.ts.SendMessageReply(ctx, message, "nothing to cancel")
		return err
	}

	log.Info().Int64("chatId", message.ChatID).Str("taskId", id).Msg("cancelling task on request")

	reply := "cancelling the style transfer"
	if _, err := h.dispatcher.Cancel(ctx, id); err != nil {
		if !errors.Is(err, domain.ErrTaskFinished) && !errors.Is(err, domain.ErrNotFound) {
			return h.ts.NotifyAndReturnError(ctx, errors.New("could not cancel the style transfer"), message)
		}
		reply = "the style transfer already finished"
	}

	_, err := h.ts.SendMessageReply(ctx, message, reply)
	return err
}
