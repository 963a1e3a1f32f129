package sender

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"nstbot/internal/core/domain"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
)

// TelegramBot is the part of *bot.Bot the sender needs.
type TelegramBot interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
}

type Telegram struct {
	bot TelegramBot
}

func NewTelegram(bot TelegramBot) *Telegram {
	return &Telegram{bot: bot}
}

const TelegramMessageLimit = 4096

func chunk(text string, size int) []string {
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	for len(runes) > 0 {
		n := min(size, len(runes))
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}

	return chunks
}

// SendMessageReply replies to message, splitting text at the Telegram message limit. It returns the ID of the last
// sent message.
func (s *Telegram) SendMessageReply(ctx context.Context, message *domain.Message, text string) (int, error) {
	var lastID int

	for _, part := range chunk(text, TelegramMessageLimit) {
		sent, err := s.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: message.ChatID,
			Text:   part,
			ReplyParameters: &models.ReplyParameters{
				MessageID: message.ID,
				ChatID:    message.ChatID,
			},
		})
		if err != nil {
			return lastID, fmt.Errorf("%w: %w", domain.ErrSendingReplyFailed, err)
		}

		lastID = sent.ID
	}

	return lastID, nil
}

func (s *Telegram) SendImageFileReply(ctx context.Context, message *domain.Message, file []byte) error {
	params := &bot.SendPhotoParams{
		ChatID: message.ChatID,
		Photo: &models.InputFileUpload{Filename: fmt.Sprintf("%d.jpg", message.ID),
			Data: bytes.NewReader(file)},
		ReplyParameters: &models.ReplyParameters{
			MessageID: message.ID,
			ChatID:    message.ChatID,
		},
	}

	_, err := s.bot.SendPhoto(ctx, params)
	if err != nil {
		log.Error().Err(err).Msg("failed to send photo response")
		return fmt.Errorf("%w: %w", domain.ErrSendingReplyFailed, err)
	}

	return nil
}

// NotifyAndReturnError replies with the error text. The original error is returned, joined with the send error if
// the reply failed too.
func (s *Telegram) NotifyAndReturnError(ctx context.Context, err error, message *domain.Message) error {
	log.Warn().Err(err).Int64("chatId", message.ChatID).Msg("notifying chat about error")

	if _, sendErr := s.SendMessageReply(ctx, message, err.Error()); sendErr != nil {
		log.Error().Err(sendErr).Msg("failed to send error notification")
		return errors.Join(err, sendErr)
	}

	return err
}

var chatActionInterval = 5 * time.Second

// SendChatAction repeats the action until ctx is done, since Telegram shows it for a few seconds only.
func (s *Telegram) SendChatAction(ctx context.Context, chatID int64, action domain.Action) {
	var chatAction models.ChatAction
	switch action {
	case domain.SendingPhoto:
		chatAction = models.ChatActionUploadPhoto
	default:
		chatAction = models.ChatActionTyping
	}

	log.Debug().Int64("chatID", chatID).Msg("starting action routine")

	ticker := time.NewTicker(chatActionInterval)
	defer ticker.Stop()

	for {
		_, err := s.bot.SendChatAction(ctx, &bot.SendChatActionParams{
			ChatID: chatID,
			Action: chatAction,
		})
		if err != nil {
			log.Err(err).Msg("error sending chat action")
			return
		}

		select {
		case <-ctx.Done():
			log.Debug().Int64("chatID", chatID).Msg("done, stopping action routine")
			return
		case <-ticker.C:
		}
	}
}
