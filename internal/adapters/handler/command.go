package handler

import (
	"context"
	"time"

	"nstbot/internal/core/domain"
	"nstbot/internal/core/port"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
)

// FileLinker resolves a Telegram file ID to a download link.
type FileLinker interface {
	Link(ctx context.Context, fileID string) (string, error)
}

type botLinker struct {
	b *bot.Bot
}

func (l botLinker) Link(ctx context.Context, fileID string) (string, error) {
	f, err := l.b.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return "", err
	}

	return l.b.FileDownloadLink(f), nil
}

type Command struct {
	commandRegistry port.CommandRegistry
	timeout         time.Duration
	links           FileLinker
}

type CommandOption func(*Command)

// WithFileLinker replaces the bot API lookup of photo links.
func WithFileLinker(l FileLinker) CommandOption {
	return func(c *Command) {
		c.links = l
	}
}

func NewCommand(commandRegistry port.CommandRegistry, timeout time.Duration, opts ...CommandOption) *Command {
	c := &Command{commandRegistry: commandRegistry, timeout: timeout}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Handle is a bot.HandlerFunc. The command runs in its own goroutine so slow transfers do not block the update loop.
func (c *Command) Handle(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	msg := update.Message
	text := msg.Text
	if len(msg.Photo) > 0 {
		text = msg.Caption
	}

	log.Debug().Str("message", text).Msg("received command")

	cmd := domain.ParseCommand(text)
	commandHandler, err := c.commandRegistry.Get(cmd)
	if err != nil {
		log.Debug().Str("command", cmd).Msg("no handler for command")
		return
	}

	var quotedText string
	var isReplyToBot bool
	var replyToUsername string
	var replyToMessageID int
	var replyPhotos []models.PhotoSize

	if reply := msg.ReplyToMessage; reply != nil {
		replyToMessageID = reply.ID
		quotedText = reply.Text
		replyPhotos = reply.Photo

		if reply.From != nil {
			isReplyToBot = reply.From.IsBot
			if !isReplyToBot {
				replyToUsername = reply.From.Username
			}
		}
	}

	links := c.links
	if links == nil {
		links = botLinker{b: b}
	}

	var username string
	if msg.From != nil {
		username = getUserNameFromMessage(msg.From)
	}

	go func() {
		err := commandHandler.Respond(ctx, c.timeout, &domain.Message{
			ID:               msg.ID,
			ChatID:           msg.Chat.ID,
			Text:             text,
			Username:         username,
			ReplyToMessageID: &replyToMessageID,
			ReplyToUsername:  replyToUsername,
			IsReplyToBot:     isReplyToBot,
			QuotedText:       quotedText,
			ImageURL:         getPhotoURL(ctx, links, msg.Photo),
			ReplyImageURL:    getPhotoURL(ctx, links, replyPhotos),
		})
		if err != nil {
			log.Err(err).Str("command", cmd).Msg("failed to respond to command")
		}
	}()
}

func getPhotoURL(ctx context.Context, links FileLinker, photos []models.PhotoSize) string {
	if len(photos) == 0 {
		return ""
	}

	url, err := links.Link(ctx, findMediumSizedImage(photos))
	if err != nil {
		log.Error().Err(err).Msg("error getting file from telegram api")
		return ""
	}

	return url
}

const minSize = 80000
const maxSize = 130000

func findMediumSizedImage(photos []models.PhotoSize) string {
	for _, photo := range photos {
		if photo.FileSize > minSize && photo.FileSize < maxSize {
			return photo.FileID
		}
	}

	return photos[len(photos)-1].FileID
}

func getUserNameFromMessage(user *models.User) string {
	if user.Username == "" {
		return user.FirstName
	}

	return "@" + user.Username
}
