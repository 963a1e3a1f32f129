package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"nstbot/internal/core/domain"
	"nstbot/internal/core/port"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultStrength = 3
	styleUsage      = "usage: send a photo with the caption /style [gatys|adain] [1-5] as a reply to the style " +
		"photo. The photo you send is the content."
	alreadyRunning = "a style transfer is already running in this chat, use /cancel to stop it"
)

// StyleHandler runs one transfer per chat: the attached photo is the content, the photo replied to is the style.
type StyleHandler struct {
	dispatcher  port.Dispatcher
	downloader  port.FileDownloader
	staging     port.TempFileStore
	textSender  port.TextSender
	imageSender port.ImageSender
	command     string

	mu      sync.Mutex
	pending map[int64]string
}

func NewStyleHandler(dispatcher port.Dispatcher, downloader port.FileDownloader, staging port.TempFileStore,
	textSender port.TextSender, imageSender port.ImageSender, command string) *StyleHandler {
	return &StyleHandler{
		dispatcher:  dispatcher,
		downloader:  downloader,
		staging:     staging,
		textSender:  textSender,
		imageSender: imageSender,
		command:     command,
		pending:     make(map[int64]string),
	}
}

func (h *StyleHandler) GetCommand() string {
	return h.command
}

// parseStyleArgs reads an optional algorithm and an optional strength, in any order.
func parseStyleArgs(args string) (domain.Algorithm, int, error) {
	alg := domain.AdaIN
	strength := defaultStrength

	var seenAlg, seenStrength bool
	for _, field := range strings.Fields(args) {
		if n, err := strconv.Atoi(field); err == nil {
			if seenStrength {
				return "", 0, errors.New(styleUsage)
			}
			strength, seenStrength = n, true
			continue
		}

		parsed, err := domain.ParseAlgorithm(field)
		if err != nil || seenAlg {
			return "", 0, errors.New(styleUsage)
		}
		alg, seenAlg = parsed, true
	}

	if strength < 1 || strength > 5 {
		return "", 0, errors.New(styleUsage)
	}

	return alg, strength, nil
}

// Pending returns the task currently running for a chat.
func (h *StyleHandler) Pending(chatID int64) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id, ok := h.pending[chatID]
	return id, ok
}

func (h *StyleHandler) claim(chatID int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.pending[chatID]; ok {
		return false
	}
	h.pending[chatID] = ""
	return true
}

func (h *StyleHandler) setPending(chatID int64, id string) {
	h.mu.Lock()
	h.pending[chatID] = id
	h.mu.Unlock()
}

func (h *StyleHandler) release(chatID int64) {
	h.mu.Lock()
	delete(h.pending, chatID)
	h.mu.Unlock()
}

func (h *StyleHandler) Respond(ctx context.Context, timeout time.Duration, message *domain.Message) error {
	l := log.With().
		Int("messageId", message.ID).
		Int64("chatId", message.ChatID).
		Str("command", h.GetCommand()).
		Logger()

	l.Info().Msg("handling request")

	alg, strength, err := parseStyleArgs(domain.ParseCommandArgs(message.Text))
	if err != nil {
		_ = h.textSender.NotifyAndReturnError(ctx, err, message)
		return nil
	}

	if message.ImageURL == "" || message.ReplyImageURL == "" {
		_ = h.textSender.NotifyAndReturnError(ctx, errors.New(styleUsage), message)
		return nil
	}

	if !h.claim(message.ChatID) {
		_, err = h.textSender.SendMessageReply(ctx, message, alreadyRunning)
		return err
	}
	defer h.release(message.ChatID)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	go h.textSender.SendChatAction(ctx, message.ChatID, domain.SendingPhoto)

	content, style, err := h.stage(ctx, message)
	if err != nil {
		l.Error().Err(err).Msg("failed to stage images")
		return h.fail(ctx, message, err)
	}

	id, err := h.dispatcher.Submit(ctx, domain.Request{
		Content:   content,
		Style:     style,
		Strength:  strength,
		Algorithm: alg,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			return h.textSender.NotifyAndReturnError(ctx, err, message)
		}
		return h.fail(ctx, message, err)
	}

	h.setPending(message.ChatID, id)
	l = l.With().Str("taskId", id).Str("algorithm", string(alg)).Int("strength", strength).Logger()
	l.Info().Msg("task submitted")

	task, err := h.dispatcher.Wait(ctx, id)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			if _, cancelErr := h.dispatcher.Cancel(context.WithoutCancel(ctx), id); cancelErr != nil {
				l.Warn().Err(cancelErr).Msg("failed to cancel timed out task")
			}
		}
		return h.fail(context.WithoutCancel(ctx), message, err)
	}

	switch task.Status {
	case domain.StatusSuccess:
	case domain.StatusCancelled:
		l.Info().Msg("task was cancelled")
		_, err = h.textSender.SendMessageReply(ctx, message, "style transfer cancelled")
		return err
	default:
		l.Warn().Str("reason", task.Reason).Msg("task failed")
		return h.fail(ctx, message, fmt.Errorf("%w: %s", domain.ErrTaskFailed, task.Reason))
	}

	result, err := h.dispatcher.Result(ctx, id)
	if err != nil {
		return h.fail(ctx, message, err)
	}

	if err := h.imageSender.SendImageFileReply(ctx, message, result); err != nil {
		return fmt.Errorf("failed to send stylized image: %w", err)
	}

	return nil
}

// stage downloads both photos into the chat's temp directory and reads them back. The directory is removed again
// before returning.
func (h *StyleHandler) stage(ctx context.Context, message *domain.Message) ([]byte, []byte, error) {
	defer func() {
		if err := h.staging.Remove(message.ChatID); err != nil {
			log.Warn().Err(err).Int64("chatId", message.ChatID).Msg("could not clean up temp dir")
		}
	}()

	var contentName, styleName string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		contentName, err = h.download(gctx, message.ChatID, message.ImageURL)
		return err
	})
	g.Go(func() (err error) {
		styleName, err = h.download(gctx, message.ChatID, message.ReplyImageURL)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	content, err := h.staging.Read(message.ChatID, contentName)
	if err != nil {
		return nil, nil, err
	}

	style, err := h.staging.Read(message.ChatID, styleName)
	if err != nil {
		return nil, nil, err
	}

	return content, style, nil
}

func (h *StyleHandler) download(ctx context.Context, chatID int64, url string) (string, error) {
	data, err := h.downloader.Download(ctx, url)
	if err != nil {
		return "", fmt.Errorf("failed to download photo: %w", err)
	}

	return h.staging.Save(chatID, data, ".jpg")
}

// fail logs the cause and shows the chat the generic failure text only.
func (h *StyleHandler) fail(ctx context.Context, message *domain.Message, cause error) error {
	log.Error().Err(cause).Int64("chatId", message.ChatID).Msg("style transfer failed")

	if _, err := h.textSender.SendMessageReply(ctx, message, domain.UserFailureText); err != nil {
		return errors.Join(cause, err)
	}

	return nil
}
