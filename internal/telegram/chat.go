package telegram

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/pkg/errors"

	"github.com/alvarorichard/animeworld/internal/bot"
	"github.com/alvarorichard/animeworld/internal/util"
)

const uploadTimeout = 30 * time.Minute

// chat is the bot.Chat of one incoming update. Menus are edited in place
// once a message exists; callback queries are answered exactly once.
type chat struct {
	bot    *gotgbot.Bot
	large  *gotgbot.Bot
	chatID int64

	mu        sync.Mutex
	messageID int64
	callback  *gotgbot.CallbackQuery
	answered  bool
}

var _ bot.Chat = (*chat)(nil)

func newChat(b, large *gotgbot.Bot, chatID, messageID int64, cq *gotgbot.CallbackQuery) *chat {
	if large == nil {
		large = b
	}
	return &chat{bot: b, large: large, chatID: chatID, messageID: messageID, callback: cq}
}

// answer closes the callback spinner, showing text when it is not empty.
// It reports whether this call did the answering.
func (c *chat) answer(text string) bool {
	c.mu.Lock()
	if c.callback == nil || c.answered {
		c.mu.Unlock()
		return false
	}
	c.answered = true
	cq := c.callback
	c.mu.Unlock()

	if _, err := cq.Answer(c.bot, &gotgbot.AnswerCallbackQueryOpts{Text: text}); err != nil {
		util.Debug("Failed to answer callback", "error", err)
	}
	return true
}

func (c *chat) Show(ctx context.Context, menu bot.Menu) error {
	c.answer("")

	c.mu.Lock()
	messageID := c.messageID
	c.mu.Unlock()

	if messageID != 0 {
		_, _, err := c.bot.EditMessageTextWithContext(ctx, menu.Text, &gotgbot.EditMessageTextOpts{
			ChatId:      c.chatID,
			MessageId:   messageID,
			ReplyMarkup: keyboard(menu.Rows),
		})
		if err == nil || isNotModified(err) {
			return nil
		}
		util.Debug("Edit failed, sending a new message", "error", err)
	}

	msg, err := c.send(ctx, menu)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.messageID = msg.MessageId
	c.mu.Unlock()
	return nil
}

func (c *chat) Send(ctx context.Context, menu bot.Menu) error {
	c.answer("")
	_, err := c.send(ctx, menu)
	return err
}

func (c *chat) send(ctx context.Context, menu bot.Menu) (*gotgbot.Message, error) {
	opts := &gotgbot.SendMessageOpts{}
	if len(menu.Rows) > 0 {
		opts.ReplyMarkup = keyboard(menu.Rows)
	}
	msg, err := c.bot.SendMessageWithContext(ctx, c.chatID, menu.Text, opts)
	return msg, errors.Wrap(err, "send message")
}

// Notify answers the pending callback with text, or posts it as a message
// once the callback has been answered.
func (c *chat) Notify(ctx context.Context, text string) error {
	if c.answer(text) {
		return nil
	}
	_, err := c.send(ctx, bot.Menu{Text: text})
	return err
}

func (c *chat) SendVideo(ctx context.Context, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open video")
	}
	defer f.Close()

	_, err = c.bot.SendVideoWithContext(ctx, c.chatID, gotgbot.InputFileByReader(uploadName(path, caption), f), &gotgbot.SendVideoOpts{
		Caption:           caption,
		SupportsStreaming: true,
		RequestOpts:       &gotgbot.RequestOpts{Timeout: uploadTimeout},
	})
	return errors.Wrap(err, "send video")
}

// SendDocument goes through the large-file channel when one is configured
func (c *chat) SendDocument(ctx context.Context, path, caption string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open document")
	}
	defer f.Close()

	_, err = c.large.SendDocumentWithContext(ctx, c.chatID, gotgbot.InputFileByReader(uploadName(path, caption), f), &gotgbot.SendDocumentOpts{
		Caption:     caption,
		RequestOpts: &gotgbot.RequestOpts{Timeout: uploadTimeout},
	})
	return errors.Wrap(err, "send document")
}

func (c *chat) SendLink(ctx context.Context, link, caption string) error {
	text := link
	if caption != "" {
		text = caption + "\n\n" + link
	}
	_, err := c.bot.SendMessageWithContext(ctx, c.chatID, text, &gotgbot.SendMessageOpts{
		LinkPreviewOptions: &gotgbot.LinkPreviewOptions{IsDisabled: true},
	})
	return errors.Wrap(err, "send link")
}

// uploadName names the upload after the first caption line, keeping the
// file extension.
func uploadName(path, caption string) string {
	first, _, _ := strings.Cut(caption, "\n")
	title := util.SafeTitle(first)
	if title == "" {
		return filepath.Base(path)
	}
	return title + filepath.Ext(path)
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}
