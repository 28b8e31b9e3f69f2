// Package telegram connects the conversation state machine to the Telegram
// Bot API: commands and callback queries in, menus and uploads out.
package telegram

import (
	"context"
	"net/http"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/pkg/errors"

	"github.com/alvarorichard/animeworld/internal/bot"
	"github.com/alvarorichard/animeworld/internal/tracking"
	"github.com/alvarorichard/animeworld/internal/util"
)

const historyLimit = 10

// HistoryReader lists past deliveries. userID 0 lists every user.
type HistoryReader interface {
	Recent(userID int64, limit int) ([]tracking.Delivery, error)
}

// Options configure the Telegram front end
type Options struct {
	Token string
	// APIURL overrides the public Bot API endpoint
	APIURL string
	// LocalAPIURL is a self-hosted Bot API server used for large documents
	LocalAPIURL string
	IsAdmin     func(userID int64) bool
	// MaxRoutines caps updates handled at once
	MaxRoutines int
	History     HistoryReader
}

// Bot is the running Telegram front end
type Bot struct {
	bot     *gotgbot.Bot
	large   *gotgbot.Bot
	machine *bot.Machine
	opts    Options

	dispatcher *dispatcher
	updater    *ext.Updater

	// ctx is handed to the machine for every update. Run replaces it
	// before polling starts.
	ctx context.Context
}

func newClient(token, apiURL string, timeout time.Duration, checkToken bool) (*gotgbot.Bot, error) {
	return gotgbot.NewBot(token, &gotgbot.BotOpts{
		DisableTokenCheck: !checkToken,
		BotClient: &gotgbot.BaseBotClient{
			Client: http.Client{},
			DefaultRequestOpts: &gotgbot.RequestOpts{
				Timeout: timeout,
				APIURL:  normalizeAPIURL(apiURL),
			},
		},
	})
}

// New creates the Bot API clients and registers the handlers
func New(machine *bot.Machine, opts Options) (*Bot, error) {
	if opts.Token == "" {
		return nil, errors.New("bot token is empty")
	}

	b, err := newClient(opts.Token, opts.APIURL, gotgbot.DefaultTimeout, true)
	if err != nil {
		return nil, errors.Wrap(err, "create bot")
	}

	var large *gotgbot.Bot
	if opts.LocalAPIURL != "" {
		large, err = newClient(opts.Token, opts.LocalAPIURL, uploadTimeout, false)
		if err != nil {
			return nil, errors.Wrap(err, "create large-file client")
		}
		util.Info("Large-file channel enabled", "api", normalizeAPIURL(opts.LocalAPIURL))
	}

	return newBot(b, large, machine, opts), nil
}

func newBot(b, large *gotgbot.Bot, machine *bot.Machine, opts Options) *Bot {
	if opts.IsAdmin == nil {
		opts.IsAdmin = func(int64) bool { return false }
	}
	if opts.MaxRoutines <= 0 {
		opts.MaxRoutines = ext.DefaultMaxRoutines
	}

	tb := &Bot{bot: b, large: large, machine: machine, opts: opts, ctx: context.Background()}
	tb.dispatcher = newDispatcher(ext.NewDispatcher(&ext.DispatcherOpts{
		Error: func(_ *gotgbot.Bot, _ *ext.Context, err error) ext.DispatcherAction {
			util.Error("Update handler failed", "error", err)
			return ext.DispatcherActionNoop
		},
	}), machine, opts.MaxRoutines)
	tb.register()
	tb.updater = ext.NewUpdater(tb.dispatcher, nil)
	return tb
}

// handler is one command or callback bound to a chat
type handler func(ctx context.Context, userID int64, c *chat, update *ext.Context)

func (tb *Bot) register() {
	wrap := func(h handler) handlers.Response {
		return func(b *gotgbot.Bot, u *ext.Context) error {
			if u.EffectiveUser == nil || u.EffectiveChat == nil {
				return nil
			}
			var messageID int64
			if u.CallbackQuery != nil && u.CallbackQuery.Message != nil {
				messageID = u.CallbackQuery.Message.GetMessageId()
			}
			ctx := tb.ctx
			if turn, ok := u.Data[turnData].(*bot.Turn); ok && turn != nil {
				ctx = bot.WithTurn(ctx, turn)
			}
			c := newChat(b, tb.large, u.EffectiveChat.Id, messageID, u.CallbackQuery)
			h(ctx, u.EffectiveUser.Id, c, u)
			return nil
		}
	}

	start := wrap(func(ctx context.Context, _ int64, c *chat, _ *ext.Context) {
		tb.machine.Start(ctx, c)
	})
	search := wrap(func(ctx context.Context, userID int64, c *chat, u *ext.Context) {
		tb.machine.Search(ctx, userID, c, commandArgs(u.EffectiveMessage.Text))
	})

	tb.dispatcher.AddHandler(handlers.NewCommand("start", start))
	tb.dispatcher.AddHandler(handlers.NewCommand("help", start))
	tb.dispatcher.AddHandler(handlers.NewCommand("search", search))
	tb.dispatcher.AddHandler(handlers.NewCommand("anime", search))
	tb.dispatcher.AddHandler(handlers.NewCommand("recent", wrap(func(ctx context.Context, userID int64, c *chat, _ *ext.Context) {
		tb.machine.Recent(ctx, userID, c)
	})))
	tb.dispatcher.AddHandler(handlers.NewCommand("history", wrap(tb.history)))
	tb.dispatcher.AddHandler(handlers.NewCallback(callbackquery.All, wrap(tb.callback)))
}

func (tb *Bot) callback(ctx context.Context, userID int64, c *chat, u *ext.Context) {
	action, err := bot.ParseAction(u.CallbackQuery.Data)
	if err != nil {
		util.Debug("Ignoring unknown callback", "data", u.CallbackQuery.Data, "error", err)
		c.answer("")
		return
	}
	tb.machine.Handle(ctx, userID, c, action)
	c.answer("")
}

func (tb *Bot) history(ctx context.Context, userID int64, c *chat, _ *ext.Context) {
	if tb.opts.History == nil {
		_ = c.Send(ctx, bot.Menu{Text: "📭 Delivery history is not available."})
		return
	}

	admin := tb.opts.IsAdmin(userID)
	target := userID
	if admin {
		target = 0
	}
	deliveries, err := tb.opts.History.Recent(target, historyLimit)
	if err != nil {
		util.Warn("Failed to read history", "user", userID, "error", err)
		_ = c.Send(ctx, bot.Menu{Text: "❌ Could not read your history."})
		return
	}
	if err := c.Send(ctx, bot.Menu{Text: historyText(deliveries, admin)}); err != nil {
		util.Warn("Failed to send history", "error", err)
	}
}

// Run polls for updates until ctx is cancelled
func (tb *Bot) Run(ctx context.Context) error {
	tb.ctx = ctx

	err := tb.updater.StartPolling(tb.bot, &ext.PollingOpts{
		DropPendingUpdates: true,
		GetUpdatesOpts: &gotgbot.GetUpdatesOpts{
			Timeout: 9,
			RequestOpts: &gotgbot.RequestOpts{
				Timeout: 10 * time.Second,
			},
		},
	})
	if err != nil {
		return errors.Wrap(err, "start polling")
	}
	util.Info("Bot started", "username", tb.bot.User.Username)

	<-ctx.Done()
	util.Info("Stopping bot")
	return errors.Wrap(tb.updater.Stop(), "stop polling")
}
