package telegram

import (
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/dustin/go-humanize"

	"github.com/alvarorichard/animeworld/internal/bot"
	"github.com/alvarorichard/animeworld/internal/tracking"
)

const defaultAPIURL = "https://api.telegram.org"

// normalizeAPIURL trims a configured Bot API base, falling back to the
// public endpoint.
func normalizeAPIURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return defaultAPIURL
	}
	return strings.TrimRight(base, "/")
}

// keyboard converts menu rows to an inline keyboard. Buttons with neither
// an action nor a URL are dropped, and so are rows left empty.
func keyboard(rows [][]bot.Button) gotgbot.InlineKeyboardMarkup {
	markup := gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{}}
	for _, r := range rows {
		var out []gotgbot.InlineKeyboardButton
		for _, b := range r {
			switch {
			case b.URL != "":
				out = append(out, gotgbot.InlineKeyboardButton{Text: b.Label, Url: b.URL})
			case b.Action != nil:
				out = append(out, gotgbot.InlineKeyboardButton{Text: b.Label, CallbackData: b.Action.Token()})
			}
		}
		if len(out) > 0 {
			markup.InlineKeyboard = append(markup.InlineKeyboard, out)
		}
	}
	return markup
}

// commandArgs returns the text after the command word
func commandArgs(text string) string {
	text = strings.TrimSpace(text)
	i := strings.IndexAny(text, " \t\n")
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(text[i+1:])
}

// historyText renders the /history reply. withUser adds the user id to each
// line, for admins listing everyone's deliveries.
func historyText(deliveries []tracking.Delivery, withUser bool) string {
	if len(deliveries) == 0 {
		return "📭 No deliveries yet."
	}

	var sb strings.Builder
	sb.WriteString("📜 Recent deliveries:\n")
	for i, d := range deliveries {
		fmt.Fprintf(&sb, "\n%d. %s - %s", i+1, d.Anime, d.Episode)
		if d.Quality != "" {
			fmt.Fprintf(&sb, " [%s]", d.Quality)
		}
		fmt.Fprintf(&sb, "\n   %s", d.Route)
		if d.Size > 0 {
			fmt.Fprintf(&sb, ", %s", humanize.Bytes(uint64(d.Size)))
		}
		if !d.DeliveredAt.IsZero() {
			fmt.Fprintf(&sb, ", %s", humanize.Time(d.DeliveredAt))
		}
		if withUser {
			fmt.Fprintf(&sb, ", user %d", d.UserID)
		}
	}
	return sb.String()
}
