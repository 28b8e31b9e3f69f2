package bot

import (
	"fmt"
	"strings"

	"github.com/alvarorichard/animeworld/internal/downloader"
	"github.com/alvarorichard/animeworld/internal/models"
	"github.com/alvarorichard/animeworld/internal/util"
)

const (
	resultsPerPage  = 10
	episodesPerPage = 15
	maxSeasonRows   = 8
	maxErrorLength  = 200
	maxDescLength   = 200
	recentLimit     = 10

	expiredText = "Session expired. Please search again."
	busyText    = "⏳ Your previous request is still running. Press Cancel to abort it."
	genericText = "❌ Error occurred. Please try again."
	idleText    = "🔍 Use /search <name> to search again."
	usageText   = "🔍 Usage: /search <query>\nExample: /search One Piece"
)

const welcomeText = `🚀 Welcome to Anime World Bot!

I can help you search and browse anime from watchanimeworld.net

📋 Commands:
/search <query> - Search for anime
/anime <query> - Same as /search
/recent - Show recent additions
/history - Your last deliveries
/help - Show this help message

📱 Example:
/search Naruto
/search Dragon Ball Super`

// Button is one inline keyboard key. It either carries an Action or opens URL.
type Button struct {
	Label  string
	Action Action
	URL    string
}

// Menu is a text message with an optional inline keyboard
type Menu struct {
	Text string
	Rows [][]Button
}

func row(buttons ...Button) []Button { return buttons }

func button(label string, a Action) Button { return Button{Label: label, Action: a} }

func pageCount(total, size int) int {
	return (total + size - 1) / size
}

func searchMenu(s *Session, offset int) Menu {
	end := min(offset+resultsPerPage, len(s.Results))

	var rows [][]Button
	for i := offset; i < end; i++ {
		label := fmt.Sprintf("%d. %s", i+1, util.Truncate(s.Results[i].Title, 35))
		rows = append(rows, row(button(label, SelectAnime{Index: i})))
	}

	var nav []Button
	if offset > 0 {
		nav = append(nav, button("⬅️ Prev", MoreResults{Offset: max(offset-resultsPerPage, 0)}))
	}
	if end < len(s.Results) {
		nav = append(nav, button("➡️ More results", MoreResults{Offset: end}))
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}

	text := fmt.Sprintf("🔍 Found %d results for '%s':\n\nSelect an anime to view details:", len(s.Results), s.Query)
	if offset > 0 {
		text = fmt.Sprintf("🔍 Results %d-%d of %d for '%s':", offset+1, end, len(s.Results), s.Query)
	}
	return Menu{Text: text, Rows: rows}
}

func recentMenu(s *Session) Menu {
	var rows [][]Button
	for i, entry := range s.Results {
		label := fmt.Sprintf("%d. %s", i+1, util.Truncate(entry.Title, 35))
		rows = append(rows, row(button(label, RecentAnime{Index: i})))
	}
	return Menu{Text: "🆕 Recently added anime:", Rows: rows}
}

func animeTitle(s *Session) string {
	if s.Info != nil && s.Info.Title != "" {
		return s.Info.Title
	}
	if s.Anime != nil {
		return s.Anime.Title
	}
	return "Anime"
}

func animeMenu(s *Session) Menu {
	var b strings.Builder
	fmt.Fprintf(&b, "📺 %s\n\n", animeTitle(s))
	if s.Info != nil && s.Info.Description != "" {
		fmt.Fprintf(&b, "📝 %s\n\n", util.Truncate(s.Info.Description, maxDescLength))
	}

	var rows [][]Button
	if len(s.Seasons) == 1 && s.Seasons[0] == models.DefaultSeason() {
		rows = append(rows, row(button("📺 Get Episodes", SelectSeason{Index: 0})))
	} else {
		b.WriteString("Choose a season:")
		for i, season := range s.Seasons {
			if i == maxSeasonRows {
				break
			}
			rows = append(rows, row(button("📋 "+util.Truncate(season.Name, 30), SelectSeason{Index: i})))
		}
	}

	if s.Anime != nil {
		rows = append(rows, row(Button{Label: "🔗 Watch on website", URL: s.Anime.URL}))
	}
	rows = append(rows, row(button("🔙 Back to search", BackToSearch{})))
	return Menu{Text: strings.TrimSpace(b.String()), Rows: rows}
}

func episodeMenu(s *Session) Menu {
	total := len(s.Episodes)
	pages := pageCount(total, episodesPerPage)
	start := s.Page * episodesPerPage
	end := min(start+episodesPerPage, total)

	seasonName := "Episodes"
	if season, ok := s.SelectedSeasonRef(); ok {
		seasonName = season.Name
	}

	var rows [][]Button
	for i := start; i < end; i++ {
		label := "📥 " + util.Truncate(s.Episodes[i].DisplayTitle(i), 40)
		rows = append(rows, row(button(label, DownloadEpisode{Index: i})))
	}

	var nav []Button
	if s.Page > 0 {
		nav = append(nav, button("⬅️ Prev", EpisodePage{Page: s.Page - 1}))
	}
	if s.Page < pages-1 {
		nav = append(nav, button("Next ➡️", EpisodePage{Page: s.Page + 1}))
	}
	if len(nav) > 0 {
		rows = append(rows, nav)
	}
	rows = append(rows,
		row(button("🔙 Back", BackToSearch{})),
		row(button("🔍 New search", NewSearch{})),
	)

	text := fmt.Sprintf("📋 %s - %s\nEpisodes %d-%d of %d (page %d/%d):",
		animeTitle(s), seasonName, start+1, end, total, s.Page+1, pages)
	return Menu{Text: text, Rows: rows}
}

// allowedHeights is the resolution menu for the session's formats. When
// the probe reported no heights the only choice is best available.
func allowedHeights(formats []models.FormatDescriptor) []int {
	heights := downloader.Resolutions(formats)
	if len(heights) == 0 {
		return []int{downloader.BestAvailable}
	}
	return heights
}

func episodeTitle(s *Session, index int) string {
	return animeTitle(s) + " - " + s.Episodes[index].DisplayTitle(index)
}

func resolutionMenu(s *Session) Menu {
	var rows [][]Button
	for _, h := range allowedHeights(s.Formats) {
		label := "📺 " + downloader.QualityLabel(h) + " Quality"
		if h == downloader.BestAvailable {
			label = "📺 Download Best Available"
		}
		rows = append(rows, row(button(label, SelectResolution{Index: s.EpisodeIndex, Height: h})))
	}
	rows = append(rows, row(button("🔙 Back to episodes", EpisodePage{Page: s.Page})))

	return Menu{
		Text: fmt.Sprintf("🎬 %s\n\nSelect your preferred resolution:", episodeTitle(s, s.EpisodeIndex)),
		Rows: rows,
	}
}

func audioMenu(s *Session, tracks []models.AudioTrack) Menu {
	var rows [][]Button
	for k, t := range tracks {
		a := SelectAudio{Index: s.EpisodeIndex, Height: s.Height, TrackID: t.ID}
		if len(a.Token()) > maxTokenBytes {
			a.TrackID = fmt.Sprintf("#%d", k)
		}
		rows = append(rows, row(button("🔊 "+util.Truncate(t.Label, 30), a)))
	}
	rows = append(rows, row(button("🔙 Back to episodes", EpisodePage{Page: s.Page})))

	return Menu{
		Text: fmt.Sprintf("🎬 %s (%s)\n\nSelect the audio track:",
			episodeTitle(s, s.EpisodeIndex), downloader.QualityLabel(s.Height)),
		Rows: rows,
	}
}

// choiceMenu re-renders the selection the user was on before a failed stage
func choiceMenu(s *Session) Menu {
	if s.Step == StepAudioChoice {
		return audioMenu(s, downloader.AudioTracks(s.Formats))
	}
	return resolutionMenu(s)
}

func cancelRow() []Button {
	return row(button("🚫 Cancel", Cancel{}))
}

func routeText(r downloader.Route) string {
	switch r {
	case downloader.RouteInline:
		return "sent as video"
	case downloader.RouteLargeFile:
		return "sent as file"
	default:
		return "sent as link"
	}
}
