// Package bot holds the per-user conversation state machine: it decodes
// selection tokens, validates them against the user's session and drives
// the catalog, bypass, probe and delivery stages.
package bot

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/alvarorichard/animeworld/internal/downloader"
	"github.com/alvarorichard/animeworld/internal/metrics"
	"github.com/alvarorichard/animeworld/internal/models"
	"github.com/alvarorichard/animeworld/internal/tracking"
	"github.com/alvarorichard/animeworld/internal/util"
)

var (
	errSessionExpired = errors.New("session expired")
	errNoPlayer       = errors.New("no video player on the episode page")
)

// Catalog is the site resolver
type Catalog interface {
	Search(ctx context.Context, query string) []models.CatalogEntry
	Recent(ctx context.Context, limit int) []models.CatalogEntry
	GetAnimeInfo(ctx context.Context, animeURL string) *models.AnimeInfo
	GetSeasons(ctx context.Context, animeURL string) []models.SeasonRef
	GetEpisodes(ctx context.Context, animeURL, seasonID string) []models.EpisodeRef
	GetEpisodeVideoLink(ctx context.Context, episodeURL string) string
}

// Extractor recovers the manifest behind an embedded player
type Extractor interface {
	GetRawVideo(ctx context.Context, playerURL string) (string, error)
}

// Prober lists the formats of a manifest
type Prober interface {
	Probe(ctx context.Context, manifestURL, referer string) ([]models.FormatDescriptor, error)
}

// Deliverer downloads a manifest and sends it
type Deliverer interface {
	Deliver(ctx context.Context, sink downloader.Sink, req downloader.Request) (*downloader.Outcome, error)
}

// History records finished deliveries
type History interface {
	Record(d tracking.Delivery) error
}

// Chat is the conversation of one incoming update. Show replaces the menu
// message of the conversation, Send always posts a new message and Notify
// shows a short transient notice.
type Chat interface {
	downloader.Sink
	Show(ctx context.Context, menu Menu) error
	Send(ctx context.Context, menu Menu) error
	Notify(ctx context.Context, text string) error
}

// Deps are the collaborators of a Machine. History may be nil.
type Deps struct {
	Catalog   Catalog
	Extractor Extractor
	Prober    Prober
	Deliverer Deliverer
	Pool      *util.WorkerPool
	Store     SessionStore
	History   History
}

// Machine handles user actions. Actions of one user run one at a time in
// arrival order; different users never wait on each other except for pool
// slots.
type Machine struct {
	deps Deps

	mu    sync.Mutex
	lanes map[int64]*lane
}

// NewMachine creates a Machine
func NewMachine(deps Deps) *Machine {
	if deps.Pool == nil {
		deps.Pool = util.NewWorkerPool(1)
	}
	return &Machine{deps: deps, lanes: make(map[int64]*lane)}
}

func (m *Machine) lane(userID int64) *lane {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.lanes[userID]
	if !ok {
		l = newLane()
		m.lanes[userID] = l
	}
	return l
}

// Start answers /start and /help
func (m *Machine) Start(ctx context.Context, chat Chat) {
	if err := chat.Send(ctx, Menu{Text: welcomeText}); err != nil {
		util.Warn("Failed to send welcome", "error", err)
	}
}

// Search runs a catalog search and replaces the user's session with its
// results.
func (m *Machine) Search(ctx context.Context, userID int64, chat Chat, query string) {
	m.run(ctx, userID, chat, "search", func(*Turn) error {
		return m.search(ctx, userID, chat, query)
	})
}

// Recent lists the newest catalog additions
func (m *Machine) Recent(ctx context.Context, userID int64, chat Chat) {
	m.run(ctx, userID, chat, "recent", func(*Turn) error {
		return m.recent(ctx, userID, chat)
	})
}

// Handle applies a decoded selection token
func (m *Machine) Handle(ctx context.Context, userID int64, chat Chat, action Action) {
	if _, ok := action.(Cancel); ok {
		m.cancel(ctx, userID, chat)
		return
	}
	m.run(ctx, userID, chat, action.name(), func(t *Turn) error {
		return m.apply(ctx, t, userID, chat, action)
	})
}

// run executes fn in its turn in the user's lane, turning errors and
// panics into a message for the user.
func (m *Machine) run(ctx context.Context, userID int64, chat Chat, name string, fn func(t *Turn) error) {
	l := m.lane(userID)
	t := turnFor(ctx, l)
	t.enter()
	defer t.Leave()

	if l.current() != nil {
		metrics.Actions.WithLabelValues(name, "busy").Inc()
		m.notify(ctx, chat, busyText)
		return
	}

	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			util.Error("Action panicked", "action", name, "user", userID, "panic", r)
			m.show(ctx, chat, Menu{Text: genericText})
			outcome = "error"
		}
		metrics.Actions.WithLabelValues(name, outcome).Inc()
	}()

	err := fn(t)
	switch {
	case err == nil:
	case errors.Is(err, errSessionExpired):
		outcome = "expired"
		util.Debug("Rejected stale action", "action", name, "user", userID)
		m.show(ctx, chat, Menu{Text: expiredText})
	default:
		outcome = "error"
		util.Error("Action failed", "action", name, "user", userID, "error", err)
		m.show(ctx, chat, Menu{Text: genericText})
	}
}

func (m *Machine) apply(ctx context.Context, t *Turn, userID int64, chat Chat, action Action) error {
	switch a := action.(type) {
	case SelectAnime:
		return m.selectResult(ctx, userID, chat, StepSearchResults, a.Index)
	case RecentAnime:
		return m.selectResult(ctx, userID, chat, StepRecentResults, a.Index)
	case MoreResults:
		return m.moreResults(ctx, userID, chat, a.Offset)
	case SelectSeason:
		return m.selectSeason(ctx, userID, chat, a.Index)
	case EpisodePage:
		return m.episodePage(ctx, userID, chat, a.Page)
	case DownloadEpisode:
		return m.downloadEpisode(ctx, t, userID, chat, a.Index)
	case SelectResolution:
		return m.selectResolution(ctx, t, userID, chat, a)
	case SelectAudio:
		return m.selectAudio(ctx, t, userID, chat, a)
	case BackToSearch, NewSearch:
		m.deps.Store.Put(userID, &Session{Step: StepIdle, SelectedSeason: -1})
		return chat.Show(ctx, Menu{Text: idleText})
	}
	util.Debug("Ignoring action", "token", action.Token())
	return nil
}

// session returns the user's session if it is at one of steps
func (m *Machine) session(userID int64, steps ...Step) (*Session, error) {
	s, ok := m.deps.Store.Get(userID)
	if !ok || !slices.Contains(steps, s.Step) {
		return nil, errSessionExpired
	}
	return s, nil
}

func (m *Machine) search(ctx context.Context, userID int64, chat Chat, query string) error {
	if query == "" {
		return chat.Show(ctx, Menu{Text: usageText})
	}

	m.show(ctx, chat, Menu{Text: fmt.Sprintf("🔍 Searching for '%s'...", query)})
	results := m.deps.Catalog.Search(ctx, query)
	if len(results) == 0 {
		m.deps.Store.Put(userID, &Session{Step: StepIdle, Query: query, SelectedSeason: -1})
		return chat.Show(ctx, Menu{Text: fmt.Sprintf("❌ No results found for '%s'", query)})
	}

	s := &Session{Step: StepSearchResults, Query: query, Results: results, SelectedSeason: -1}
	m.deps.Store.Put(userID, s)
	return chat.Show(ctx, searchMenu(s, 0))
}

func (m *Machine) recent(ctx context.Context, userID int64, chat Chat) error {
	results := m.deps.Catalog.Recent(ctx, recentLimit)
	if len(results) == 0 {
		return chat.Show(ctx, Menu{Text: "❌ No recent anime found."})
	}

	s := &Session{Step: StepRecentResults, Results: results, SelectedSeason: -1}
	m.deps.Store.Put(userID, s)
	return chat.Show(ctx, recentMenu(s))
}

func (m *Machine) moreResults(ctx context.Context, userID int64, chat Chat, offset int) error {
	s, err := m.session(userID, StepSearchResults)
	if err != nil {
		return err
	}
	if offset >= len(s.Results) {
		return errSessionExpired
	}
	m.deps.Store.Put(userID, s)
	return chat.Show(ctx, searchMenu(s, offset))
}

func (m *Machine) selectResult(ctx context.Context, userID int64, chat Chat, step Step, index int) error {
	s, err := m.session(userID, step)
	if err != nil {
		return err
	}
	if index >= len(s.Results) {
		return errSessionExpired
	}
	entry := s.Results[index]

	m.show(ctx, chat, Menu{Text: fmt.Sprintf("⏳ Fetching details for:\n%s", entry.Title)})
	info := m.deps.Catalog.GetAnimeInfo(ctx, entry.URL)
	seasons := m.deps.Catalog.GetSeasons(ctx, entry.URL)
	if len(seasons) == 0 {
		seasons = []models.SeasonRef{models.DefaultSeason()}
	}

	next := &Session{
		Step:           StepAnimeSelected,
		Query:          s.Query,
		Results:        s.Results,
		Anime:          &entry,
		Info:           info,
		Seasons:        seasons,
		SelectedSeason: -1,
	}
	m.deps.Store.Put(userID, next)
	return chat.Show(ctx, animeMenu(next))
}

func (m *Machine) selectSeason(ctx context.Context, userID int64, chat Chat, index int) error {
	s, err := m.session(userID, StepAnimeSelected, StepSeasonEpisodes)
	if err != nil {
		return err
	}
	if index >= len(s.Seasons) || s.Anime == nil {
		return errSessionExpired
	}
	season := s.Seasons[index]

	m.show(ctx, chat, Menu{Text: fmt.Sprintf("⏳ Fetching episodes for %s...", season.Name)})
	episodes := m.deps.Catalog.GetEpisodes(ctx, s.Anime.URL, season.ID)
	if len(episodes) == 0 {
		menu := animeMenu(s)
		menu.Text = fmt.Sprintf("😔 No episodes found for %s.\n\n%s", season.Name, menu.Text)
		return chat.Show(ctx, menu)
	}

	s.Step = StepSeasonEpisodes
	s.SelectedSeason = index
	s.Episodes = episodes
	s.Page = 0
	s.ManifestURL = ""
	s.Formats = nil
	m.deps.Store.Put(userID, s)
	return chat.Show(ctx, episodeMenu(s))
}

func (m *Machine) episodePage(ctx context.Context, userID int64, chat Chat, page int) error {
	s, err := m.session(userID, StepSeasonEpisodes, StepResolutionChoice, StepAudioChoice)
	if err != nil {
		return err
	}
	if page >= pageCount(len(s.Episodes), episodesPerPage) {
		return errSessionExpired
	}

	s.Step = StepSeasonEpisodes
	s.Page = page
	m.deps.Store.Put(userID, s)
	return chat.Show(ctx, episodeMenu(s))
}

// runHeavy submits fn to the worker pool and waits for it outside the
// lane, so the user's other actions get a busy notice and Cancel can reach
// the task.
func (m *Machine) runHeavy(ctx context.Context, t *Turn, fn func(ctx context.Context) error) error {
	task := m.deps.Pool.Submit(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("internal error: %v", r)
			}
		}()
		return fn(ctx)
	})
	t.lane.setTask(task)
	t.Leave()

	err := task.Wait()

	t.rejoin()
	t.lane.setTask(nil)
	return err
}

type extraction struct {
	playerURL string
	manifest  string
	formats   []models.FormatDescriptor
}

func (m *Machine) downloadEpisode(ctx context.Context, t *Turn, userID int64, chat Chat, index int) error {
	s, err := m.session(userID, StepSeasonEpisodes)
	if err != nil {
		return err
	}
	if index >= len(s.Episodes) {
		return errSessionExpired
	}

	prev := s.Step
	s.Step = StepExtracting
	s.EpisodeIndex = index
	m.deps.Store.Put(userID, s)

	episode := s.Episodes[index]
	title := episodeTitle(s, index)
	m.show(ctx, chat, Menu{
		Text: fmt.Sprintf("⏳ Extracting player for %s...\nBypassing protection...", title),
		Rows: [][]Button{cancelRow()},
	})

	var res extraction
	err = m.runHeavy(ctx, t, func(ctx context.Context) error {
		var err error
		res, err = m.extract(ctx, chat, episode)
		return err
	})
	if err != nil {
		s.Step = prev
		m.deps.Store.Put(userID, s)
		return chat.Show(ctx, Menu{
			Text: extractionFailureText(err, title),
			Rows: [][]Button{
				row(button("🔁 Retry", DownloadEpisode{Index: index})),
				row(button("🔙 Back to episodes", EpisodePage{Page: s.Page})),
			},
		})
	}

	s.Episodes[index].PlayerURL = res.playerURL
	s.Episodes[index].ManifestURL = res.manifest
	s.ManifestURL = res.manifest
	s.Formats = res.formats
	s.Height = downloader.BestAvailable
	s.Step = StepResolutionChoice
	m.deps.Store.Put(userID, s)
	return chat.Show(ctx, resolutionMenu(s))
}

// extract runs on a pool worker: player lookup, bypass, then probe. A
// failed probe still yields a manifest with an empty format list.
func (m *Machine) extract(ctx context.Context, chat Chat, episode models.EpisodeRef) (extraction, error) {
	playerURL := episode.PlayerURL
	if playerURL == "" {
		playerURL = m.deps.Catalog.GetEpisodeVideoLink(ctx, episode.URL)
	}
	if playerURL == "" {
		return extraction{}, errNoPlayer
	}

	manifest, err := m.deps.Extractor.GetRawVideo(ctx, playerURL)
	if err != nil {
		return extraction{}, err
	}

	m.show(ctx, chat, Menu{
		Text: "✅ Link extracted!\n\n🔍 Reading available qualities...",
		Rows: [][]Button{cancelRow()},
	})
	formats, err := m.deps.Prober.Probe(ctx, manifest, downloader.Referer(playerURL))
	if err != nil {
		if ctx.Err() != nil {
			return extraction{}, ctx.Err()
		}
		util.Warn("Falling back to best available", "manifest", util.Truncate(manifest, 70), "error", err)
		formats = nil
	}

	return extraction{playerURL: playerURL, manifest: manifest, formats: formats}, nil
}

func extractionFailureText(err error, title string) string {
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Sprintf("🚫 Extraction of %s cancelled.", title)
	case errors.Is(err, errNoPlayer):
		return fmt.Sprintf("❌ Could not find video player for %s.", title)
	default:
		return fmt.Sprintf("❌ Failed to bypass player protection for %s.\n%s",
			title, util.Truncate(err.Error(), maxErrorLength))
	}
}

// validChoice checks a resolution or audio token against the extracted episode
func validChoice(s *Session, index, height int) bool {
	return index == s.EpisodeIndex &&
		index < len(s.Episodes) &&
		s.ManifestURL != "" &&
		slices.Contains(allowedHeights(s.Formats), height)
}

func (m *Machine) selectResolution(ctx context.Context, t *Turn, userID int64, chat Chat, a SelectResolution) error {
	s, err := m.session(userID, StepResolutionChoice)
	if err != nil {
		return err
	}
	if !validChoice(s, a.Index, a.Height) {
		return errSessionExpired
	}

	s.Height = a.Height
	tracks := downloader.AudioTracks(s.Formats)
	if len(tracks) > 1 {
		s.Step = StepAudioChoice
		m.deps.Store.Put(userID, s)
		return chat.Show(ctx, audioMenu(s, tracks))
	}

	var trackID string
	if len(tracks) == 1 {
		trackID = tracks[0].ID
	}
	return m.deliver(ctx, t, userID, chat, s, trackID)
}

func (m *Machine) selectAudio(ctx context.Context, t *Turn, userID int64, chat Chat, a SelectAudio) error {
	s, err := m.session(userID, StepAudioChoice)
	if err != nil {
		return err
	}
	if !validChoice(s, a.Index, a.Height) {
		return errSessionExpired
	}
	trackID, ok := resolveTrack(downloader.AudioTracks(s.Formats), a.TrackID)
	if !ok {
		return errSessionExpired
	}

	s.Height = a.Height
	return m.deliver(ctx, t, userID, chat, s, trackID)
}

// resolveTrack maps a token's track reference, an id or a "#k" menu
// position, to a known track id.
func resolveTrack(tracks []models.AudioTrack, ref string) (string, bool) {
	for _, t := range tracks {
		if t.ID == ref {
			return ref, true
		}
	}
	pos, ok := strings.CutPrefix(ref, "#")
	if !ok {
		return "", false
	}
	k, err := strconv.Atoi(pos)
	if err != nil || k < 0 || k >= len(tracks) {
		return "", false
	}
	return tracks[k].ID, true
}

func (m *Machine) deliver(ctx context.Context, t *Turn, userID int64, chat Chat, s *Session, trackID string) error {
	prev := s.Step
	index := s.EpisodeIndex
	title := episodeTitle(s, index)
	quality := downloader.QualityLabel(s.Height)

	s.Step = StepDelivering
	m.deps.Store.Put(userID, s)

	m.show(ctx, chat, Menu{
		Text: fmt.Sprintf("📥 Downloading %s at %s...\nThis might take a few minutes...", title, quality),
		Rows: [][]Button{cancelRow()},
	})

	req := downloader.Request{
		ManifestURL: s.ManifestURL,
		Referer:     downloader.Referer(s.Episodes[index].PlayerURL),
		Height:      s.Height,
		TrackID:     trackID,
		Title:       title,
	}

	var outcome *downloader.Outcome
	err := m.runHeavy(ctx, t, func(ctx context.Context) error {
		var err error
		outcome, err = m.deps.Deliverer.Deliver(ctx, chat, req)
		return err
	})
	if err != nil {
		s.Step = prev
		m.deps.Store.Put(userID, s)

		text := "❌ Error during download/upload: " + util.Truncate(err.Error(), maxErrorLength)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			text = "🚫 Download cancelled."
		}
		menu := choiceMenu(s)
		menu.Text = text + "\n\n" + menu.Text
		return chat.Show(ctx, menu)
	}

	s.Step = StepSeasonEpisodes
	m.deps.Store.Put(userID, s)
	m.record(userID, s, index, quality, outcome)

	return chat.Show(ctx, Menu{
		Text: fmt.Sprintf("✅ %s: %s (%s)", title, routeText(outcome.Route), humanize.Bytes(uint64(outcome.Size))),
		Rows: [][]Button{
			row(button("🔙 Back to episodes", EpisodePage{Page: s.Page})),
			row(button("🔍 New search", NewSearch{})),
		},
	})
}

func (m *Machine) record(userID int64, s *Session, index int, quality string, outcome *downloader.Outcome) {
	if m.deps.History == nil {
		return
	}
	err := m.deps.History.Record(tracking.Delivery{
		UserID:  userID,
		Anime:   animeTitle(s),
		Episode: s.Episodes[index].DisplayTitle(index),
		Quality: quality,
		Route:   outcome.Route.String(),
		Size:    outcome.Size,
	})
	if err != nil && !errors.Is(err, tracking.ErrCgoDisabled) {
		util.Warn("Failed to record delivery", "user", userID, "error", err)
	}
}

func (m *Machine) cancel(ctx context.Context, userID int64, chat Chat) {
	task := m.lane(userID).current()
	if task == nil || task.Finished() {
		metrics.Actions.WithLabelValues("cancel", "idle").Inc()
		m.notify(ctx, chat, "Nothing to cancel.")
		return
	}
	task.Cancel()
	metrics.Actions.WithLabelValues("cancel", "ok").Inc()
	util.Info("Cancelled task", "user", userID)
	m.notify(ctx, chat, "Cancelling...")
}

func (m *Machine) show(ctx context.Context, chat Chat, menu Menu) {
	if err := chat.Show(ctx, menu); err != nil {
		util.Warn("Failed to update menu", "error", err)
	}
}

func (m *Machine) notify(ctx context.Context, chat Chat, text string) {
	if err := chat.Notify(ctx, text); err != nil {
		util.Debug("Failed to notify", "error", err)
	}
}
