package bot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alvarorichard/animeworld/internal/downloader"
	"github.com/alvarorichard/animeworld/internal/models"
	"github.com/alvarorichard/animeworld/internal/tracking"
	"github.com/alvarorichard/animeworld/internal/util"
)

const (
	testUser     = int64(1001)
	testPlayer   = "https://play.example/embed/abc"
	testManifest = "https://cdn.example/hls/master.m3u8"
)

type fakeCatalog struct {
	mu         sync.Mutex
	results    []models.CatalogEntry
	recent     []models.CatalogEntry
	seasons    []models.SeasonRef
	episodes   map[string][]models.EpisodeRef
	player     string
	infoCalls  int
	panicQuery string
}

func (c *fakeCatalog) Search(ctx context.Context, query string) []models.CatalogEntry {
	if query == c.panicQuery {
		panic("selector exploded")
	}
	return c.results
}

func (c *fakeCatalog) Recent(ctx context.Context, limit int) []models.CatalogEntry {
	return c.recent
}

func (c *fakeCatalog) GetAnimeInfo(ctx context.Context, animeURL string) *models.AnimeInfo {
	c.mu.Lock()
	c.infoCalls++
	c.mu.Unlock()
	return &models.AnimeInfo{Title: "Naruto", Description: "A ninja story."}
}

func (c *fakeCatalog) GetSeasons(ctx context.Context, animeURL string) []models.SeasonRef {
	return c.seasons
}

func (c *fakeCatalog) GetEpisodes(ctx context.Context, animeURL, seasonID string) []models.EpisodeRef {
	return c.episodes[seasonID]
}

func (c *fakeCatalog) GetEpisodeVideoLink(ctx context.Context, episodeURL string) string {
	return c.player
}

type fakeExtractor struct {
	manifest string
	err      error
	started  chan struct{}
	block    bool
}

func (e *fakeExtractor) GetRawVideo(ctx context.Context, playerURL string) (string, error) {
	if e.started != nil {
		close(e.started)
	}
	if e.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return e.manifest, e.err
}

type fakeProber struct {
	formats []models.FormatDescriptor
	err     error
}

func (p *fakeProber) Probe(ctx context.Context, manifestURL, referer string) ([]models.FormatDescriptor, error) {
	return p.formats, p.err
}

type fakeDeliverer struct {
	mu      sync.Mutex
	reqs    []downloader.Request
	err     error
	started chan struct{}
	block   bool
}

func (d *fakeDeliverer) Deliver(ctx context.Context, sink downloader.Sink, req downloader.Request) (*downloader.Outcome, error) {
	d.mu.Lock()
	d.reqs = append(d.reqs, req)
	err := d.err
	d.mu.Unlock()

	if d.started != nil {
		close(d.started)
	}
	if d.block {
		<-ctx.Done()
		return nil, errors.New("yt-dlp: signal: killed")
	}
	if err != nil {
		return nil, err
	}
	return &downloader.Outcome{Route: downloader.RouteInline, Size: 42 * 1000 * 1000}, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records []tracking.Delivery
}

func (h *fakeHistory) Record(d tracking.Delivery) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, d)
	return nil
}

type recordingChat struct {
	mu      sync.Mutex
	shown   []Menu
	sent    []Menu
	notices []string
}

func (c *recordingChat) Show(ctx context.Context, menu Menu) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shown = append(c.shown, menu)
	return nil
}

func (c *recordingChat) Send(ctx context.Context, menu Menu) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, menu)
	return nil
}

func (c *recordingChat) Notify(ctx context.Context, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notices = append(c.notices, text)
	return nil
}

func (c *recordingChat) SendVideo(ctx context.Context, path, caption string) error    { return nil }
func (c *recordingChat) SendDocument(ctx context.Context, path, caption string) error { return nil }
func (c *recordingChat) SendLink(ctx context.Context, link, caption string) error     { return nil }

func (c *recordingChat) last() Menu {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.shown) == 0 {
		return Menu{}
	}
	return c.shown[len(c.shown)-1]
}

func (c *recordingChat) shownSince(n int) []Menu {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Menu(nil), c.shown[n:]...)
}

func (c *recordingChat) shownCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shown)
}

func (c *recordingChat) noticeList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.notices...)
}

func tokens(menu Menu) []string {
	var out []string
	for _, r := range menu.Rows {
		for _, b := range r {
			if b.Action != nil {
				out = append(out, b.Action.Token())
			}
		}
	}
	return out
}

func labels(menu Menu) []string {
	var out []string
	for _, r := range menu.Rows {
		for _, b := range r {
			out = append(out, b.Label)
		}
	}
	return out
}

func countPrefix(values []string, prefix string) int {
	n := 0
	for _, v := range values {
		if strings.HasPrefix(v, prefix) {
			n++
		}
	}
	return n
}

func makeEpisodes(season, n int) []models.EpisodeRef {
	eps := make([]models.EpisodeRef, n)
	for i := range eps {
		eps[i] = models.EpisodeRef{
			Number: fmt.Sprintf("%dx%02d", season, i+1),
			Title:  fmt.Sprintf("Episode %d", i+1),
			URL:    fmt.Sprintf("https://site.example/episode/naruto-%dx%d/", season, i+1),
		}
	}
	return eps
}

func video(height int) models.FormatDescriptor {
	return models.FormatDescriptor{Height: height, HasVideo: true}
}

type harness struct {
	machine   *Machine
	store     *MemoryStore
	catalog   *fakeCatalog
	extractor *fakeExtractor
	prober    *fakeProber
	deliverer *fakeDeliverer
	history   *fakeHistory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: NewMemoryStore(time.Hour),
		catalog: &fakeCatalog{
			results: []models.CatalogEntry{
				{Title: "Naruto", URL: "https://site.example/series/naruto/"},
				{Title: "Naruto Shippuden", URL: "https://site.example/series/naruto-shippuden/"},
			},
			seasons: []models.SeasonRef{
				{ID: "1", PostID: "4242", Name: "Season 1"},
				{ID: "2", PostID: "4242", Name: "Season 2"},
			},
			episodes: map[string][]models.EpisodeRef{"1": makeEpisodes(1, 5), "2": makeEpisodes(2, 3)},
			player:   testPlayer,
		},
		extractor: &fakeExtractor{manifest: testManifest},
		prober: &fakeProber{formats: []models.FormatDescriptor{
			video(1080), video(1080), video(720), video(480), video(0),
			{HasAudio: true, TrackID: "audio-hin", LanguageLabel: "Hindi"},
		}},
		deliverer: &fakeDeliverer{},
		history:   &fakeHistory{},
	}
	t.Cleanup(h.store.Close)

	h.machine = NewMachine(Deps{
		Catalog:   h.catalog,
		Extractor: h.extractor,
		Prober:    h.prober,
		Deliverer: h.deliverer,
		Pool:      util.NewWorkerPool(2),
		Store:     h.store,
		History:   h.history,
	})
	return h
}

func (h *harness) step(t *testing.T) Step {
	t.Helper()
	s, ok := h.store.Get(testUser)
	require.True(t, ok, "session missing")
	return s.Step
}

// toEpisodes walks search -> anime -> season 1
func (h *harness) toEpisodes(t *testing.T, chat *recordingChat) {
	t.Helper()
	ctx := t.Context()
	h.machine.Search(ctx, testUser, chat, "naruto")
	h.machine.Handle(ctx, testUser, chat, SelectAnime{Index: 0})
	h.machine.Handle(ctx, testUser, chat, SelectSeason{Index: 0})
	require.Equal(t, StepSeasonEpisodes, h.step(t))
}

func TestStaleIndexYieldsSessionExpired(t *testing.T) {
	h := newHarness(t)
	chat := &recordingChat{}

	h.machine.Search(t.Context(), testUser, chat, "naruto")
	require.Equal(t, StepSearchResults, h.step(t))

	h.machine.Handle(t.Context(), testUser, chat, SelectAnime{Index: 3})

	assert.Equal(t, expiredText, chat.last().Text)
	s, _ := h.store.Get(testUser)
	assert.Equal(t, StepSearchResults, s.Step)
	assert.Len(t, s.Results, 2)
	assert.Zero(t, h.catalog.infoCalls)
}

func TestActionAtWrongStepYieldsSessionExpired(t *testing.T) {
	h := newHarness(t)
	chat := &recordingChat{}

	h.machine.Handle(t.Context(), testUser, chat, DownloadEpisode{Index: 0})
	assert.Equal(t, expiredText, chat.last().Text)

	h.machine.Search(t.Context(), testUser, chat, "naruto")
	h.machine.Handle(t.Context(), testUser, chat, SelectResolution{Index: 0, Height: 720})
	assert.Equal(t, expiredText, chat.last().Text)
	assert.Equal(t, StepSearchResults, h.step(t))
}

func TestFullFlowDeliversChosenResolution(t *testing.T) {
	h := newHarness(t)
	chat := &recordingChat{}
	ctx := t.Context()

	h.machine.Search(ctx, testUser, chat, "naruto")
	assert.Equal(t, []string{"select_anime:0", "select_anime:1"}, tokens(chat.last()))

	h.machine.Handle(ctx, testUser, chat, SelectAnime{Index: 0})
	assert.Equal(t, StepAnimeSelected, h.step(t))
	assert.Equal(t, []string{"select_season:0", "select_season:1", "back_to_search"}, tokens(chat.last()))
	assert.Contains(t, chat.last().Text, "A ninja story.")

	h.machine.Handle(ctx, testUser, chat, SelectSeason{Index: 1})
	assert.Equal(t, StepSeasonEpisodes, h.step(t))
	assert.Equal(t, 3, countPrefix(tokens(chat.last()), "dl_ep:"))

	h.machine.Handle(ctx, testUser, chat, DownloadEpisode{Index: 2})
	assert.Equal(t, StepResolutionChoice, h.step(t))
	assert.Equal(t, []string{"res_sel:2:1080", "res_sel:2:720", "res_sel:2:480", "ep_page:0"}, tokens(chat.last()))

	// not on the menu
	h.machine.Handle(ctx, testUser, chat, SelectResolution{Index: 2, Height: 360})
	assert.Equal(t, expiredText, chat.last().Text)
	assert.Equal(t, StepResolutionChoice, h.step(t))

	h.machine.Handle(ctx, testUser, chat, SelectResolution{Index: 2, Height: 720})
	assert.Equal(t, StepSeasonEpisodes, h.step(t))
	assert.Contains(t, chat.last().Text, "✅")

	require.Len(t, h.deliverer.reqs, 1)
	req := h.deliverer.reqs[0]
	assert.Equal(t, testManifest, req.ManifestURL)
	assert.Equal(t, "https://play.example/", req.Referer)
	assert.Equal(t, 720, req.Height)
	assert.Equal(t, "audio-hin", req.TrackID)
	assert.Equal(t, "Naruto - Episode 3", req.Title)

	s, _ := h.store.Get(testUser)
	assert.Equal(t, testManifest, s.Episodes[2].ManifestURL)
	assert.Equal(t, testPlayer, s.Episodes[2].PlayerURL)

	require.Len(t, h.history.records, 1)
	assert.Equal(t, tracking.Delivery{
		UserID: testUser, Anime: "Naruto", Episode: "Episode 3",
		Quality: "720p", Route: "inline", Size: 42 * 1000 * 1000,
	}, h.history.records[0])
}

func TestEpisodePagination(t *testing.T) {
	h := newHarness(t)
	h.catalog.episodes["1"] = makeEpisodes(1, 37)
	chat := &recordingChat{}
	h.toEpisodes(t, chat)

	page0 := chat.last()
	assert.Equal(t, 15, countPrefix(tokens(page0), "dl_ep:"))
	assert.Contains(t, tokens(page0), "ep_page:1")
	assert.Equal(t, 0, countPrefix(labels(page0), "⬅️ Prev"))

	h.machine.Handle(t.Context(), testUser, chat, EpisodePage{Page: 2})
	page2 := chat.last()
	assert.Equal(t, 7, countPrefix(tokens(page2), "dl_ep:"))
	assert.Contains(t, tokens(page2), "dl_ep:36")
	assert.Contains(t, tokens(page2), "ep_page:1")
	assert.NotContains(t, tokens(page2), "ep_page:3")
	assert.Equal(t, 0, countPrefix(labels(page2), "Next"))

	h.machine.Handle(t.Context(), testUser, chat, EpisodePage{Page: 3})
	assert.Equal(t, expiredText, chat.last().Text)
	s, _ := h.store.Get(testUser)
	assert.Equal(t, 2, s.Page)
}

func TestSearchResultPagination(t *testing.T) {
	h := newHarness(t)
	h.catalog.results = nil
	for i := 0; i < 20; i++ {
		h.catalog.results = append(h.catalog.results, models.CatalogEntry{
			Title: fmt.Sprintf("Anime %d", i), URL: fmt.Sprintf("https://site.example/a/%d", i),
		})
	}
	chat := &recordingChat{}

	h.machine.Search(t.Context(), testUser, chat, "anime")
	first := tokens(chat.last())
	assert.Equal(t, 10, countPrefix(first, "select_anime:"))
	assert.Contains(t, first, "more_results:10")

	h.machine.Handle(t.Context(), testUser, chat, MoreResults{Offset: 10})
	second := tokens(chat.last())
	assert.Equal(t, 10, countPrefix(second, "select_anime:"))
	assert.Contains(t, second, "select_anime:19")
	assert.Contains(t, second, "more_results:0")
	assert.NotContains(t, second, "more_results:20")

	h.machine.Handle(t.Context(), testUser, chat, MoreResults{Offset: 20})
	assert.Equal(t, expiredText, chat.last().Text)

	h.machine.Handle(t.Context(), testUser, chat, SelectAnime{Index: 15})
	assert.Equal(t, StepAnimeSelected, h.step(t))
}

func TestExtractionFailureKeepsEpisodeStep(t *testing.T) {
	h := newHarness(t)
	h.extractor.err = errors.New("no stream manifest observed")
	chat := &recordingChat{}
	h.toEpisodes(t, chat)

	h.machine.Handle(t.Context(), testUser, chat, DownloadEpisode{Index: 1})

	assert.Equal(t, StepSeasonEpisodes, h.step(t))
	assert.Contains(t, chat.last().Text, "Failed to bypass player protection")
	assert.Contains(t, tokens(chat.last()), "dl_ep:1")
	s, _ := h.store.Get(testUser)
	assert.Empty(t, s.ManifestURL)

	// the retry token is valid right away
	h.extractor.err = nil
	h.machine.Handle(t.Context(), testUser, chat, DownloadEpisode{Index: 1})
	assert.Equal(t, StepResolutionChoice, h.step(t))
}

func TestMissingPlayerIsReported(t *testing.T) {
	h := newHarness(t)
	h.catalog.player = ""
	chat := &recordingChat{}
	h.toEpisodes(t, chat)

	h.machine.Handle(t.Context(), testUser, chat, DownloadEpisode{Index: 0})
	assert.Contains(t, chat.last().Text, "Could not find video player")
	assert.Equal(t, StepSeasonEpisodes, h.step(t))
}

func TestProbeFailureOffersBestAvailable(t *testing.T) {
	h := newHarness(t)
	h.prober.err = downloader.ErrProbeFailed
	chat := &recordingChat{}
	h.toEpisodes(t, chat)

	h.machine.Handle(t.Context(), testUser, chat, DownloadEpisode{Index: 0})
	assert.Equal(t, StepResolutionChoice, h.step(t))
	assert.Equal(t, []string{"res_sel:0:0", "ep_page:0"}, tokens(chat.last()))

	h.machine.Handle(t.Context(), testUser, chat, SelectResolution{Index: 0, Height: 0})
	require.Len(t, h.deliverer.reqs, 1)
	assert.Equal(t, downloader.BestAvailable, h.deliverer.reqs[0].Height)
	assert.Empty(t, h.deliverer.reqs[0].TrackID)
}

func TestMultipleAudioTracksAskForChoice(t *testing.T) {
	h := newHarness(t)
	h.prober.formats = []models.FormatDescriptor{
		video(720),
		{HasAudio: true, TrackID: "a-eng", LanguageLabel: "English"},
		{HasAudio: true, TrackID: "a-jpn", LanguageLabel: "Japanese"},
	}
	chat := &recordingChat{}
	h.toEpisodes(t, chat)

	h.machine.Handle(t.Context(), testUser, chat, DownloadEpisode{Index: 0})
	h.machine.Handle(t.Context(), testUser, chat, SelectResolution{Index: 0, Height: 720})
	assert.Equal(t, StepAudioChoice, h.step(t))
	assert.Equal(t, []string{"aud:0:720:a-eng", "aud:0:720:a-jpn", "ep_page:0"}, tokens(chat.last()))

	h.machine.Handle(t.Context(), testUser, chat, SelectAudio{Index: 0, Height: 720, TrackID: "a-fre"})
	assert.Equal(t, expiredText, chat.last().Text)
	assert.Empty(t, h.deliverer.reqs)

	h.machine.Handle(t.Context(), testUser, chat, SelectAudio{Index: 0, Height: 720, TrackID: "a-jpn"})
	require.Len(t, h.deliverer.reqs, 1)
	assert.Equal(t, "a-jpn", h.deliverer.reqs[0].TrackID)
	assert.Equal(t, StepSeasonEpisodes, h.step(t))
}

func TestLongTrackIDsFitCallbackData(t *testing.T) {
	h := newHarness(t)
	longID := "hls-audio-" + strings.Repeat("x", 70)
	h.prober.formats = []models.FormatDescriptor{
		video(720),
		{HasAudio: true, TrackID: "a-eng", LanguageLabel: "English"},
		{HasAudio: true, TrackID: longID, LanguageLabel: "Hindi"},
	}
	chat := &recordingChat{}
	h.toEpisodes(t, chat)

	h.machine.Handle(t.Context(), testUser, chat, DownloadEpisode{Index: 0})
	h.machine.Handle(t.Context(), testUser, chat, SelectResolution{Index: 0, Height: 720})
	require.Equal(t, StepAudioChoice, h.step(t))

	menu := tokens(chat.last())
	assert.Equal(t, []string{"aud:0:720:a-eng", "aud:0:720:#1", "ep_page:0"}, menu)
	for _, tok := range menu {
		assert.LessOrEqual(t, len(tok), maxTokenBytes, tok)
	}

	action, err := ParseAction(menu[1])
	require.NoError(t, err)
	h.machine.Handle(t.Context(), testUser, chat, action)
	require.Len(t, h.deliverer.reqs, 1)
	assert.Equal(t, longID, h.deliverer.reqs[0].TrackID)
}

func TestTrackPositionOutOfRangeIsStale(t *testing.T) {
	tracks := []models.AudioTrack{{ID: "a-eng", Label: "English"}}

	id, ok := resolveTrack(tracks, "a-eng")
	assert.True(t, ok)
	assert.Equal(t, "a-eng", id)

	id, ok = resolveTrack(tracks, "#0")
	assert.True(t, ok)
	assert.Equal(t, "a-eng", id)

	for _, ref := range []string{"#1", "#-1", "#x", "a-fre"} {
		_, ok := resolveTrack(tracks, ref)
		assert.False(t, ok, ref)
	}
}

func TestDeliveryFailureRestoresChoice(t *testing.T) {
	h := newHarness(t)
	h.deliverer.err = errors.New("yt-dlp download failed: " + strings.Repeat("x", 500))
	chat := &recordingChat{}
	h.toEpisodes(t, chat)

	h.machine.Handle(t.Context(), testUser, chat, DownloadEpisode{Index: 0})
	h.machine.Handle(t.Context(), testUser, chat, SelectResolution{Index: 0, Height: 1080})

	assert.Equal(t, StepResolutionChoice, h.step(t))
	last := chat.last()
	assert.Contains(t, last.Text, "Error during download/upload")
	assert.Less(t, len(last.Text), 400)
	assert.Contains(t, tokens(last), "res_sel:0:1080")
	assert.Empty(t, h.history.records)
}

func TestBusyGuardAndCancel(t *testing.T) {
	h := newHarness(t)
	h.extractor.block = true
	h.extractor.started = make(chan struct{})
	chat := &recordingChat{}
	h.toEpisodes(t, chat)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.machine.Handle(context.Background(), testUser, chat, DownloadEpisode{Index: 0})
	}()

	select {
	case <-h.extractor.started:
	case <-time.After(5 * time.Second):
		t.Fatal("extraction never started")
	}
	assert.Equal(t, StepExtracting, h.step(t))

	other := &recordingChat{}
	h.machine.Handle(t.Context(), testUser, other, EpisodePage{Page: 0})
	h.machine.Search(t.Context(), testUser, other, "bleach")
	assert.Equal(t, []string{busyText, busyText}, other.noticeList())
	assert.Equal(t, StepExtracting, h.step(t))

	// other users are not affected
	stranger := &recordingChat{}
	h.machine.Search(t.Context(), testUser+1, stranger, "naruto")
	assert.Contains(t, tokens(stranger.last()), "select_anime:0")

	canceller := &recordingChat{}
	h.machine.Handle(t.Context(), testUser, canceller, Cancel{})
	assert.Equal(t, []string{"Cancelling..."}, canceller.noticeList())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled extraction did not return")
	}
	assert.Equal(t, StepSeasonEpisodes, h.step(t))
	assert.Contains(t, chat.last().Text, "cancelled")

	h.machine.Handle(t.Context(), testUser, canceller, Cancel{})
	assert.Equal(t, "Nothing to cancel.", canceller.noticeList()[1])
}

func TestActionsRunInArrivalOrder(t *testing.T) {
	const n = 40
	h := newHarness(t)
	h.catalog.episodes["1"] = makeEpisodes(1, n*episodesPerPage)
	chat := &recordingChat{}
	h.toEpisodes(t, chat)
	before := chat.shownCount()

	turns := make([]*Turn, n)
	for i := range turns {
		turns[i] = h.machine.Arrive(testUser)
	}

	// start the handlers newest first so the scheduler cannot help
	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer turns[i].Leave()
			h.machine.Handle(WithTurn(t.Context(), turns[i]), testUser, chat, EpisodePage{Page: i})
		}()
	}
	wg.Wait()

	shown := chat.shownSince(before)
	require.Len(t, shown, n)
	for i, menu := range shown {
		assert.Contains(t, menu.Text, fmt.Sprintf("(page %d/%d)", i+1, n))
	}
	s, _ := h.store.Get(testUser)
	assert.Equal(t, n-1, s.Page)
}

func TestUnusedTurnDoesNotStallLane(t *testing.T) {
	h := newHarness(t)
	chat := &recordingChat{}
	skipped := h.machine.Arrive(testUser)

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.machine.Search(t.Context(), testUser, chat, "naruto")
	}()

	select {
	case <-done:
		t.Fatal("search ran ahead of an earlier update")
	case <-time.After(50 * time.Millisecond):
	}

	skipped.Leave()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("search never ran")
	}
	assert.Equal(t, StepSearchResults, h.step(t))
}

func TestCancelledDownloadIsReportedAsCancelled(t *testing.T) {
	h := newHarness(t)
	h.deliverer.block = true
	h.deliverer.started = make(chan struct{})
	chat := &recordingChat{}
	h.toEpisodes(t, chat)
	h.machine.Handle(t.Context(), testUser, chat, DownloadEpisode{Index: 0})

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.machine.Handle(context.Background(), testUser, chat, SelectResolution{Index: 0, Height: 720})
	}()

	select {
	case <-h.deliverer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("download never started")
	}
	h.machine.Handle(t.Context(), testUser, &recordingChat{}, Cancel{})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled download did not return")
	}
	assert.Contains(t, chat.last().Text, "Download cancelled")
	assert.NotContains(t, chat.last().Text, "Error during download")
	assert.Equal(t, StepResolutionChoice, h.step(t))
	assert.Empty(t, h.history.records)
}

func TestPanicIsReportedAsGenericError(t *testing.T) {
	h := newHarness(t)
	h.catalog.panicQuery = "boom"
	chat := &recordingChat{}

	assert.NotPanics(t, func() {
		h.machine.Search(t.Context(), testUser, chat, "boom")
	})
	assert.Equal(t, genericText, chat.last().Text)

	// the lane is usable afterwards
	h.machine.Search(t.Context(), testUser, chat, "naruto")
	assert.Equal(t, StepSearchResults, h.step(t))
}

func TestBackToSearchResetsSession(t *testing.T) {
	h := newHarness(t)
	chat := &recordingChat{}
	h.toEpisodes(t, chat)

	h.machine.Handle(t.Context(), testUser, chat, BackToSearch{})
	assert.Equal(t, StepIdle, h.step(t))
	assert.Equal(t, idleText, chat.last().Text)

	h.machine.Handle(t.Context(), testUser, chat, DownloadEpisode{Index: 0})
	assert.Equal(t, expiredText, chat.last().Text)
}

func TestRecentListingUsesItsOwnStep(t *testing.T) {
	h := newHarness(t)
	h.catalog.recent = []models.CatalogEntry{{Title: "One Piece", URL: "https://site.example/series/one-piece/"}}
	chat := &recordingChat{}

	h.machine.Recent(t.Context(), testUser, chat)
	assert.Equal(t, StepRecentResults, h.step(t))
	assert.Equal(t, []string{"recent_anime:0"}, tokens(chat.last()))

	h.machine.Handle(t.Context(), testUser, chat, SelectAnime{Index: 0})
	assert.Equal(t, expiredText, chat.last().Text)

	h.machine.Handle(t.Context(), testUser, chat, RecentAnime{Index: 0})
	assert.Equal(t, StepAnimeSelected, h.step(t))
}

func TestSeasonWithoutEpisodesKeepsAnimeMenu(t *testing.T) {
	h := newHarness(t)
	h.catalog.episodes = map[string][]models.EpisodeRef{}
	chat := &recordingChat{}

	h.machine.Search(t.Context(), testUser, chat, "naruto")
	h.machine.Handle(t.Context(), testUser, chat, SelectAnime{Index: 1})
	h.machine.Handle(t.Context(), testUser, chat, SelectSeason{Index: 1})

	assert.Equal(t, StepAnimeSelected, h.step(t))
	assert.Contains(t, chat.last().Text, "No episodes found for Season 2")
	assert.Contains(t, tokens(chat.last()), "select_season:0")
}

func TestEmptySearch(t *testing.T) {
	h := newHarness(t)
	h.catalog.results = nil
	chat := &recordingChat{}

	h.machine.Search(t.Context(), testUser, chat, "zzz")
	assert.Contains(t, chat.last().Text, "No results found for 'zzz'")
	assert.Equal(t, StepIdle, h.step(t))

	h.machine.Search(t.Context(), testUser, chat, "")
	assert.Equal(t, usageText, chat.last().Text)
}
