// Package scraper resolves the watchanimeworld catalog: search results,
// seasons, episodes and the embedded player of an episode.
package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/alvarorichard/animeworld/internal/metrics"
	"github.com/alvarorichard/animeworld/internal/models"
	"github.com/alvarorichard/animeworld/internal/util"
)

const (
	AnimeWorldBase = "https://watchanimeworld.net"

	maxSearchResults = 20
	maxBodySize      = 10 * 1024 * 1024
	pageCacheTTL     = 2 * time.Minute
	pageCacheSize    = 64

	ajaxPath   = "/wp-admin/admin-ajax.php"
	ajaxAction = "action_select_season"
)

// listingSelectors are scanned one after another, so results are grouped
// by template in this order.
var listingSelectors = []string{"article.post", "div.post", "div.tt-item", "li.tt-item", "div.item", "li.item"}

// The site mixes several theme templates, so most lookups try a list of
// selectors at once.
const (
	listingTitleSelector   = "h2.entry-title, h3.title, .title, .post-title, h2, h3, h4"
	seasonMenuSelector     = "ul.sub-menu, div.aa-cnt, div.aa-tb"
	episodeListSelector    = "ul#episode_by_temp, ul.post-lst"
	episodeItemSelector    = "article.episodes, article.post, li.episode"
	episodeNumberSelector  = ".num-epi, .ep-number"
	episodeTitleSelector   = "h2, h3, .title"
	lazyPlayerSelector     = "iframe[data-src], iframe[data-lazy-src], .video-player [data-src], .player-embed [data-src], [data-lazy-src]"
	animeTitleSelector     = "h1.entry-title, h1.title, .title, .post-title, h1"
	animeSynopsisSelector  = "div.entry-content, .wp-content, .synopsis, .summary"
	maxDescriptionLength   = 500
	defaultRecentListLimit = 10
)

var (
	episodeNumberRe = regexp.MustCompile(`^\s*(\d+)\s*[xX×]\s*\d+`)
	postIDPatterns  = []*regexp.Regexp{
		regexp.MustCompile(`data-post=["']?(\d+)`),
		regexp.MustCompile(`postid-(\d+)`),
		regexp.MustCompile(`"post_id"\s*:\s*"?(\d+)`),
		regexp.MustCompile(`[?&]p=(\d+)`),
	}
)

// AnimeWorldClient handles interactions with the catalog site
type AnimeWorldClient struct {
	client    *http.Client
	baseURL   string
	userAgent string
	limiter   *rate.Limiter
	cache     *util.ResponseCache
}

// NewAnimeWorldClient creates a client that waits at least delay between
// two requests to the site.
func NewAnimeWorldClient(baseURL, userAgent string, delay time.Duration) *AnimeWorldClient {
	if baseURL == "" {
		baseURL = AnimeWorldBase
	}
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	return &AnimeWorldClient{
		client:    util.GetSharedClient(),
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		limiter:   rate.NewLimiter(limit, 1),
		cache:     util.NewResponseCache(pageCacheTTL, pageCacheSize),
	}
}

// BaseURL returns the catalog root used as referer by the bypass step
func (c *AnimeWorldClient) BaseURL() string {
	return c.baseURL
}

// Close releases the page cache
func (c *AnimeWorldClient) Close() {
	c.cache.Close()
}

// Search returns up to 20 catalog entries for query, unique by URL in the
// order they are first seen while scanning listingSelectors. Failures
// yield an empty list.
func (c *AnimeWorldClient) Search(ctx context.Context, query string) []models.CatalogEntry {
	searchURL := c.baseURL + "/?s=" + url.QueryEscape(query)

	doc, _, err := c.fetchDocument(ctx, "search", searchURL, false)
	if err != nil {
		util.Error("Search failed", "query", query, "error", err)
		return nil
	}

	results := c.parseListing(doc)
	if len(results) > maxSearchResults {
		results = results[:maxSearchResults]
	}
	util.Debug("Search completed", "query", query, "results", len(results))
	return results
}

// Recent returns the newest entries listed on the catalog home page
func (c *AnimeWorldClient) Recent(ctx context.Context, limit int) []models.CatalogEntry {
	if limit <= 0 {
		limit = defaultRecentListLimit
	}

	doc, _, err := c.fetchDocument(ctx, "recent", c.baseURL+"/", false)
	if err != nil {
		util.Error("Recent listing failed", "error", err)
		return nil
	}

	results := c.parseListing(doc)
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (c *AnimeWorldClient) parseListing(doc *goquery.Document) []models.CatalogEntry {
	var results []models.CatalogEntry
	seen := make(map[string]bool)

	for _, selector := range listingSelectors {
		doc.Find(selector).Each(func(i int, item *goquery.Selection) {
			titleElem := item.Find(listingTitleSelector).First()
			if titleElem.Length() == 0 {
				return
			}
			title := strings.TrimSpace(titleElem.Text())
			if title == "" {
				return
			}

			link := titleElem.Find("a[href]").First()
			if link.Length() == 0 {
				link = item.Find("a[href]").First()
			}
			href, _ := link.Attr("href")
			if strings.TrimSpace(href) == "" {
				return
			}

			entryURL := c.resolveURL(href)
			if seen[entryURL] {
				return
			}
			seen[entryURL] = true
			results = append(results, models.CatalogEntry{Title: title, URL: entryURL})
		})
	}

	return results
}

// GetAnimeInfo reads the title and synopsis of an anime page. It returns
// nil when the page cannot be fetched.
func (c *AnimeWorldClient) GetAnimeInfo(ctx context.Context, animeURL string) *models.AnimeInfo {
	doc, _, err := c.fetchDocument(ctx, "anime", animeURL, true)
	if err != nil {
		util.Error("Anime info failed", "url", animeURL, "error", err)
		return nil
	}

	info := &models.AnimeInfo{
		Title: strings.TrimSpace(doc.Find(animeTitleSelector).First().Text()),
	}
	desc := strings.Join(strings.Fields(doc.Find(animeSynopsisSelector).First().Text()), " ")
	info.Description = util.Truncate(desc, maxDescriptionLength)
	return info
}

// GetSeasons lists the seasons offered by the page's season selector. Pages
// without one get a single synthetic "Season 1".
func (c *AnimeWorldClient) GetSeasons(ctx context.Context, animeURL string) []models.SeasonRef {
	doc, _, err := c.fetchDocument(ctx, "anime", animeURL, true)
	if err != nil {
		util.Error("Season lookup failed", "url", animeURL, "error", err)
		return []models.SeasonRef{models.DefaultSeason()}
	}

	seasons := parseSeasons(doc)
	if len(seasons) == 0 {
		return []models.SeasonRef{models.DefaultSeason()}
	}
	return seasons
}

func parseSeasons(doc *goquery.Document) []models.SeasonRef {
	var seasons []models.SeasonRef
	seen := make(map[string]bool)

	menu := doc.Find(seasonMenuSelector).First()
	menu.Find("li, a").Each(func(i int, item *goquery.Selection) {
		id := attrOr(item, "data-season", "data-id")
		if id == "" || seen[id] {
			return
		}
		seen[id] = true

		name := strings.TrimSpace(item.Text())
		if name == "" {
			name = "Season " + id
		}
		seasons = append(seasons, models.SeasonRef{
			ID:     id,
			PostID: attrOr(item, "data-post"),
			Name:   name,
		})
	})

	return seasons
}

// GetEpisodes lists the episodes of one season. The default page render only
// carries one season, so when it yields nothing for seasonID the season is
// requested from the site's ajax endpoint.
func (c *AnimeWorldClient) GetEpisodes(ctx context.Context, animeURL, seasonID string) []models.EpisodeRef {
	doc, body, err := c.fetchDocument(ctx, "anime", animeURL, true)
	if err != nil {
		util.Error("Episode listing failed", "url", animeURL, "error", err)
		return nil
	}

	seen := make(map[string]bool)
	episodes := c.collectEpisodes(doc.Selection, seasonID, true, seen, nil)
	if len(episodes) > 0 {
		return episodes
	}

	postID := findPostID(doc, body, seasonID)
	if postID == "" {
		util.Warn("No post id for dynamic season lookup", "url", animeURL, "season", seasonID)
		return nil
	}

	fragment, err := c.fetchSeasonFragment(ctx, animeURL, seasonID, postID)
	if err != nil {
		util.Error("Dynamic season lookup failed", "url", animeURL, "season", seasonID, "error", err)
		return nil
	}

	fragDoc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		util.Error("Season fragment is not HTML", "season", seasonID, "error", err)
		return nil
	}

	episodes = c.collectEpisodes(fragDoc.Selection, seasonID, false, seen, episodes)
	util.Debug("Dynamic season lookup", "season", seasonID, "post", postID, "episodes", len(episodes))
	return episodes
}

// collectEpisodes appends the episodes found under root to dst. When
// requireList is false a fragment without the list wrapper is scanned as is.
func (c *AnimeWorldClient) collectEpisodes(root *goquery.Selection, seasonID string, requireList bool, seen map[string]bool, dst []models.EpisodeRef) []models.EpisodeRef {
	container := root.Find(episodeListSelector).First()
	if container.Length() == 0 {
		if requireList {
			return dst
		}
		container = root
	}

	container.Find(episodeItemSelector).Each(func(i int, item *goquery.Selection) {
		link := item.Find("a[href]").First()
		href, _ := link.Attr("href")
		if strings.TrimSpace(href) == "" {
			return
		}

		number := strings.TrimSpace(item.Find(episodeNumberSelector).First().Text())
		if !belongsToSeason(number, seasonID) {
			return
		}

		episodeURL := c.resolveURL(href)
		key := strings.TrimRight(episodeURL, "/")
		if seen[key] {
			return
		}
		seen[key] = true

		dst = append(dst, models.EpisodeRef{
			Number: number,
			Title:  strings.TrimSpace(item.Find(episodeTitleSelector).First().Text()),
			URL:    episodeURL,
		})
	})

	return dst
}

// belongsToSeason accepts numbers labelled "{season}x{episode}" for the
// requested season and anything that does not follow that pattern.
func belongsToSeason(number, seasonID string) bool {
	m := episodeNumberRe.FindStringSubmatch(number)
	if m == nil {
		return true
	}
	return trimZeros(m[1]) == trimZeros(seasonID)
}

func trimZeros(s string) string {
	s = strings.TrimLeft(strings.TrimSpace(s), "0")
	if s == "" {
		return "0"
	}
	return s
}

func findPostID(doc *goquery.Document, body []byte, seasonID string) string {
	menu := doc.Find(seasonMenuSelector).First()

	var postID string
	menu.Find("[data-post]").EachWithBreak(func(i int, item *goquery.Selection) bool {
		if attrOr(item, "data-season", "data-id") == seasonID {
			postID = attrOr(item, "data-post")
			return false
		}
		return true
	})
	if postID != "" {
		return postID
	}
	if postID = attrOr(menu.Find("[data-post]").First(), "data-post"); postID != "" {
		return postID
	}

	for _, re := range postIDPatterns {
		if m := re.FindSubmatch(body); m != nil {
			return string(m[1])
		}
	}
	return ""
}

func (c *AnimeWorldClient) fetchSeasonFragment(ctx context.Context, animeURL, seasonID, postID string) (string, error) {
	params := url.Values{}
	params.Set("action", ajaxAction)
	params.Set("season", seasonID)
	params.Set("post", postID)

	headers := map[string]string{
		"X-Requested-With": "XMLHttpRequest",
		"Referer":          animeURL,
		"Accept":           "application/json, text/html, */*; q=0.01",
	}
	body, err := c.get(ctx, "ajax", c.baseURL+ajaxPath+"?"+params.Encode(), headers)
	if err != nil {
		return "", err
	}
	return extractFragment(body), nil
}

// extractFragment unwraps the HTML of an ajax response, which is either raw
// HTML or a JSON envelope carrying it.
func extractFragment(body []byte) string {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return ""
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s
		}
	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &envelope); err == nil {
			for _, key := range []string{"html", "data", "content", "result"} {
				raw, ok := envelope[key]
				if !ok {
					continue
				}
				if html := extractFragment(raw); html != "" {
					return html
				}
			}
			return ""
		}
	}
	return string(trimmed)
}

// GetEpisodeVideoLink returns the address of the episode's embedded player,
// or "" when the page has none.
func (c *AnimeWorldClient) GetEpisodeVideoLink(ctx context.Context, episodeURL string) string {
	doc, _, err := c.fetchDocument(ctx, "episode", episodeURL, false)
	if err != nil {
		util.Error("Episode page failed", "url", episodeURL, "error", err)
		return ""
	}

	var src string
	doc.Find("iframe[src]").EachWithBreak(func(i int, s *goquery.Selection) bool {
		v := strings.TrimSpace(s.AttrOr("src", ""))
		if v != "" && v != "about:blank" {
			src = v
			return false
		}
		return true
	})
	if src == "" {
		src = attrOr(doc.Find(lazyPlayerSelector).First(), "data-src", "data-lazy-src")
	}
	if src == "" {
		return ""
	}
	return c.resolveURL(src)
}

func (c *AnimeWorldClient) fetchDocument(ctx context.Context, kind, pageURL string, cacheable bool) (*goquery.Document, []byte, error) {
	var body []byte
	if cacheable {
		body, _ = c.cache.Get(pageURL)
	}
	if body == nil {
		var err error
		body, err = c.get(ctx, kind, pageURL, nil)
		if err != nil {
			return nil, nil, err
		}
		if cacheable {
			c.cache.Set(pageURL, body)
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to parse HTML")
	}
	return doc, body, nil
}

func (c *AnimeWorldClient) get(ctx context.Context, kind, pageURL string, headers map[string]string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "request delay interrupted")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("DNT", "1")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.CatalogRequests.WithLabelValues(kind, "error").Inc()
		return nil, errors.Wrap(err, "failed to make request")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		metrics.CatalogRequests.WithLabelValues(kind, "status").Inc()
		return nil, errors.Errorf("server returned: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		metrics.CatalogRequests.WithLabelValues(kind, "error").Inc()
		return nil, errors.Wrap(err, "failed to read response")
	}
	metrics.CatalogRequests.WithLabelValues(kind, "ok").Inc()
	return body, nil
}

// resolveURL turns a site-relative reference into an absolute URL
func (c *AnimeWorldClient) resolveURL(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if strings.HasPrefix(ref, "//") {
		return "https:" + ref
	}
	if strings.HasPrefix(ref, "/") {
		return c.baseURL + ref
	}
	return c.baseURL + "/" + ref
}

func attrOr(s *goquery.Selection, names ...string) string {
	for _, name := range names {
		if v, ok := s.Attr(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
