package bot

import (
	"sync"
	"time"

	"github.com/alvarorichard/animeworld/internal/models"
)

// Step is where a user is in the browse, extract and deliver flow
type Step int

const (
	StepIdle Step = iota
	StepSearchResults
	StepRecentResults
	StepAnimeSelected
	StepSeasonEpisodes
	StepExtracting
	StepResolutionChoice
	StepAudioChoice
	StepDelivering
)

var stepNames = [...]string{
	"idle", "search_results", "recent_results", "anime_selected", "season_episodes",
	"extracting", "resolution_choice", "audio_choice", "delivering",
}

func (s Step) String() string {
	if int(s) < len(stepNames) {
		return stepNames[s]
	}
	return "unknown"
}

// Session is the per-user record of the current flow. It is replaced, not
// merged, when the user starts a new search or opens another anime.
type Session struct {
	Step    Step
	Query   string
	Results []models.CatalogEntry

	Anime          *models.CatalogEntry
	Info           *models.AnimeInfo
	Seasons        []models.SeasonRef
	SelectedSeason int // -1 until a season is chosen

	Episodes     []models.EpisodeRef
	Page         int
	EpisodeIndex int
	ManifestURL  string
	Formats      []models.FormatDescriptor
	Height       int

	Touched time.Time
}

// SelectedSeasonRef returns the chosen season, if any
func (s *Session) SelectedSeasonRef() (models.SeasonRef, bool) {
	if s.SelectedSeason < 0 || s.SelectedSeason >= len(s.Seasons) {
		return models.SeasonRef{}, false
	}
	return s.Seasons[s.SelectedSeason], true
}

// SessionStore keeps one session per user id
type SessionStore interface {
	Get(userID int64) (*Session, bool)
	Put(userID int64, s *Session)
	Delete(userID int64)
}

// MemoryStore is a SessionStore that forgets sessions idle for longer than
// its ttl. A zero ttl keeps sessions until the process exits.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[int64]*Session
	ttl      time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a store and starts its eviction loop
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	s := &MemoryStore{
		sessions: make(map[int64]*Session),
		ttl:      ttl,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if ttl > 0 {
		go s.evictLoop()
	}
	return s
}

func (s *MemoryStore) Get(userID int64) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[userID]
	if !ok || s.expired(sess) {
		return nil, false
	}
	return sess, true
}

func (s *MemoryStore) Put(userID int64, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess.Touched = s.now()
	s.sessions[userID] = sess
}

func (s *MemoryStore) Delete(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
}

// Len returns the number of stored sessions, expired or not
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close stops the eviction loop
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *MemoryStore) expired(sess *Session) bool {
	return s.ttl > 0 && s.now().Sub(sess.Touched) > s.ttl
}

func (s *MemoryStore) evictLoop() {
	interval := s.ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.evict()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		if s.expired(sess) {
			delete(s.sessions, id)
		}
	}
}
