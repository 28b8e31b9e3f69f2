package player

import (
	"strings"
	"sync"
)

// manifestMarkers are the substrings that identify a stream request
var manifestMarkers = []string{".m3u8", ".mp4"}

// manifestSniffer remembers the first request URL that looks like a stream
// manifest. Later matches only bump the counter.
type manifestSniffer struct {
	mu      sync.Mutex
	first   string
	matches int
	found   chan struct{}
}

func newManifestSniffer() *manifestSniffer {
	return &manifestSniffer{found: make(chan struct{})}
}

func isManifestURL(u string) bool {
	lower := strings.ToLower(u)
	for _, marker := range manifestMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Observe is installed as the page request listener
func (s *manifestSniffer) Observe(requestURL string) {
	if !isManifestURL(requestURL) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches++
	if s.first == "" {
		s.first = requestURL
		close(s.found)
	}
}

// Found is closed once a manifest has been captured
func (s *manifestSniffer) Found() <-chan struct{} {
	return s.found
}

// Result returns the captured URL and the number of matching requests seen
func (s *manifestSniffer) Result() (string, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.first, s.matches
}
