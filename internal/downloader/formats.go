package downloader

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/alvarorichard/animeworld/internal/metrics"
	"github.com/alvarorichard/animeworld/internal/models"
	"github.com/alvarorichard/animeworld/internal/util"
)

// BestAvailable is the height sentinel meaning "no constraint"
const BestAvailable = 0

// ErrProbeFailed marks a probe that produced no usable format list.
var ErrProbeFailed = errors.New("format probe failed")

// Negotiator turns a manifest into the quality and audio menus
type Negotiator struct {
	runner Runner
}

// NewNegotiator creates a Negotiator
func NewNegotiator(runner Runner) *Negotiator {
	return &Negotiator{runner: runner}
}

// Probe lists the formats of manifestURL. Errors and empty results are both
// reported as ErrProbeFailed; nothing is retried.
func (n *Negotiator) Probe(ctx context.Context, manifestURL, referer string) ([]models.FormatDescriptor, error) {
	start := time.Now()
	defer metrics.ObserveStage("probe", start)

	formats, err := n.runner.Formats(ctx, manifestURL, referer)
	if err != nil {
		metrics.Probes.WithLabelValues("error").Inc()
		util.Warn("Probe failed", "manifest", util.Truncate(manifestURL, 70), "error", err)
		return nil, errors.Wrapf(ErrProbeFailed, "%v", err)
	}
	if len(formats) == 0 {
		metrics.Probes.WithLabelValues("empty").Inc()
		return nil, errors.Wrap(ErrProbeFailed, "no formats reported")
	}

	metrics.Probes.WithLabelValues("ok").Inc()
	util.Debug("Probe complete", "formats", len(formats), "heights", Resolutions(formats))
	return formats, nil
}

// Resolutions returns the distinct reported heights of video formats,
// highest first. Formats without a height are left out.
func Resolutions(formats []models.FormatDescriptor) []int {
	seen := make(map[int]bool)
	var heights []int
	for _, f := range formats {
		if !f.HasVideo || f.Height <= 0 || seen[f.Height] {
			continue
		}
		seen[f.Height] = true
		heights = append(heights, f.Height)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(heights)))
	return heights
}

// AudioTracks returns the audio-only formats, one per distinct label. The
// first format seen for a label wins.
func AudioTracks(formats []models.FormatDescriptor) []models.AudioTrack {
	seen := make(map[string]bool)
	var tracks []models.AudioTrack
	for _, f := range formats {
		if !f.IsAudioOnly() {
			continue
		}
		label := f.Label()
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		tracks = append(tracks, models.AudioTrack{ID: f.TrackID, Label: label})
	}
	return tracks
}

// FormatExpression builds the yt-dlp selector for a height and audio track.
// Either constraint may be empty; the expression always ends in a plain
// "best" so an unsatisfiable choice still downloads something.
func FormatExpression(height int, trackID string) string {
	audio := "bestaudio"
	if trackID != "" {
		audio = trackID
	}
	if height <= BestAvailable {
		if trackID == "" {
			return "best"
		}
		return fmt.Sprintf("bestvideo+%s/best", audio)
	}
	return fmt.Sprintf("bestvideo[height<=%d]+%s/best[height<=%d]/best", height, audio, height)
}

// QualityLabel is the button and caption text for a height
func QualityLabel(height int) string {
	if height <= BestAvailable {
		return "Best available"
	}
	return fmt.Sprintf("%dp", height)
}

// Referer returns the origin of the player page a manifest was sniffed
// from, which the CDN expects as referer.
func Referer(playerURL string) string {
	u, err := url.Parse(playerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return playerURL
	}
	return u.Scheme + "://" + u.Host + "/"
}
