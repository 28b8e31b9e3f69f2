package downloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/alvarorichard/animeworld/internal/metrics"
	"github.com/alvarorichard/animeworld/internal/util"
)

// ErrNoOutput is returned when yt-dlp exits cleanly but leaves no file.
var ErrNoOutput = errors.New("download produced no file")

// Route is the way a finished download reaches the user
type Route int

const (
	RouteInline Route = iota
	RouteLargeFile
	RouteDirectLink
)

func (r Route) String() string {
	switch r {
	case RouteInline:
		return "inline"
	case RouteLargeFile:
		return "large_file"
	case RouteDirectLink:
		return "direct_link"
	default:
		return "unknown"
	}
}

// ChooseRoute applies the size gate. Files up to inlineLimit are sent as
// playable video; bigger files use the large-file channel when one exists
// (largeLimit > 0) and the file fits it, and a direct link otherwise.
func ChooseRoute(size, inlineLimit, largeLimit int64) Route {
	if size <= inlineLimit {
		return RouteInline
	}
	if largeLimit > 0 && size <= largeLimit {
		return RouteLargeFile
	}
	return RouteDirectLink
}

// Sink is where a delivery ends up, normally the user's chat
type Sink interface {
	SendVideo(ctx context.Context, path, caption string) error
	SendDocument(ctx context.Context, path, caption string) error
	SendLink(ctx context.Context, link, caption string) error
}

// Request describes one episode delivery
type Request struct {
	ManifestURL string
	Referer     string
	Height      int
	TrackID     string
	Title       string
}

// Outcome reports how a delivery went out
type Outcome struct {
	Route Route
	Size  int64
}

// Deliverer downloads episodes into a work directory and hands them to a Sink
type Deliverer struct {
	runner      Runner
	workDir     string
	inlineLimit int64
	largeLimit  int64
}

// NewDeliverer creates a Deliverer. largeLimit is 0 when no large-file
// channel is available.
func NewDeliverer(runner Runner, workDir string, inlineLimit, largeLimit int64) *Deliverer {
	return &Deliverer{
		runner:      runner,
		workDir:     workDir,
		inlineLimit: inlineLimit,
		largeLimit:  largeLimit,
	}
}

// Deliver downloads req and sends it to sink. The downloaded file is removed
// on every exit path.
func (d *Deliverer) Deliver(ctx context.Context, sink Sink, req Request) (*Outcome, error) {
	start := time.Now()
	defer metrics.ObserveStage("download", start)

	if err := os.MkdirAll(d.workDir, 0700); err != nil {
		return nil, errors.Wrap(err, "failed to create work directory")
	}

	id := uuid.NewString()
	defer d.cleanup(id)

	format := FormatExpression(req.Height, req.TrackID)
	util.Info("Downloading episode", "title", req.Title, "format", format)

	err := d.runner.Download(ctx, DownloadRequest{
		URL:     req.ManifestURL,
		Referer: req.Referer,
		Format:  format,
		Output:  filepath.Join(d.workDir, id+".%(ext)s"),
	})
	if err != nil {
		metrics.Deliveries.WithLabelValues("failed").Inc()
		return nil, err
	}

	path, size, err := d.output(id)
	if err != nil {
		metrics.Deliveries.WithLabelValues("failed").Inc()
		return nil, err
	}

	caption := fmt.Sprintf("%s\n%s | %s", req.Title, QualityLabel(req.Height), humanize.Bytes(uint64(size)))
	route := ChooseRoute(size, d.inlineLimit, d.largeLimit)
	util.Info("Delivering episode", "title", req.Title, "size", humanize.Bytes(uint64(size)), "route", route)

	switch route {
	case RouteInline:
		err = sink.SendVideo(ctx, path, caption)
	case RouteLargeFile:
		err = sink.SendDocument(ctx, path, caption)
		if err != nil && ctx.Err() == nil {
			util.Warn("Large-file upload failed, sending link", "title", req.Title, "error", err)
			route = RouteDirectLink
			err = d.sendLink(ctx, sink, req, caption, size)
		}
	default:
		err = d.sendLink(ctx, sink, req, caption, size)
	}
	if err != nil {
		metrics.Deliveries.WithLabelValues("failed").Inc()
		return nil, errors.Wrap(err, "upload failed")
	}

	metrics.Deliveries.WithLabelValues(route.String()).Inc()
	return &Outcome{Route: route, Size: size}, nil
}

func (d *Deliverer) sendLink(ctx context.Context, sink Sink, req Request, caption string, size int64) error {
	text := fmt.Sprintf("%s\nThe file is too large to upload (%s). Stream it directly:", caption, humanize.Bytes(uint64(size)))
	return sink.SendLink(ctx, req.ManifestURL, text)
}

// output finds the merged file yt-dlp wrote for id
func (d *Deliverer) output(id string) (string, int64, error) {
	matches, err := filepath.Glob(filepath.Join(d.workDir, id+".*"))
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to list downloads")
	}

	var best string
	for _, m := range matches {
		if strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		if best == "" || strings.HasSuffix(m, ".mp4") {
			best = m
		}
	}
	if best == "" {
		return "", 0, ErrNoOutput
	}

	info, err := os.Stat(best)
	if err != nil {
		return "", 0, errors.Wrap(err, "failed to stat download")
	}
	return best, info.Size(), nil
}

func (d *Deliverer) cleanup(id string) {
	matches, _ := filepath.Glob(filepath.Join(d.workDir, id+"*"))
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			util.Warn("Failed to remove work file", "path", m, "error", err)
		}
	}
}
