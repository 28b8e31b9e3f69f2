package downloader

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lrstanley/go-ytdlp"
	"github.com/pkg/errors"

	"github.com/alvarorichard/animeworld/internal/models"
	"github.com/alvarorichard/animeworld/internal/util"
)

// DownloadRequest is one yt-dlp fetch of a manifest into Output
type DownloadRequest struct {
	URL     string
	Referer string
	Format  string
	Output  string // yt-dlp output template
}

// Runner runs the format-introspection and download tool
type Runner interface {
	Formats(ctx context.Context, manifestURL, referer string) ([]models.FormatDescriptor, error)
	Download(ctx context.Context, req DownloadRequest) error
}

// YtDlp is the Runner backed by go-ytdlp. The binary is installed on first use.
type YtDlp struct {
	installOnce sync.Once
	installErr  error
}

// NewYtDlp creates a yt-dlp runner
func NewYtDlp() *YtDlp {
	return &YtDlp{}
}

// Install fetches the yt-dlp binary once per process
func (y *YtDlp) Install(ctx context.Context) error {
	y.installOnce.Do(func() {
		if _, err := ytdlp.Install(ctx, nil); err != nil {
			y.installErr = errors.Wrap(err, "failed to install yt-dlp")
		}
	})
	return y.installErr
}

// Formats dumps the manifest's format list without downloading anything
func (y *YtDlp) Formats(ctx context.Context, manifestURL, referer string) ([]models.FormatDescriptor, error) {
	if err := y.Install(ctx); err != nil {
		return nil, err
	}

	res, err := ytdlp.New().
		DumpJSON().
		NoWarnings().
		NoPlaylist().
		AddHeaders("Referer:"+referer).
		Run(ctx, manifestURL)
	if err != nil {
		return nil, errors.Wrap(err, "yt-dlp probe failed")
	}

	infos, err := res.GetExtractedInfo()
	if err != nil {
		return nil, errors.Wrap(err, "malformed yt-dlp output")
	}

	var formats []models.FormatDescriptor
	for _, info := range infos {
		for _, f := range info.Formats {
			if f == nil {
				continue
			}
			formats = append(formats, toDescriptor(f))
		}
	}
	return formats, nil
}

// Download fetches and merges the selected streams into an mp4
func (y *YtDlp) Download(ctx context.Context, req DownloadRequest) error {
	if err := y.Install(ctx); err != nil {
		return err
	}

	dl := ytdlp.New().
		NoWarnings().
		NoPlaylist().
		ForceOverwrites().
		AddHeaders("Referer:"+req.Referer).
		Format(req.Format).
		MergeOutputFormat("mp4").
		Output(req.Output)

	dl.ProgressFunc(5*time.Second, func(update ytdlp.ProgressUpdate) {
		if update.TotalBytes > 0 {
			util.Debug("Download progress",
				"done", humanize.Bytes(uint64(update.DownloadedBytes)),
				"total", humanize.Bytes(uint64(update.TotalBytes)))
		}
	})

	if _, err := dl.Run(ctx, req.URL); err != nil {
		return errors.Wrap(err, "yt-dlp download failed")
	}
	return nil
}

// toDescriptor reduces a yt-dlp format entry. HLS variants often omit the
// codecs, so a reported height counts as video and a "none" video codec
// with an unknown audio codec counts as audio.
func toDescriptor(f *ytdlp.ExtractedFormat) models.FormatDescriptor {
	vcodec := deref(f.VCodec)
	acodec := deref(f.ACodec)

	d := models.FormatDescriptor{
		TrackID:       deref(f.FormatID),
		LanguageLabel: deref(f.Language),
		Note:          deref(f.FormatNote),
	}
	if f.Height != nil && *f.Height > 0 {
		d.Height = int(*f.Height)
	}

	switch {
	case vcodec != "" && vcodec != "none":
		d.HasVideo = true
	case vcodec == "" && d.Height > 0:
		d.HasVideo = true
	}
	switch {
	case acodec != "" && acodec != "none":
		d.HasAudio = true
	case acodec == "" && vcodec == "none":
		d.HasAudio = true
	}
	return d
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
