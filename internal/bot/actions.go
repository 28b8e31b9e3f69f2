package bot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrUnknownAction is returned for selection tokens the bot does not issue.
var ErrUnknownAction = errors.New("unknown action")

// maxTokenBytes is Telegram's callback_data limit
const maxTokenBytes = 64

// Action is a decoded selection token. Token encodes it back into the
// callback string carried by a button.
type Action interface {
	Token() string
	name() string
}

type (
	SelectAnime      struct{ Index int }
	MoreResults      struct{ Offset int }
	RecentAnime      struct{ Index int }
	SelectSeason     struct{ Index int }
	EpisodePage      struct{ Page int }
	DownloadEpisode  struct{ Index int }
	SelectResolution struct{ Index, Height int }
	SelectAudio      struct {
		Index, Height int
		TrackID       string
	}
	BackToSearch struct{}
	NewSearch    struct{}
	Cancel       struct{}
)

func (a SelectAnime) Token() string     { return fmt.Sprintf("select_anime:%d", a.Index) }
func (a MoreResults) Token() string     { return fmt.Sprintf("more_results:%d", a.Offset) }
func (a RecentAnime) Token() string     { return fmt.Sprintf("recent_anime:%d", a.Index) }
func (a SelectSeason) Token() string    { return fmt.Sprintf("select_season:%d", a.Index) }
func (a EpisodePage) Token() string     { return fmt.Sprintf("ep_page:%d", a.Page) }
func (a DownloadEpisode) Token() string { return fmt.Sprintf("dl_ep:%d", a.Index) }
func (a SelectResolution) Token() string {
	return fmt.Sprintf("res_sel:%d:%d", a.Index, a.Height)
}

// Token uses the short "aud" form. Track ids too long for callback data
// are replaced by their position in the menu, written "#k".
func (a SelectAudio) Token() string {
	return fmt.Sprintf("aud:%d:%d:%s", a.Index, a.Height, a.TrackID)
}
func (BackToSearch) Token() string { return "back_to_search" }
func (NewSearch) Token() string    { return "new_search" }
func (Cancel) Token() string       { return "cancel" }

func (SelectAnime) name() string      { return "select_anime" }
func (MoreResults) name() string      { return "more_results" }
func (RecentAnime) name() string      { return "recent_anime" }
func (SelectSeason) name() string     { return "select_season" }
func (EpisodePage) name() string      { return "ep_page" }
func (DownloadEpisode) name() string  { return "dl_ep" }
func (SelectResolution) name() string { return "res_sel" }
func (SelectAudio) name() string      { return "aud_sel" }
func (BackToSearch) name() string     { return "back_to_search" }
func (NewSearch) name() string        { return "new_search" }
func (Cancel) name() string           { return "cancel" }

// ParseAction decodes a selection token. Every alias the bot has ever issued
// is accepted; anything else yields ErrUnknownAction.
func ParseAction(token string) (Action, error) {
	token = strings.TrimSpace(token)
	kind, rest, _ := strings.Cut(token, ":")

	switch kind {
	case "select_anime", "sel_ani":
		i, err := intArgs(token, rest, 1)
		if err != nil {
			return nil, err
		}
		return SelectAnime{Index: i[0]}, nil
	case "more_results":
		i, err := intArgs(token, rest, 1)
		if err != nil {
			return nil, err
		}
		return MoreResults{Offset: i[0]}, nil
	case "recent_anime":
		i, err := intArgs(token, rest, 1)
		if err != nil {
			return nil, err
		}
		return RecentAnime{Index: i[0]}, nil
	case "select_season", "sel_sea":
		i, err := intArgs(token, rest, 1)
		if err != nil {
			return nil, err
		}
		return SelectSeason{Index: i[0]}, nil
	case "ep_page", "ep_pg":
		i, err := intArgs(token, rest, 1)
		if err != nil {
			return nil, err
		}
		return EpisodePage{Page: i[0]}, nil
	case "dl_ep":
		i, err := intArgs(token, rest, 1)
		if err != nil {
			return nil, err
		}
		return DownloadEpisode{Index: i[0]}, nil
	case "res_sel", "dl_vid", "res":
		i, err := intArgs(token, rest, 2)
		if err != nil {
			return nil, err
		}
		return SelectResolution{Index: i[0], Height: i[1]}, nil
	case "aud_sel", "aud":
		// the track id is last and may itself contain colons
		parts := strings.SplitN(rest, ":", 3)
		if len(parts) != 3 || parts[2] == "" {
			return nil, errors.Wrapf(ErrUnknownAction, "%q", token)
		}
		i, err := intArgs(token, parts[0]+":"+parts[1], 2)
		if err != nil {
			return nil, err
		}
		return SelectAudio{Index: i[0], Height: i[1], TrackID: parts[2]}, nil
	case "back_to_search", "back":
		return noArgs(token, rest, BackToSearch{})
	case "new_search":
		return noArgs(token, rest, NewSearch{})
	case "cancel":
		return noArgs(token, rest, Cancel{})
	}
	return nil, errors.Wrapf(ErrUnknownAction, "%q", token)
}

func intArgs(token, rest string, n int) ([]int, error) {
	parts := strings.Split(rest, ":")
	if rest == "" || len(parts) != n {
		return nil, errors.Wrapf(ErrUnknownAction, "%q: want %d arguments", token, n)
	}
	out := make([]int, n)
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return nil, errors.Wrapf(ErrUnknownAction, "%q: bad argument %q", token, p)
		}
		out[i] = v
	}
	return out, nil
}

func noArgs(token, rest string, a Action) (Action, error) {
	if rest != "" || strings.Contains(token, ":") {
		return nil, errors.Wrapf(ErrUnknownAction, "%q takes no arguments", token)
	}
	return a, nil
}
