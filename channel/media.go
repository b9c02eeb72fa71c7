package channel

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"
)

// MediaLink identifies media by provider type and provider-specific id, the
// form the server expects in queue requests.
type MediaLink struct {
	Type string
	ID   string
}

func (l MediaLink) String() string {
	return l.Type + ":" + l.ID
}

var linkURLs = map[string]string{
	"yt": "https://youtube.com/watch?v=%s",
	"yp": "https://youtube.com/playlist?list=%s",
	"tc": "https://clips.twitch.tv/%s",
	"tw": "https://twitch.tv/%s",
	"li": "https://livestream.com/%s",
	"us": "https://www.ustream.tv/%s",
	"vi": "https://vimeo.com/%s",
	"dm": "https://dailymotion.com/video/%s",
	"im": "https://imgur.com/a/%s",
	"sc": "https://soundcloud.com/%s",
	"gd": "https://drive.google.com/file/d/%s",
	"sb": "https://streamable.com/%s",
	"hl": "%s",
	"fi": "%s",
	"cm": "%s",
	"rt": "%s",
}

// URL returns a browsable URL for the link, or "type:id" for unknown types.
func (l MediaLink) URL() string {
	format, ok := linkURLs[l.Type]
	if !ok {
		return l.String()
	}
	return fmt.Sprintf(format, l.ID)
}

// linkRule turns a regexp match into a link. groups[0] is the whole match.
type linkRule struct {
	re    *regexp.Regexp
	build func(groups []string, query url.Values, raw string) MediaLink
}

func group(typ string, n int) func([]string, url.Values, string) MediaLink {
	return func(g []string, _ url.Values, _ string) MediaLink { return MediaLink{Type: typ, ID: g[n]} }
}

func whole(typ string) func([]string, url.Values, string) MediaLink {
	return func(_ []string, _ url.Values, raw string) MediaLink { return MediaLink{Type: typ, ID: raw} }
}

var linkRules = []linkRule{
	{regexp.MustCompile(`youtube\.com/watch\?([^#]+)`), func(_ []string, q url.Values, _ string) MediaLink {
		return MediaLink{Type: "yt", ID: q.Get("v")}
	}},
	{regexp.MustCompile(`youtu\.be/([^?&#]+)`), group("yt", 1)},
	{regexp.MustCompile(`youtube\.com/playlist\?([^#]+)`), func(_ []string, q url.Values, _ string) MediaLink {
		return MediaLink{Type: "yp", ID: q.Get("list")}
	}},
	{regexp.MustCompile(`clips\.twitch\.tv/([A-Za-z]+)`), group("tc", 1)},
	{regexp.MustCompile(`twitch\.tv/(?:.*?)/([cv])/(\d+)`), func(g []string, _ url.Values, _ string) MediaLink {
		return MediaLink{Type: "tv", ID: g[1] + g[2]}
	}},
	{regexp.MustCompile(`twitch\.tv/videos/(\d+)`), func(g []string, _ url.Values, _ string) MediaLink {
		return MediaLink{Type: "tv", ID: "v" + g[1]}
	}},
	{regexp.MustCompile(`twitch\.tv/([\w-]+)`), group("tw", 1)},
	{regexp.MustCompile(`livestream\.com/([^?&#]+)`), group("li", 1)},
	{regexp.MustCompile(`ustream\.tv/([^?&#]+)`), group("us", 1)},
	{regexp.MustCompile(`vimeo\.com/([^?&#]+)`), group("vi", 1)},
	{regexp.MustCompile(`dailymotion\.com/video/([^?&#_]+)`), group("dm", 1)},
	{regexp.MustCompile(`imgur\.com/a/([^?&#]+)`), group("im", 1)},
	{regexp.MustCompile(`soundcloud\.com/([^?&#]+)`), whole("sc")},
	{regexp.MustCompile(`(?:docs|drive)\.google\.com/file/d/([a-zA-Z0-9_-]+)`), group("gd", 1)},
	{regexp.MustCompile(`drive\.google\.com/open\?id=([a-zA-Z0-9_-]+)`), group("gd", 1)},
	{regexp.MustCompile(`(.*\.m3u8)`), whole("hl")},
	{regexp.MustCompile(`streamable\.com/([\w-]+)`), group("sb", 1)},
	{regexp.MustCompile(`^dm:([^?&#_]+)`), group("dm", 1)},
	{regexp.MustCompile(`^fi:(.*)`), group("fi", 1)},
	{regexp.MustCompile(`^cm:(.*)`), group("cm", 1)},
	{regexp.MustCompile(`^([a-z]{2}):([^?&#]+)`), func(g []string, _ url.Values, _ string) MediaLink {
		return MediaLink{Type: g[1], ID: g[2]}
	}},
}

var rawFileTypes = []string{".mp4", ".flv", ".webm", ".ogg", ".ogv", ".mp3", ".mov", ".m4a"}

// ErrUnsupportedLink is returned by ParseMediaLink for URLs no provider accepts.
var ErrUnsupportedLink = errors.New("unsupported media link")

// ParseMediaLink recognizes provider URLs (and "type:id" shorthands) and
// returns the link to queue.
func ParseMediaLink(raw string) (MediaLink, error) {
	raw = strings.ReplaceAll(strings.TrimSpace(raw), "feature=player_embedded&", "")
	parsed, err := url.Parse(raw)
	if err != nil {
		return MediaLink{}, fmt.Errorf("%w: %v", ErrUnsupportedLink, err)
	}

	if parsed.Scheme == "rtmp" {
		return MediaLink{Type: "rt", ID: raw}, nil
	}

	for _, rule := range linkRules {
		if g := rule.re.FindStringSubmatch(raw); g != nil {
			link := rule.build(g, parsed.Query(), raw)
			if link.ID == "" {
				break
			}
			return link, nil
		}
	}

	if parsed.Scheme != "https" {
		return MediaLink{}, fmt.Errorf("%w: raw files must use https", ErrUnsupportedLink)
	}
	ext := path.Ext(parsed.Path)
	switch {
	case ext == ".json":
		return MediaLink{Type: "cm", ID: raw}, nil
	case slices.Contains(rawFileTypes, ext):
		return MediaLink{Type: "fi", ID: raw}, nil
	}
	return MediaLink{}, fmt.Errorf("%w: file extension %q", ErrUnsupportedLink, ext)
}
