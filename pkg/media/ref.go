package media

import (
	"net/url"
	"regexp"
	"strings"
)

// RedditVideoHost serves videos uploaded to Reddit. Listing it in the media
// hosts enables downloads of video posts.
const RedditVideoHost = "v.redd.it"

var linkPattern = regexp.MustCompile(`https?://[^\s<>()\[\]"']+`)

// refFields are checked in order before falling back to the post body.
var refFields = []string{"url_overridden_by_dest", "url"}

// domainAliases folds alternate hosts of one service onto its main domain.
var domainAliases = map[string]string{
	"youtu.be":          "youtube.com",
	"m.youtube.com":     "youtube.com",
	"music.youtube.com": "youtube.com",
	"m.soundcloud.com":  "soundcloud.com",
	"on.soundcloud.com": "soundcloud.com",
	"x.com":             "twitter.com",
}

// UnifyDomain lowercases domain and maps known aliases onto one name.
func UnifyDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	if alias, ok := domainAliases[d]; ok {
		return alias
	}
	return d
}

// RefDomain returns the unified domain of an http(s) reference, or "".
func RefDomain(ref string) string {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	return UnifyDomain(u.Hostname())
}

// ExtractRef finds the media reference of a post. A Reddit video yields its
// fallback stream when v.redd.it is among hosts; otherwise the post link is
// used when it points at one of hosts, then the first such link in the body.
func ExtractRef(payload map[string]any, hosts []string) string {
	if payload == nil {
		return ""
	}
	if hostListed(RedditVideoHost, hosts) && isVideoPost(payload) {
		if u := RedditVideoURL(payload); u != "" {
			return u
		}
	}
	for _, field := range refFields {
		if s, ok := payload[field].(string); ok && MatchesHost(s, hosts) {
			return strings.TrimSpace(s)
		}
	}
	if body, ok := payload["selftext"].(string); ok {
		for _, link := range linkPattern.FindAllString(body, -1) {
			link = strings.TrimRight(link, ".,;:!?*_")
			if MatchesHost(link, hosts) {
				return link
			}
		}
	}
	return ""
}

func isVideoPost(payload map[string]any) bool {
	if v, _ := payload["is_video"].(bool); v {
		return true
	}
	s, _ := payload["url"].(string)
	return IsRedditVideo(s)
}

// RedditVideoURL returns secure_media.reddit_video.fallback_url, falling back
// to the same path under media.
func RedditVideoURL(payload map[string]any) string {
	for _, key := range []string{"secure_media", "media"} {
		m, _ := payload[key].(map[string]any)
		video, _ := m["reddit_video"].(map[string]any)
		if s, _ := video["fallback_url"].(string); s != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// IsRedditVideo reports whether ref is hosted on v.redd.it.
func IsRedditVideo(ref string) bool {
	return MatchesHost(ref, []string{RedditVideoHost})
}

func hostListed(host string, hosts []string) bool {
	for _, h := range hosts {
		if UnifyDomain(h) == host {
			return true
		}
	}
	return false
}

// MatchesHost reports whether raw is an http(s) URL on one of hosts or a
// subdomain of one. Both sides are compared after UnifyDomain.
func MatchesHost(raw string, hosts []string) bool {
	host := RefDomain(raw)
	if host == "" {
		return false
	}
	for _, h := range hosts {
		h = UnifyDomain(h)
		if h == "" {
			continue
		}
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
