package store

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/MikeSquared-Agency/chatcap/internal/dedup"
	"github.com/MikeSquared-Agency/chatcap/internal/extractor"
)

type credentialPattern struct {
	name string
	re   *regexp.Regexp
}

var credentialPatterns = []credentialPattern{
	{"aws-key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"bearer-token", regexp.MustCompile(`Bearer [A-Za-z0-9\-._~+/]+=*`)},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]+`)},
	{"github-pat", regexp.MustCompile(`(ghp_[A-Za-z0-9]{36,}|github_pat_[A-Za-z0-9_]{36,})`)},
	{"private-key", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)},
	{"api-key", regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|password|passwd)\s*[:=]\s*\S+`)},
}

// credentialParams are URL query keys dropped before a URL is persisted.
var credentialParams = map[string]bool{
	"token": true, "access_token": true, "refresh_token": true, "id_token": true,
	"api_key": true, "apikey": true, "key": true, "secret": true,
	"password": true, "pass": true, "auth": true, "session": true, "sid": true, "code": true,
}

// Sanitize returns a copy of rec with credential-like values removed from
// every text and URL field, including those nested in fragments.
func Sanitize(rec *extractor.ScanRecord) *extractor.ScanRecord {
	out := *rec
	out.URL = sanitizeURL(rec.URL)
	out.Title = redactText(rec.Title)
	out.Fragments = make([]extractor.Fragment, len(rec.Fragments))
	for i, f := range rec.Fragments {
		f.Content = redactText(f.Content)
		f.PageContext.URL = sanitizeURL(f.PageContext.URL)
		f.PageContext.Title = redactText(f.PageContext.Title)
		out.Fragments[i] = f
	}
	return &out
}

func redactText(s string) string {
	for _, p := range credentialPatterns {
		if p.re.MatchString(s) {
			s = p.re.ReplaceAllString(s, "[REDACTED:"+p.name+"]")
		}
	}
	return s
}

func sanitizeURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redactText(raw)
	}
	u.User = nil
	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if credentialParams[strings.ToLower(k)] {
				q.Del(k)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func urlKey(raw string) string {
	return dedup.NormalizeURL(raw)
}
