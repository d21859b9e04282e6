// Package privacy provides helpers for keeping sensitive stream data out of
// logs, reports, and telemetry. The most important consumer is anything that
// touches an RTMP destination: the final path segment of a destination URL is
// the stream key and must never appear in full anywhere observable.
package privacy

import (
	"crypto/sha256"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	// urlPattern finds URLs embedded in free-form text.
	urlPattern = regexp.MustCompile(`\b(?:https?|rtmp|rtmps|rtsp)://\S+`)

	// ipv4Pattern detects dotted-quad hosts.
	ipv4Pattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

// ScrubMessage replaces every URL found in message with a redacted form.
// RTMP-family URLs keep host and application path with the stream key masked;
// other URLs are anonymized to a stable hash.
func ScrubMessage(message string) string {
	return urlPattern.ReplaceAllStringFunc(message, func(raw string) string {
		if strings.HasPrefix(raw, "rtmp://") || strings.HasPrefix(raw, "rtmps://") {
			return SanitizeRTMPUrl(raw)
		}
		return AnonymizeURL(raw)
	})
}

// SanitizeRTMPUrl returns a loggable form of an RTMP destination: credentials
// are stripped and the last path segment (the stream key) is masked. The host,
// port, and application path are preserved for debugging.
//
//	rtmp://user:pw@live.example.com/app/sk-123456  →  rtmp://live.example.com/app/***
func SanitizeRTMPUrl(destination string) string {
	if !strings.HasPrefix(destination, "rtmp://") && !strings.HasPrefix(destination, "rtmps://") {
		return destination
	}

	u, err := url.Parse(destination)
	if err != nil {
		// Unparseable destinations are replaced outright rather than risking
		// a partial key leak.
		hash := sha256.Sum256([]byte(destination))
		return fmt.Sprintf("rtmp-url-hash-%x", hash[:8])
	}

	u.User = nil
	u.RawQuery = ""
	u.Fragment = ""

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) > 0 && segments[len(segments)-1] != "" {
		segments[len(segments)-1] = "***"
	}
	u.Path = "/" + strings.Join(segments, "/")

	return u.String()
}

// AnonymizeURL converts a URL to a stable anonymized token that preserves
// scheme and host category for debugging without exposing the address itself.
func AnonymizeURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		hash := sha256.Sum256([]byte(rawURL))
		return fmt.Sprintf("url-hash-%x", hash[:8])
	}

	var parts []string
	if parsed.Scheme != "" {
		parts = append(parts, parsed.Scheme)
	}
	if host := parsed.Hostname(); host != "" {
		parts = append(parts, categorizeHost(host))
	}
	if port := parsed.Port(); port != "" {
		parts = append(parts, "port-"+port)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		parts = append(parts, anonymizePath(parsed.Path))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return fmt.Sprintf("url-%x", hash[:12])
}

// RedactFileName keeps the extension and a short prefix of a media file name
// so log lines stay correlatable without exposing full titles.
func RedactFileName(name string) string {
	const keep = 8
	dot := strings.LastIndex(name, ".")
	ext := ""
	base := name
	if dot > 0 {
		ext = name[dot:]
		base = name[:dot]
	}
	if len(base) <= keep {
		return name
	}
	return base[:keep] + "…" + ext
}

// categorizeHost buckets a hostname into a coarse, non-identifying category.
func categorizeHost(host string) string {
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return "localhost"
	}
	if isPrivateIP(host) {
		return "private-ip"
	}
	if isIPAddress(host) {
		return "public-ip"
	}
	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		return "domain-" + parts[len(parts)-1]
	}
	return "unknown-host"
}

// anonymizePath preserves path shape while hashing identifying segments.
func anonymizePath(path string) string {
	path = strings.Trim(path, "/")
	if path == "" {
		return "root"
	}

	segments := strings.Split(path, "/")
	out := make([]string, 0, len(segments))
	for _, segment := range segments {
		switch {
		case segment == "":
		case isCommonAppName(segment):
			out = append(out, "app")
		case isNumeric(segment):
			out = append(out, "numeric")
		default:
			hash := sha256.Sum256([]byte(segment))
			out = append(out, fmt.Sprintf("seg-%x", hash[:4]))
		}
	}
	return strings.Join(out, "/")
}

func isPrivateIP(host string) bool {
	privatePrefixes := []string{
		"10.", "172.16.", "172.17.", "172.18.", "172.19.", "172.20.",
		"172.21.", "172.22.", "172.23.", "172.24.", "172.25.", "172.26.",
		"172.27.", "172.28.", "172.29.", "172.30.", "172.31.",
		"192.168.", "169.254.",
		"fc00:", "fd00:", "fe80:", "::1",
	}
	lower := strings.ToLower(host)
	for _, prefix := range privatePrefixes {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func isIPAddress(host string) bool {
	if ipv4Pattern.MatchString(host) {
		return true
	}
	return strings.Contains(host, ":")
}

// isCommonAppName reports whether a path segment is a generic RTMP
// application name rather than an identifying value.
func isCommonAppName(segment string) bool {
	common := []string{"live", "stream", "app", "ingest", "publish", "rtmp"}
	segment = strings.ToLower(segment)
	for _, name := range common {
		if strings.Contains(segment, name) {
			return true
		}
	}
	return false
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
