// sanitize.go: staging filename hygiene. Source names come from arbitrary
// URLs and must never be able to escape the staging directory or confuse
// the concat demuxer.
package stager

import (
	"regexp"
	"strings"
)

const (
	// maxFilenameLength caps staged names well under common filesystem
	// limits while leaving room for the .part suffix.
	maxFilenameLength = 200
)

var (
	// unsafeChars matches everything outside the allowed alphabet.
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

	// underscoreRuns collapses the substitution artifacts.
	underscoreRuns = regexp.MustCompile(`_{2,}`)
)

// SanitizeFilename maps an arbitrary name onto the alphabet
// [A-Za-z0-9._-], collapsing runs of substituted characters and truncating
// overlong names while preserving the extension.
func SanitizeFilename(name string) string {
	name = unsafeChars.ReplaceAllString(name, "_")
	name = underscoreRuns.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._-")

	if name == "" {
		return "media"
	}

	if len(name) <= maxFilenameLength {
		return name
	}

	ext := ""
	if dot := strings.LastIndexByte(name, '.'); dot > 0 {
		ext = name[dot:]
	}
	keep := maxFilenameLength - len(ext)
	if keep < 1 {
		keep = 1
		ext = ext[:maxFilenameLength-1]
	}
	return name[:keep] + ext
}
