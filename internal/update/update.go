// Package update checks GitHub releases for a newer kioskd build.
package update

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
)

// releaseURL is a var so tests can point it at a local server.
var releaseURL = "https://api.github.com/repos/sergeknystautas/kioskd/releases/latest"

var httpClient = &http.Client{Timeout: 10 * time.Second}

type release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

// Result describes the outcome of a release check.
type Result struct {
	Current   string
	Latest    string
	URL       string
	Available bool
}

// Check fetches the latest published release and compares it against
// the running version. Dev builds ("dev") always report an update as
// unavailable since they carry no comparable version.
func Check(current string) (Result, error) {
	res := Result{Current: current}

	if current == "dev" || current == "" {
		return res, nil
	}
	currentVer, err := semver.NewVersion(strings.TrimPrefix(current, "v"))
	if err != nil {
		return res, fmt.Errorf("invalid current version %q: %w", current, err)
	}

	resp, err := httpClient.Get(releaseURL)
	if err != nil {
		return res, fmt.Errorf("failed to fetch latest release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return res, fmt.Errorf("release check returned status %d", resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return res, fmt.Errorf("failed to decode release: %w", err)
	}

	latestVer, err := semver.NewVersion(strings.TrimPrefix(rel.TagName, "v"))
	if err != nil {
		return res, fmt.Errorf("invalid release tag %q: %w", rel.TagName, err)
	}

	res.Latest = rel.TagName
	res.URL = rel.HTMLURL
	res.Available = latestVer.GreaterThan(currentVer)
	return res, nil
}
