// Package updater looks up published releases
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	GitHubRepo = "aeolun/superbot"

	requestTimeout = 10 * time.Second
)

// Release represents a GitHub release
type Release struct {
	TagName string `json:"tag_name"`
	Name    string `json:"name"`
	HTMLURL string `json:"html_url"`
}

// Checker fetches the latest release
type Checker struct {
	client *http.Client
	url    string
}

// NewChecker creates a checker against the project's GitHub releases
func NewChecker() *Checker {
	return &Checker{
		client: &http.Client{Timeout: requestTimeout},
		url:    fmt.Sprintf("https://api.github.com/repos/%s/releases/latest", GitHubRepo),
	}
}

// Latest fetches the most recent release
func (c *Checker) Latest(ctx context.Context) (Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return Release{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Release{}, fmt.Errorf("failed to fetch release info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Release{}, fmt.Errorf("GitHub API returned status %d", resp.StatusCode)
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return Release{}, fmt.Errorf("failed to parse release info: %w", err)
	}
	if release.TagName == "" {
		return Release{}, fmt.Errorf("release has no tag")
	}
	return release, nil
}

// Check reports whether a release newer than current exists
func (c *Checker) Check(ctx context.Context, current string) (Release, bool, error) {
	release, err := c.Latest(ctx)
	if err != nil {
		return Release{}, false, err
	}
	return release, CompareVersions(current, release.TagName), nil
}

// CompareVersions returns true if newVersion is newer than currentVersion.
// Development builds are always older than a release.
func CompareVersions(currentVersion, newVersion string) bool {
	current := strings.TrimPrefix(currentVersion, "v")
	latest := strings.TrimPrefix(newVersion, "v")

	if current == "dev" || current == "" {
		return true
	}

	cur, curOK := parseVersion(current)
	lat, latOK := parseVersion(latest)
	if !curOK || !latOK {
		return latest > current
	}
	for i := range cur {
		if lat[i] != cur[i] {
			return lat[i] > cur[i]
		}
	}
	return false
}

// parseVersion reads "major.minor.patch", ignoring any pre-release or build
// suffix. Missing parts count as zero.
func parseVersion(v string) ([3]int, bool) {
	var parts [3]int
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	fields := strings.Split(v, ".")
	if len(fields) > 3 {
		return parts, false
	}
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return parts, false
		}
		parts[i] = n
	}
	return parts, true
}
