// Package buildinfo carries the release version and the update check.
package buildinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-version"
	"go.uber.org/zap"
)

// Version is set at build time with -ldflags "-X ...buildinfo.Version=v1.2.3".
var Version = "v0.0.0"

type release struct {
	TagName string `json:"tag_name"`
}

// Outdated reports whether latest is a newer release than current.
func Outdated(current, latest string) (bool, error) {
	cur, err := version.NewVersion(current)
	if err != nil {
		return false, fmt.Errorf("parse current version: %w", err)
	}
	lat, err := version.NewVersion(latest)
	if err != nil {
		return false, fmt.Errorf("parse latest version: %w", err)
	}
	return cur.LessThan(lat), nil
}

// CheckForUpdates fetches a GitHub-style "latest release" document from url
// and logs a warning when it names a newer version. Failures are logged at
// debug level only.
func CheckForUpdates(ctx context.Context, url string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		log.Debug("update check skipped", zap.Error(err))
		return
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Debug("update check failed", zap.Error(err))
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		log.Debug("update check failed", zap.Int("status", resp.StatusCode))
		return
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		log.Debug("update check failed", zap.Error(err))
		return
	}

	newer, err := Outdated(Version, rel.TagName)
	if err != nil {
		log.Debug("update check failed", zap.Error(err))
		return
	}
	if newer {
		log.Warn("a newer release is available",
			zap.String("current", Version),
			zap.String("latest", rel.TagName))
	}
}
