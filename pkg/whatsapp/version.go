package whatsapp

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"golang.org/x/sync/singleflight"

	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/env"
)

var (
	versionRefreshGroup singleflight.Group

	versionRefreshMu     sync.RWMutex
	versionLastRefreshed *time.Time
)

func versionRefreshMinInterval() time.Duration {
	return env.GetEnvDurationOrDefault("WHATSAPP_VERSION_REFRESH_MIN_INTERVAL", 10*time.Minute)
}

// RefreshVersion fetches the latest WhatsApp Web client version and applies
// it globally. Unless force is set, calls inside the minimum refresh
// interval are no-ops; concurrent callers share one fetch. Returns the
// version in effect afterwards and whether a fetch actually ran.
func RefreshVersion(ctx context.Context, force bool) ([3]uint32, bool, error) {
	if !force {
		versionRefreshMu.RLock()
		last := versionLastRefreshed
		versionRefreshMu.RUnlock()
		if last != nil && time.Since(*last) < versionRefreshMinInterval() {
			return currentVersion(), false, nil
		}
	}

	_, err, _ := versionRefreshGroup.Do("refresh", func() (interface{}, error) {
		httpClient := &http.Client{Timeout: 15 * time.Second}
		latest, err := whatsmeow.GetLatestVersion(ctx, httpClient)

		versionRefreshMu.Lock()
		now := time.Now()
		versionLastRefreshed = &now
		versionRefreshMu.Unlock()

		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, errors.New("latest WhatsApp Web version is nil")
		}
		store.SetWAVersion(*latest)
		return nil, nil
	})
	if err != nil {
		return currentVersion(), true, err
	}
	return currentVersion(), true, nil
}

func currentVersion() [3]uint32 {
	v := store.GetWAVersion()
	return [3]uint32{v[0], v[1], v[2]}
}
