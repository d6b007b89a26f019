package rates

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Noxie-dev/jobrite.com/pkg/httpx"
)

const (
	fetchRetries    = 2
	fetchRetryDelay = 500 * time.Millisecond
)

// UpdateFromURL downloads a sealed rate configuration and runs it through the
// normal update pipeline. The payload must carry a valid checksum; a transport
// that tampers with the body fails verification the same way a tampered file
// would.
func (u *Updater) UpdateFromURL(ctx context.Context, client *http.Client, url string, verifyOnly bool) (*UpdateResult, error) {
	status, body, err := httpx.RequestJSON(ctx, client, http.MethodGet, url, nil, nil, fetchRetries, fetchRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("rates: fetch %s: %w", url, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("rates: fetch %s: unexpected status %d", url, status)
	}
	return u.UpdateRates(ctx, body, verifyOnly)
}
