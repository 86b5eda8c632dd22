package adapters

import (
	"context"
	"net/http"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/saga"
)

// StorageClient drives a remote storage service over HTTP. It satisfies
// saga.StorageAPI.
type StorageClient struct {
	*HTTPClient
}

func NewStorageClient(baseURL string, cfg BreakerConfig) *StorageClient {
	return &StorageClient{NewHTTPClient("storage-service", baseURL, 0, cfg)}
}

func (c *StorageClient) Allocate(ctx context.Context, txID, sampleID, requiredZone, pinLocation string) (string, error) {
	var resp struct {
		Container struct {
			LocationID string `json:"location_id"`
		} `json:"container"`
		AlreadyApplied bool `json:"already_applied"`
	}
	body := map[string]interface{}{
		"sample_id":     sampleID,
		"required_zone": requiredZone,
	}
	if pinLocation != "" {
		body["location_id"] = pinLocation
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/storage/allocate", txID, body, &resp); err != nil {
		return "", err
	}
	return resp.Container.LocationID, nil
}

// Release frees a sample's slot. 404 means nothing is stored: on the
// compensation path that is the desired end state.
func (c *StorageClient) Release(ctx context.Context, txID, locationID, sampleID string) error {
	body := map[string]interface{}{
		"location_id": locationID,
		"sample_id":   sampleID,
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/storage/release", txID, body, nil)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return saga.ErrAlreadyApplied
	}
	return err
}
