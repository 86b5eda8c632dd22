package adapters

import (
	"context"
	"net/http"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/saga"
)

// SampleClient drives a remote sample service over HTTP. It satisfies
// saga.SampleAPI.
type SampleClient struct {
	*HTTPClient
}

func NewSampleClient(baseURL string, cfg BreakerConfig) *SampleClient {
	return &SampleClient{NewHTTPClient("sample-service", baseURL, 0, cfg)}
}

func (c *SampleClient) Create(ctx context.Context, txID string, payload map[string]interface{}) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/samples", txID, payload, &resp)
	if apperr.IsKind(err, apperr.KindDuplicateBarcode) {
		// A retried create with the same barcode means the first attempt
		// landed; recover the id instead of failing the saga.
		barcode, _ := payload["barcode"].(string)
		if barcode != "" {
			if existing, lookupErr := c.getByBarcode(ctx, barcode); lookupErr == nil {
				return existing, saga.ErrAlreadyApplied
			}
		}
		return "", err
	}
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *SampleClient) getByBarcode(ctx context.Context, barcode string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/samples/barcode/"+barcode, "", nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *SampleClient) Validate(ctx context.Context, txID, sampleID string) (string, error) {
	body := map[string]interface{}{"status": "Validated"}
	var resp struct {
		PriorStatus string `json:"prior_status"`
	}
	if err := c.do(ctx, http.MethodPut, "/api/v1/samples/"+sampleID+"/status", txID, body, &resp); err != nil {
		return "", err
	}
	if resp.PriorStatus == "Validated" {
		return resp.PriorStatus, saga.ErrAlreadyApplied
	}
	return resp.PriorStatus, nil
}

// RevertStatus undoes a validate on the compensation path. A 404 means the
// sample is already gone, so there is nothing left to revert.
func (c *SampleClient) RevertStatus(ctx context.Context, txID, sampleID, priorStatus string) error {
	body := map[string]interface{}{"status": priorStatus, "revert": true}
	err := c.do(ctx, http.MethodPut, "/api/v1/samples/"+sampleID+"/status", txID, body, nil)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return saga.ErrAlreadyApplied
	}
	return err
}

func (c *SampleClient) MarkStored(ctx context.Context, txID, sampleID, locationID string) error {
	body := map[string]interface{}{"status": "InStorage", "location_id": locationID}
	return c.do(ctx, http.MethodPut, "/api/v1/samples/"+sampleID+"/status", txID, body, nil)
}

// Delete force-deletes on the compensation path. A 404 means the sample is
// already gone, which is the outcome the compensation wants.
func (c *SampleClient) Delete(ctx context.Context, txID, sampleID string) error {
	err := c.do(ctx, http.MethodDelete, "/api/v1/samples/"+sampleID+"?force=true", txID, nil, nil)
	if apperr.IsKind(err, apperr.KindNotFound) {
		return saga.ErrAlreadyApplied
	}
	return err
}
