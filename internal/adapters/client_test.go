package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/clock"
	"github.com/helixlabs/lims/internal/saga"
)

func TestTransactionHeaderPropagates(t *testing.T) {
	var gotTx string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTx = r.Header.Get(TransactionHeader)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "sample-1"})
	}))
	defer srv.Close()

	c := NewSampleClient(srv.URL, BreakerConfig{})
	id, err := c.Create(context.Background(), "txn-42", map[string]interface{}{"name": "x"})
	require.NoError(t, err)
	assert.Equal(t, "sample-1", id)
	assert.Equal(t, "txn-42", gotTx)
}

func TestErrorKindFromBodyWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_kind":"DuplicateBarcode","message":"barcode taken"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient("sample-service", srv.URL, 0, BreakerConfig{})
	err := c.do(context.Background(), http.MethodPost, "/api/v1/samples", "", nil, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindDuplicateBarcode))
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		kind   apperr.Kind
		retry  bool
	}{
		{http.StatusBadRequest, apperr.KindValidation, false},
		{http.StatusNotFound, apperr.KindNotFound, false},
		{http.StatusConflict, apperr.KindConflict, true},
		{http.StatusTooManyRequests, apperr.KindResourceLimit, true},
		{http.StatusInternalServerError, apperr.KindServiceCommunication, true},
		{http.StatusBadGateway, apperr.KindServiceCommunication, true},
		{http.StatusGatewayTimeout, apperr.KindTimeout, true},
	}
	for _, tc := range cases {
		status := tc.status
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		c := NewHTTPClient("svc", srv.URL, 0, BreakerConfig{})
		err := c.do(context.Background(), http.MethodGet, "/x", "", nil, nil)
		assert.Truef(t, apperr.IsKind(err, tc.kind), "HTTP %d should map to %s, got %v", tc.status, tc.kind, err)
		assert.Equalf(t, tc.retry, apperr.Retryable(err), "HTTP %d retryability", tc.status)
		srv.Close()
	}
}

func TestUnreachableServiceIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // nothing listens anymore

	c := NewHTTPClient("svc", srv.URL, 0, BreakerConfig{})
	err := c.do(context.Background(), http.MethodGet, "/x", "", nil, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindServiceCommunication))
	assert.True(t, apperr.Retryable(err))
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clk := clock.NewMock(time.Now())
	c := NewHTTPClient("svc", srv.URL, 0, BreakerConfig{
		FailureThreshold: 3,
		OpenFor:          30 * time.Second,
		HalfOpenProbes:   1,
		Clock:            clk,
	})

	for i := 0; i < 3; i++ {
		err := c.do(context.Background(), http.MethodGet, "/x", "", nil, nil)
		assert.True(t, apperr.IsKind(err, apperr.KindServiceCommunication))
	}
	assert.Equal(t, BreakerOpen, c.BreakerState())

	// While open, calls are rejected without touching the wire.
	err := c.do(context.Background(), http.MethodGet, "/x", "", nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit is open")

	// After the open window a probe is let through; success closes it.
	fail = false
	clk.Advance(31 * time.Second)
	require.NoError(t, c.do(context.Background(), http.MethodGet, "/x", "", nil, nil))
	assert.Equal(t, BreakerClosed, c.BreakerState())
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient("svc", srv.URL, 0, BreakerConfig{FailureThreshold: 2})
	for i := 0; i < 10; i++ {
		_ = c.do(context.Background(), http.MethodGet, "/x", "", nil, nil)
	}
	assert.Equal(t, BreakerClosed, c.BreakerState(), "4xx answers never trip the circuit")
}

func TestDeleteTreats404AsApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error_kind":"NotFound","message":"sample gone"}`))
	}))
	defer srv.Close()

	c := NewSampleClient(srv.URL, BreakerConfig{})
	err := c.Delete(context.Background(), "txn-1", "sample-1")
	assert.ErrorIs(t, err, saga.ErrAlreadyApplied)
}

func TestReleaseTreats404AsApplied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewStorageClient(srv.URL, BreakerConfig{})
	err := c.Release(context.Background(), "txn-1", "loc-1", "sample-1")
	assert.ErrorIs(t, err, saga.ErrAlreadyApplied)
}

func TestDuplicateBarcodeRecoversExistingID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"error_kind":"DuplicateBarcode","message":"barcode taken"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "sample-9"})
	}))
	defer srv.Close()

	c := NewSampleClient(srv.URL, BreakerConfig{})
	id, err := c.Create(context.Background(), "txn-1", map[string]interface{}{
		"name": "x", "barcode": "DNA-20260314090000-0001",
	})
	assert.ErrorIs(t, err, saga.ErrAlreadyApplied)
	assert.Equal(t, "sample-9", id)
}

func TestProberAggregates(t *testing.T) {
	p := NewProber()
	p.Register("db", CheckerFunc(func(context.Context) error { return nil }))
	p.Register("redis", CheckerFunc(func(context.Context) error {
		return apperr.New(apperr.KindServiceCommunication, "connection refused")
	}))

	results := p.Check(context.Background())
	assert.Equal(t, "ok", results["db"].Status)
	assert.Equal(t, "failing", results["redis"].Status)
	assert.Error(t, p.Healthy(context.Background()))
}
