package compliance

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type totalsFunc func(ctx context.Context, creatorID string, since time.Time) (int64, error)

func (f totalsFunc) SumPayoutsSince(ctx context.Context, creatorID string, since time.Time) (int64, error) {
	return f(ctx, creatorID, since)
}

func fixedTotal(n int64) totalsFunc {
	return func(context.Context, string, time.Time) (int64, error) { return n, nil }
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestCheckCompliance(t *testing.T) {
	kyc := StaticKYC{
		"verified":  {IdentityVerified: true, AgeVerified: true},
		"no_age":    {IdentityVerified: true},
		"no_id_yet": {AgeVerified: true},
	}
	cfg := Config{LargeAmountCeiling: 1_000_000, DailyCeiling: 2_500_000}

	tests := []struct {
		name    string
		creator string
		amount  int64
		paid    int64
		want    Result
	}{
		{"verified creator passes", "verified", 5000, 0, Result{Verified: true, AgeVerified: true, AMLPassed: true}},
		{"unknown creator is unverified", "stranger", 5000, 0, Result{Reason: ReasonIdentityUnverified}},
		{"identity without age fails", "no_age", 5000, 0, Result{Verified: true, Reason: ReasonAgeUnverified}},
		{"age without identity fails", "no_id_yet", 5000, 0, Result{AgeVerified: true, Reason: ReasonIdentityUnverified}},
		{"single large amount fails", "verified", 1_000_001, 0, Result{Verified: true, AgeVerified: true, Reason: ReasonLargeAmount}},
		{"at large amount ceiling passes", "verified", 1_000_000, 0, Result{Verified: true, AgeVerified: true, AMLPassed: true}},
		{"daily ceiling exceeded", "verified", 600_000, 2_000_000, Result{Verified: true, AgeVerified: true, Reason: ReasonDailyLimit}},
		{"daily ceiling reached exactly", "verified", 500_000, 2_000_000, Result{Verified: true, AgeVerified: true, AMLPassed: true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gate := NewGate(cfg, kyc, fixedTotal(tc.paid), discard)
			got := gate.CheckCompliance(context.Background(), tc.creator, tc.amount)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.want.Reason == "", got.Passed())
		})
	}
}

func TestCheckComplianceFailsClosed(t *testing.T) {
	kyc := StaticKYC{"verified": {IdentityVerified: true, AgeVerified: true}}
	failing := totalsFunc(func(context.Context, string, time.Time) (int64, error) {
		return 0, errors.New("db down")
	})

	gate := NewGate(Config{DailyCeiling: 100}, kyc, failing, discard)
	got := gate.CheckCompliance(context.Background(), "verified", 10)
	assert.False(t, got.Passed())
	assert.Equal(t, ReasonUnavailable, got.Reason)
}

func TestHTTPKYCClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/creators/c1/verification":
			_, _ = w.Write([]byte(`{"identity_verified":true,"age_verified":true}`))
		case "/v1/creators/c2/verification":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	client := NewHTTPKYCClient(HTTPKYCConfig{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second})

	status, err := client.KYCStatus(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, KYCStatus{IdentityVerified: true, AgeVerified: true}, status)

	status, err = client.KYCStatus(context.Background(), "c2")
	require.NoError(t, err)
	assert.Equal(t, KYCStatus{}, status)

	_, err = client.KYCStatus(context.Background(), "c3")
	assert.Error(t, err)
}
