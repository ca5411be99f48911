package core_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sigerd/fieldsync/internal/auth"
	"github.com/sigerd/fieldsync/internal/hub"
	"github.com/sigerd/fieldsync/internal/ledger"
	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/remote/httpstore"
	"github.com/sigerd/fieldsync/internal/server"
	"github.com/sigerd/fieldsync/internal/syncengine"
	"github.com/sigerd/fieldsync/internal/testutil"
)

const hubSigningSecret = "integration-secret"

func startHub(t *testing.T, clock *stepClock) (*httptest.Server, *auth.TokenIssuer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := testutil.OpenDatabase(t)
	if err := hub.Migrate(db); err != nil {
		t.Fatalf("failed to migrate hub: %v", err)
	}
	service, err := hub.NewService(hub.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to build hub service: %v", err)
	}
	tokenConfig := auth.TokenConfig{SigningSecret: []byte(hubSigningSecret)}
	validator, err := auth.NewTokenValidator(tokenConfig)
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(tokenConfig)
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{TokenValidator: validator, RecordService: service})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	testServer := httptest.NewServer(handler)
	t.Cleanup(testServer.Close)
	return testServer, issuer
}

func hubClient(t *testing.T, hubServer *httptest.Server, issuer *auth.TokenIssuer, deviceID string) *httpstore.Client {
	t.Helper()
	token, _, err := issuer.IssueDeviceToken(context.Background(), deviceID, "")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	client, err := httpstore.New(httpstore.Config{BaseURL: hubServer.URL, Token: token})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	return client
}

func TestDevicesSyncThroughTheHub(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	hubServer, issuer := startHub(t, clock)
	first := newDevice(t, clock, hubClient(t, hubServer, issuer, "tablet-01"))
	second := newDevice(t, clock, hubClient(t, hubServer, issuer, "tablet-02"))

	if _, err := first.RecordDonation(ctx, ledger.DonationInput{
		ItemDescription: "Cobertor",
		Quantity:        decimal.NewFromInt(12),
		Unit:            "unidade",
		Donor:           "Paróquia",
	}); err != nil {
		t.Fatalf("unexpected donation error: %v", err)
	}
	report, err := first.SyncAll(ctx)
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	if report.Offline() {
		t.Fatalf("expected hub to be reachable, got %+v", report)
	}

	// The second device asks the hub directly before it has pulled anything.
	next, err := second.NextHumanID(ctx, records.EntityDonation)
	if err != nil {
		t.Fatalf("unexpected next id error: %v", err)
	}
	if next.String() != "002/2025" {
		t.Fatalf("expected live hub ids to be considered, got %s", next)
	}

	if _, err := second.SyncAll(ctx); err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	donations, err := second.List(ctx, records.EntityDonation, syncengine.ViewOptions{})
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(donations) != 1 || donations[0].HumanID != "001/2025" {
		t.Fatalf("expected the pulled donation, got %+v", donations)
	}
	donation, err := records.Decode[records.Donation](donations[0])
	if err != nil {
		t.Fatalf("pulled donation does not decode: %v", err)
	}
	if donation.Donor != "Paróquia" || !donation.Quantity.Equal(decimal.NewFromInt(12)) {
		t.Fatalf("unexpected pulled payload %+v", donation)
	}

	progress, err := first.SyncProgress(ctx)
	if err != nil {
		t.Fatalf("unexpected progress error: %v", err)
	}
	if progress.Pending != 0 || progress.Fraction != 1 {
		t.Fatalf("expected the first device fully synced, got %+v", progress)
	}
}

func TestForgedTokenLeavesRecordsQueued(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	hubServer, _ := startHub(t, clock)
	client, err := httpstore.New(httpstore.Config{BaseURL: hubServer.URL, Token: "forged"})
	if err != nil {
		t.Fatalf("failed to build client: %v", err)
	}
	device := newDevice(t, clock, client)

	if _, err := device.Create(ctx, records.Shelter{Name: "Escola Sul", Capacity: 40}); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	report, err := device.SyncAll(ctx)
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	if !report.Offline() {
		t.Fatalf("expected rejected credentials to read as offline")
	}
	for _, push := range report.Pushes {
		if push.TransportErr != nil && !errors.Is(push.TransportErr, syncengine.ErrTransportUnavailable) {
			t.Fatalf("unexpected transport error %v", push.TransportErr)
		}
	}
	progress, err := device.SyncProgress(ctx)
	if err != nil {
		t.Fatalf("unexpected progress error: %v", err)
	}
	if progress.Pending != 1 {
		t.Fatalf("expected the shelter to stay pending, got %+v", progress)
	}
}
