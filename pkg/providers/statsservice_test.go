package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatsServiceFetchTeamStats(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/teams/BOS/stats" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"team":"BOS","wins":50,"losses":20,"off_rating":118.5,"def_rating":110.2,"recent_form":"7-3"}`))
	}))
	defer server.Close()

	client, err := NewStatsServiceClient(server.URL)
	if err != nil {
		t.Fatalf("NewStatsServiceClient: %v", err)
	}
	stats, err := client.FetchTeamStats(context.Background(), "BOS")
	if err != nil {
		t.Fatalf("FetchTeamStats: %v", err)
	}
	if stats.Team != "BOS" || stats.Wins != 50 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if stats.OffRating != 118.5 {
		t.Errorf("OffRating = %v, want 118.5", stats.OffRating)
	}
}

func TestStatsServiceFetchInjuries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/injuries" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`[{"team":"BOS","player":"Jayson Tatum","status":"questionable"}]`))
	}))
	defer server.Close()

	client, _ := NewStatsServiceClient(server.URL)
	reports, err := client.FetchInjuries(context.Background())
	if err != nil {
		t.Fatalf("FetchInjuries: %v", err)
	}
	if len(reports) != 1 || reports[0].Status != "questionable" {
		t.Errorf("unexpected reports %+v", reports)
	}
}

func TestStatsServiceErrors(t *testing.T) {
	if _, err := NewStatsServiceClient(""); err == nil {
		t.Error("expected error for empty base URL")
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client, _ := NewStatsServiceClient(server.URL)
	if _, err := client.FetchTeamStats(context.Background(), "BOS"); err == nil {
		t.Error("expected error on 502")
	}
}
