package caseflowsdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransitionSendsExpectedState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/cases/c1/transition" || r.Header.Get("X-Api-Key") != "k" {
			t.Errorf("unexpected request %s %v", r.URL.Path, r.Header)
		}
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["from_state"] != "A" || body["to_state"] != "B" {
			t.Errorf("unexpected body %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "from": "A", "to": "B", "event_id": 7, "case": map[string]any{"id": "c1", "state": "B"}})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k"
	res, err := c.Transition(context.Background(), "c1", "A", "B")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if !res.OK || res.Case.State != "B" || res.EventID != 7 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestConflictErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"stale_state","message":"case state changed","details":{"actual":"B"}}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Transition(context.Background(), "c1", "A", "B")
	if !IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Code != "stale_state" || apiErr.Details["actual"] != "B" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}
