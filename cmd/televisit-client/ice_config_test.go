package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestFetchICEServers_ParsesRelayResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"iceServers":[`+
			`{"urls":["stun:stun.example.com:3478"]},`+
			`{"urls":["turn:turn.example.com:3478"],"username":"televisit:123","credential":"hmac"}`+
			`]}`)
	}))
	defer ts.Close()

	servers, err := fetchICEServers(context.Background(), ts.URL)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("server 0 urls = %v", servers[0].URLs)
	}
	if servers[1].Username != "televisit:123" {
		t.Fatalf("server 1 username = %q", servers[1].Username)
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "hmac" {
		t.Fatalf("server 1 credential = %#v", servers[1].Credential)
	}
}

func TestFetchICEServers_ErrorStatusSurfaces(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"ice config invalid"}`, http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	if _, err := fetchICEServers(context.Background(), ts.URL); err == nil {
		t.Fatal("expected an error for a 503 response")
	}
}

func TestFetchICEServers_IncompleteTURNRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"iceServers":[{"urls":["turn:turn.example.com:3478"]}]}`)
	}))
	defer ts.Close()

	_, err := fetchICEServers(context.Background(), ts.URL)
	if err == nil || !strings.Contains(err.Error(), "turn urls require") {
		t.Fatalf("expected TURN credential error, got %v", err)
	}
}

func TestFetchICEServers_MissingFieldRejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer ts.Close()

	if _, err := fetchICEServers(context.Background(), ts.URL); err == nil {
		t.Fatal("expected an error for a response without iceServers")
	}
}
