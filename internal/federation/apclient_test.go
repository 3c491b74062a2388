package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFetchObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept == "" {
			t.Errorf("fetch must send an Accept header")
		}
		w.Header().Set("Content-Type", "application/activity+json")
		fmt.Fprint(w, `{"id":"x","type":"Note"}`)
	}))
	defer srv.Close()

	client := NewAPClient(testLogger())
	obj, err := client.FetchObject(context.Background(), srv.URL+"/notes/1")
	if err != nil {
		t.Fatal(err)
	}
	if obj["type"] != "Note" {
		t.Errorf("type = %v", obj["type"])
	}
}

func TestFetchObjectNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	client := NewAPClient(testLogger())
	if _, err := client.FetchObject(context.Background(), srv.URL); err == nil {
		t.Fatal("non-2xx must be an error")
	}
}

func TestFetchActorValidatesRequiredFields(t *testing.T) {
	cases := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "complete",
			doc: `{"id":"https://a.example/users/alice","type":"Person",
				"preferredUsername":"alice","inbox":"https://a.example/inbox",
				"publicKey":{"id":"k","publicKeyPem":"PEM"}}`,
		},
		{
			name:    "no inbox",
			doc:     `{"id":"https://a.example/users/alice","type":"Person","publicKey":{"publicKeyPem":"PEM"}}`,
			wantErr: true,
		},
		{
			name:    "no key",
			doc:     `{"id":"https://a.example/users/alice","type":"Person","inbox":"https://a.example/inbox"}`,
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/activity+json")
				fmt.Fprint(w, tc.doc)
			}))
			defer srv.Close()

			_, err := NewAPClient(testLogger()).FetchActor(context.Background(), srv.URL)
			if tc.wantErr && err == nil {
				t.Fatal("want validation error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSignedPostClassification(t *testing.T) {
	_, privatePEM, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		status int
		want   PostResult
	}{
		{200, PostOK},
		{202, PostOK},
		{400, PostPermanent},
		{404, PostPermanent},
		{410, PostPermanent},
		{401, PostTransient},
		{408, PostTransient},
		{429, PostTransient},
		{500, PostTransient},
		{503, PostTransient},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("status %d", tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Signature") == "" {
					t.Error("delivery must be signed")
				}
				if r.Header.Get("Digest") == "" {
					t.Error("delivery must carry a digest")
				}
				if ct := r.Header.Get("Content-Type"); ct != "application/activity+json" {
					t.Errorf("content-type = %q", ct)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			result, status, _ := NewAPClient(testLogger()).SignedPost(context.Background(),
				srv.URL+"/inbox", []byte(`{"type":"Create"}`), "https://b.example/users/bob#main-key", privatePEM)
			if result != tc.want {
				t.Errorf("result = %v, want %v", result, tc.want)
			}
			if status != tc.status {
				t.Errorf("status = %d, want %d", status, tc.status)
			}
		})
	}
}

func TestSignedPostTransportErrorTransient(t *testing.T) {
	_, privatePEM, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	// A server that is immediately closed produces a connect failure.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := srv.URL
	srv.Close()

	result, _, perr := NewAPClient(testLogger()).SignedPost(context.Background(),
		target, []byte(`{}`), "key", privatePEM)
	if result != PostTransient {
		t.Errorf("result = %v, want transient for transport error", result)
	}
	if perr == nil {
		t.Error("transport error must be reported")
	}
}

func TestSignedPostBodyDelivered(t *testing.T) {
	_, privatePEM, err := GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}

	var received map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	body := []byte(`{"type":"Create","id":"https://b.example/notes/1/activity"}`)
	result, _, err := NewAPClient(testLogger()).SignedPost(context.Background(),
		srv.URL, body, "key", privatePEM)
	if err != nil || result != PostOK {
		t.Fatalf("result = %v err = %v", result, err)
	}
	if received["type"] != "Create" {
		t.Errorf("received body = %v", received)
	}
}
