package serializer

import (
	"bufio"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"
)

func readTestResponse(t *testing.T, raw string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	res, err := http.ReadResponse(bufio.NewReader(strings.NewReader(raw)), req)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	return res
}

func TestStoreResponseBodyIntact(t *testing.T) {
	res := readTestResponse(t, "HTTP/1.1 200 OK\r\nServer: Test\r\nContent-Length: 16\r\n\r\nThis is the body")

	if _, err := StoreResponse(res, time.Now()); err != nil {
		t.Fatalf("Error: %v", err)
	}
	body, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("Error: %v", err)
	}
	if string(body) != "This is the body" {
		t.Fatalf("Body: %s", body)
	}
	if res.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Live response got internal header %+v", res.Header)
	}
}

func TestStoredResponseRoundTrip(t *testing.T) {
	res := readTestResponse(t, "HTTP/1.1 201 Created\r\nTest: -ing\r\n\r\nstreamed body")
	storedAt := time.Unix(1700000000, 0)

	bts, err := StoreResponse(res, storedAt)
	if err != nil {
		t.Fatalf("Error creating bytes: %+v", err)
	}
	req, _ := http.NewRequest("GET", "http://example.com/", nil)
	loaded, err := LoadResponse(bts, req)
	if err != nil {
		t.Fatalf("Error creating response: %+v", err)
	}
	if loaded.Response.StatusCode != http.StatusCreated {
		t.Fatalf("Status is %d", loaded.Response.StatusCode)
	}
	if loaded.Response.Header.Get("Test") != "-ing" {
		t.Fatalf("Test header wrong %+v", loaded.Response.Header)
	}
	if loaded.Response.Header.Get(storedAtHeaderName) != "" {
		t.Fatalf("Internal header not removed %+v", loaded.Response.Header)
	}
	if !loaded.StoredAt.Equal(storedAt) {
		t.Fatalf("Stored at is %v", loaded.StoredAt)
	}
	body, _ := io.ReadAll(loaded.Response.Body)
	if string(body) != "streamed body" {
		t.Fatalf("Body: %s", body)
	}
}

func TestLoadResponseRejectsForeignBytes(t *testing.T) {
	if _, err := LoadResponse([]byte("HTTP/1.1 200 OK\r\n\r\n"), nil); err == nil {
		t.Fatal("expected error for response without store time")
	}
}
