package server

import (
	"net/http"
	"testing"
)

func originRequest(origin string) *http.Request {
	req, _ := http.NewRequest(http.MethodGet, "/ws/chat", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestCheckOriginDefaults(t *testing.T) {
	check := checkOrigin(nil)

	// Non-browser clients send no Origin header.
	if !check(originRequest("")) {
		t.Error("Expected empty origin to be allowed")
	}
	if !check(originRequest("http://localhost:3000")) {
		t.Error("Expected localhost:3000 to be allowed by default")
	}
	if !check(originRequest("http://localhost:5173")) {
		t.Error("Expected localhost:5173 to be allowed by default")
	}
	if check(originRequest("http://evil.example.com")) {
		t.Error("Expected unknown origin to be rejected")
	}
}

func TestCheckOriginWildcard(t *testing.T) {
	check := checkOrigin([]string{"*"})
	if !check(originRequest("http://anything.example.com")) {
		t.Error("Expected wildcard to allow any origin")
	}
}

func TestCheckOriginExplicitList(t *testing.T) {
	check := checkOrigin([]string{"https://app.evidara.io"})

	if !check(originRequest("https://app.evidara.io")) {
		t.Error("Expected listed origin to be allowed")
	}
	if check(originRequest("http://localhost:3000")) {
		t.Error("Expected unlisted origin to be rejected")
	}
	if check(originRequest("://bad origin")) {
		t.Error("Expected malformed origin to be rejected")
	}
}
