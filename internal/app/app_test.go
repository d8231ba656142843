package app

import (
	"testing"

	"github.com/ashureev/fragments/internal/config"
)

func TestWebsocketOrigins(t *testing.T) {
	prod := &config.Config{FrontendURL: "https://fragments.dev"}
	if got := websocketOrigins(prod); len(got) != 1 || got[0] != "fragments.dev" {
		t.Fatalf("unexpected production origins %v", got)
	}

	dev := &config.Config{FrontendURL: "http://localhost:3000"}
	if got := websocketOrigins(dev); len(got) != 1 || got[0] != "*" {
		t.Fatalf("expected wildcard in development, got %v", got)
	}
}
