package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nextlevelbuilder/wabridge/internal/config"
)

func TestRunWatcher_MissingDirDoesNotFail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "config.json")
	w := config.NewWatcher(path, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- runWatcher(ctx, w) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil, got %v", err)
		}
	case <-ctx.Done():
		t.Fatal("watcher on a missing directory should return immediately")
	}
}

func TestBuildChannel_SelectsVariant(t *testing.T) {
	cfg := config.Default()
	ch, cloud, err := buildChannel(cfg)
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	if ch.Name() != "whatsapp" || cloud != nil {
		t.Fatalf("expected bridge channel, got %s %v", ch.Name(), cloud)
	}

	cfg.Channel.Type = "cloud"
	cfg.Channel.Cloud.PhoneNumberID = "123"
	cfg.Channel.Cloud.AccessToken = "token"
	ch, cloud, err = buildChannel(cfg)
	if err != nil {
		t.Fatalf("cloud: %v", err)
	}
	if ch.Name() != "cloudapi" || cloud == nil || cloud.WebhookPath() != "/webhook/whatsapp" {
		t.Fatalf("expected cloud channel with default webhook path, got %s", ch.Name())
	}
}
