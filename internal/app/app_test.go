package app

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"hempdb/imagegen/config"
	"hempdb/imagegen/internal/monitor"
	"hempdb/imagegen/internal/provider"
	"hempdb/imagegen/models"
)

func TestNewWithLocalBackends(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Store = config.StoreConfig{Backend: "sql", DSN: "sqlite://" + filepath.Join(dir, "app.db"), AutoMigrate: true, WithCatalog: true}
	cfg.Images = config.ImagesConfig{Backend: "local", LocalDir: filepath.Join(dir, "images"), LocalBaseURL: "http://localhost:8080/images"}
	for i := range cfg.Providers {
		cfg.Providers[i].Enabled = false
	}

	log := logrus.New()
	log.SetOutput(io.Discard)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	if got := a.Registry.Default().Name(); got != provider.NamePlaceholder {
		t.Fatalf("default provider = %s", got)
	}
	if len(a.Registry.Infos()) != 3 {
		t.Fatalf("expected placeholder plus two disabled providers, got %+v", a.Registry.Infos())
	}

	item, err := a.Monitor.Enqueue(ctx, monitor.EnqueueInput{
		Subject: models.SubjectKey{Kind: models.SubjectPlantType, ID: "fiber"},
		Prompt:  "fiber hemp field",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res, err := a.Dispatcher.Run(ctx, 5, "")
	if err != nil || res.Success != 1 {
		t.Fatalf("dispatch: %+v %v", res, err)
	}
	got, err := a.Queue.Get(ctx, item.ID)
	if err != nil || got.Status != models.StatusCompleted {
		t.Fatalf("item not completed: %+v %v", got, err)
	}
}

func TestNewRequiresSupabaseClient(t *testing.T) {
	cfg := config.Default()
	cfg.Supabase.URL = ""
	log := logrus.New()
	log.SetOutput(io.Discard)
	if _, err := New(context.Background(), cfg, log); err == nil {
		t.Fatal("expected error without supabase credentials")
	}
}
