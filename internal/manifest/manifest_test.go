package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"deploystack/internal/apperrors"
)

const sampleManifest = `
services:
  - name: web-frontend
    image: node:20-alpine
    command: npm run build
    env:
      NODE_ENV: production
  - name: billing-api
    image: golang:1.25-alpine
    fanout: true
callback:
  url: https://hooks.example.com/deploys
  key: topsecret
`

func TestParse(t *testing.T) {
	m, err := Parse([]byte(sampleManifest))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(m.Services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(m.Services))
	}

	web, ok := m.Service("web-frontend")
	if !ok {
		t.Fatal("web-frontend not found")
	}
	if web.Image != "node:20-alpine" {
		t.Errorf("unexpected image: %s", web.Image)
	}
	if web.Env["NODE_ENV"] != "production" {
		t.Errorf("unexpected env: %v", web.Env)
	}
	if web.Fanout {
		t.Error("web-frontend should not be fanout")
	}

	billing, _ := m.Service("billing-api")
	if !billing.Fanout {
		t.Error("billing-api should be fanout")
	}

	if m.Callback == nil || m.Callback.URL != "https://hooks.example.com/deploys" {
		t.Errorf("unexpected callback: %+v", m.Callback)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty services", "services: []"},
		{"missing name", "services:\n  - image: node:20"},
		{"missing image", "services:\n  - name: web"},
		{"duplicate names", "services:\n  - name: web\n    image: a\n  - name: web\n    image: b"},
		{"callback without url", "services:\n  - name: web\n    image: a\ncallback:\n  key: abc"},
		{"not yaml", "{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, apperrors.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}
}

func TestManager_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.yaml")
	if err := os.WriteFile(path, []byte(sampleManifest), 0o644); err != nil {
		t.Fatal(err)
	}

	mgr := NewManager(path)
	if mgr.Current() != nil {
		t.Error("expected nil manifest before Load")
	}

	m, err := mgr.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if mgr.Current() != m {
		t.Error("Current should return the loaded manifest")
	}
}

func TestManager_LoadMissingFile(t *testing.T) {
	mgr := NewManager(filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := mgr.Load(); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestManager_SubscribeDoesNotBlock(t *testing.T) {
	mgr := NewManager("deploy.yaml")
	ch := mgr.Subscribe(1)

	m := &Manifest{Services: []Service{{Name: "web", Image: "a"}}}
	mgr.publish(m)
	mgr.publish(m) // buffer full, must not block

	select {
	case got := <-ch:
		if got != m {
			t.Error("unexpected manifest on subscription channel")
		}
	default:
		t.Error("expected a manifest on the subscription channel")
	}
}
