package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/MrWong99/nexusvoice/internal/config"
)

func TestSaveMedia(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/video.mp4" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("mp4"))
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{name: "data url", url: "data:image/png;base64,aGVsbG8=", want: "hello"},
		{name: "download", url: srv.URL + "/video.mp4", want: "mp4"},
		{name: "not found", url: srv.URL + "/missing", wantErr: true},
		{name: "plain data url", url: "data:text/plain,hello", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "out")
			err := saveMedia(context.Background(), tc.url, path)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("saveMedia: %v", err)
			}
			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tc.want {
				t.Errorf("file = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestReadAttachment(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	png := filepath.Join(dir, "pic.png")
	if err := os.WriteFile(png, []byte("\x89PNG\r\n\x1a\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	att, err := readAttachment(png)
	if err != nil {
		t.Fatalf("readAttachment: %v", err)
	}
	if att.MIMEType != "image/png" || att.Name != "pic.png" {
		t.Errorf("attachment = %+v", att)
	}

	if _, err := readAttachment(filepath.Join(dir, "missing.png")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	for _, name := range []string{"gemini-live", "openai-realtime"} {
		p, err := reg.CreateS2S(config.ProviderEntry{Name: name, APIKey: "k", Options: map[string]any{"transcription_model": "whisper-1"}})
		if err != nil {
			t.Errorf("CreateS2S(%q): %v", name, err)
			continue
		}
		if p == nil {
			t.Errorf("CreateS2S(%q) returned nil provider", name)
		}
	}
}

func TestExampleConfigLoads(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "example.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.S2S.APIKey != "test-key" {
		t.Errorf("api_key = %q, want expanded value", cfg.Providers.S2S.APIKey)
	}
	if got := mediaConfig(cfg.Media); got.TTSVoice != "Kore" || got.PollInterval.Seconds() != 10 {
		t.Errorf("media config = %+v", got)
	}
}
