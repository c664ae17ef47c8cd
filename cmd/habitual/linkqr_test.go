package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteLinkQR_Terminal(t *testing.T) {
	var out bytes.Buffer
	if err := writeLinkQR(&out, "https://t.me/habitual_bot", ""); err != nil {
		t.Fatalf("writeLinkQR: %v", err)
	}
	if !strings.Contains(out.String(), "https://t.me/habitual_bot") {
		t.Errorf("output should name the chat URL:\n%s", out.String())
	}
	if strings.Count(out.String(), "\n") < 10 {
		t.Errorf("expected a multi-line QR code, got:\n%s", out.String())
	}
}

func TestWriteLinkQR_PNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "link.png")
	var out bytes.Buffer
	if err := writeLinkQR(&out, "https://t.me/habitual_bot", path); err != nil {
		t.Fatalf("writeLinkQR: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read PNG: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Error("output file is not a PNG")
	}
}

func TestRunLinkQR_RequiresChatURL(t *testing.T) {
	path := writeTestConfig(t, "http://127.0.0.1:1", t.TempDir())

	var out bytes.Buffer
	err := run(t.Context(), &out, &out, []string{"-config", path, "link-qr"})
	if err == nil || !strings.Contains(err.Error(), "chat_url") {
		t.Errorf("error = %v, want chat_url not configured", err)
	}

	err = run(t.Context(), &out, &out, []string{"-config", path, "link-qr", "-bogus"})
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Errorf("error = %v, want usage", err)
	}
}
