package logger

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDailyFileRotates(t *testing.T) {
	dir := t.TempDir()
	day := time.Date(2026, 5, 1, 23, 59, 0, 0, time.Local)

	d := &dailyFile{dir: dir, now: func() time.Time { return day }}
	if err := d.rotate(day); err != nil {
		t.Fatalf("rotate() error = %v", err)
	}
	defer func() { _ = d.Close() }()

	if _, err := d.Write([]byte("before midnight\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	day = day.Add(2 * time.Minute)
	if _, err := d.Write([]byte("after midnight\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	first, err := os.ReadFile(filepath.Join(dir, "acpbridge-2026-05-01.log"))
	if err != nil {
		t.Fatalf("reading first file: %v", err)
	}
	second, err := os.ReadFile(filepath.Join(dir, "acpbridge-2026-05-02.log"))
	if err != nil {
		t.Fatalf("reading second file: %v", err)
	}
	if string(first) != "before midnight\n" || string(second) != "after midnight\n" {
		t.Errorf("files = %q, %q", first, second)
	}
	if !strings.HasSuffix(d.Path(), "acpbridge-2026-05-02.log") {
		t.Errorf("Path() = %q", d.Path())
	}

	_ = d.Close()
	if n, err := d.Write([]byte("dropped")); err != nil || n != len("dropped") {
		t.Errorf("Write() after Close = %d, %v", n, err)
	}
}

func TestInitSharesOneFile(t *testing.T) {
	dir := t.TempDir()
	saved := Console
	Console = io.Discard
	defer func() { Console = saved }()

	if err := Init(dir); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := InitSlog(dir, true, false); err != nil {
		t.Fatalf("InitSlog() error = %v", err)
	}

	Printf("banner %d", 1)
	InfoContext(WithChatID(context.Background(), "C42"), "structured")
	path := FilePath()

	if err := CloseSlog(); err != nil {
		t.Fatalf("CloseSlog() error = %v", err)
	}
	if err := Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	Printf("after close")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, "banner 1") {
		t.Errorf("log missing printf line:\n%s", text)
	}
	if !strings.Contains(text, `"chat_id":"C42"`) {
		t.Errorf("log missing structured line:\n%s", text)
	}
	if strings.Contains(text, "after close") {
		t.Errorf("log has output written after Close:\n%s", text)
	}
}
