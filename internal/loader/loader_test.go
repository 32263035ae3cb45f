package loader

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/guestaspace/internal/hv"
	"github.com/tinyrange/guestaspace/internal/payload"
)

func writeImage(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gkernel")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	want := []byte{0x13, 0x00, 0x00, 0x00, 0x73, 0x00, 0x00, 0x00}
	img, err := Load(writeImage(t, want))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Builtin {
		t.Errorf("image from disk marked builtin")
	}
	if diff := cmp.Diff(want, img.Bytes); diff != "" {
		t.Errorf("bytes mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestLoadRejects(t *testing.T) {
	if _, err := Load(writeImage(t, nil)); err == nil {
		t.Errorf("expected error for an empty image")
	}
	if _, err := Load(t.TempDir()); err == nil {
		t.Errorf("expected error for a directory")
	}
	_, err := Load(writeImage(t, make([]byte, 64)), WithMaxSize(32))
	if !errors.Is(err, ErrImageTooLarge) {
		t.Errorf("err = %v, want ErrImageTooLarge", err)
	}
}

func TestLoadWithProgress(t *testing.T) {
	want := bytes.Repeat([]byte{0xAA, 0x55}, progressThreshold)
	var bar bytes.Buffer
	img, err := Load(writeImage(t, want), WithProgress(&bar))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(img.Bytes, want) {
		t.Fatalf("image corrupted by progress writer")
	}
	if bar.Len() == 0 {
		t.Errorf("progress bar wrote nothing")
	}
}

func TestLoadOrBuildFallsBack(t *testing.T) {
	opts := payload.Options{DevicePage: 0x2200_0000}
	img, err := LoadOrBuild(filepath.Join(t.TempDir(), "absent"), hv.ArchitectureRISCV64, opts)
	if err != nil {
		t.Fatalf("LoadOrBuild: %v", err)
	}
	want, err := payload.Build(hv.ArchitectureRISCV64, opts)
	if err != nil {
		t.Fatalf("payload.Build: %v", err)
	}
	if !img.Builtin || img.Source != "builtin" {
		t.Errorf("image = %+v, want builtin", img)
	}
	if diff := cmp.Diff(want, img.Bytes); diff != "" {
		t.Errorf("builtin mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadOrBuildPrefersFile(t *testing.T) {
	path := writeImage(t, []byte{1, 2, 3, 4})
	img, err := LoadOrBuild(path, hv.ArchitectureARM64, payload.Options{DevicePage: 0x4020_2000})
	if err != nil {
		t.Fatalf("LoadOrBuild: %v", err)
	}
	if img.Builtin || img.Source != path {
		t.Errorf("image = %+v, want %s", img, path)
	}
}

func TestLoadOrBuildPropagatesOtherErrors(t *testing.T) {
	_, err := LoadOrBuild(writeImage(t, nil), hv.ArchitectureX86_64, payload.Options{DevicePage: 0x2_0000})
	if err == nil {
		t.Fatalf("expected an error for an empty image")
	}
}
