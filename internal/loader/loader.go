// Package loader reads the guest image from disk. When no image is present
// the built-in workload for the target architecture is used instead.
package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/guestaspace/internal/hv"
	"github.com/tinyrange/guestaspace/internal/payload"
)

const (
	// DefaultImagePath is where the guest kernel is expected on the host.
	DefaultImagePath = "/sbin/gkernel"

	// MaxImageSize bounds how much of an image is loaded.
	MaxImageSize = 64 << 20

	// progressThreshold is the image size above which a progress bar is shown.
	progressThreshold = 1 << 20
)

var ErrImageTooLarge = errors.New("guest image too large")

// Image is a loaded guest binary.
type Image struct {
	Bytes []byte

	// Source is the path the bytes were read from, or "builtin".
	Source  string
	Builtin bool
}

type options struct {
	progress io.Writer
	maxSize  int64
	log      *slog.Logger
}

type Option func(*options)

// WithProgress draws a progress bar on w while the image is read. A nil w
// disables it.
func WithProgress(w io.Writer) Option {
	return func(o *options) { o.progress = w }
}

func WithMaxSize(n int64) Option {
	return func(o *options) { o.maxSize = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// TerminalProgress returns os.Stderr when it is a terminal and nil otherwise.
func TerminalProgress() io.Writer {
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return os.Stderr
	}
	return nil
}

func buildOptions(opts []Option) options {
	o := options{maxSize: MaxImageSize, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Load reads the image at path. A missing file returns an error matching
// fs.ErrNotExist.
func Load(path string, opts ...Option) (Image, error) {
	o := buildOptions(opts)

	f, err := os.Open(path)
	if err != nil {
		return Image{}, fmt.Errorf("loader: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Image{}, fmt.Errorf("loader: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Image{}, fmt.Errorf("loader: %s is a directory", path)
	}
	if info.Size() > o.maxSize {
		return Image{}, fmt.Errorf("loader: %s is %d bytes: %w", path, info.Size(), ErrImageTooLarge)
	}

	var (
		buf    bytes.Buffer
		writer io.Writer = &buf
	)
	if o.progress != nil && info.Size() >= progressThreshold {
		bar := progressbar.NewOptions64(info.Size(),
			progressbar.OptionSetWriter(o.progress),
			progressbar.OptionSetDescription("load "+path),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		writer = io.MultiWriter(&buf, bar)
	}

	// One byte past the limit catches files that grow while being read.
	if _, err := io.Copy(writer, io.LimitReader(f, o.maxSize+1)); err != nil {
		return Image{}, fmt.Errorf("loader: read %s: %w", path, err)
	}
	if int64(buf.Len()) > o.maxSize {
		return Image{}, fmt.Errorf("loader: %s: %w", path, ErrImageTooLarge)
	}
	if buf.Len() == 0 {
		return Image{}, fmt.Errorf("loader: %s is empty", path)
	}

	o.log.Debug("guest image loaded", "path", path, "bytes", buf.Len())
	return Image{Bytes: buf.Bytes(), Source: path}, nil
}

// LoadOrBuild loads path, falling back to the built-in workload for arch
// when the file does not exist. Any other load error is returned.
func LoadOrBuild(path string, arch hv.CpuArchitecture, workload payload.Options, opts ...Option) (Image, error) {
	img, err := Load(path, opts...)
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return Image{}, err
	}

	o := buildOptions(opts)
	code, berr := payload.Build(arch, workload)
	if berr != nil {
		return Image{}, fmt.Errorf("loader: %s missing and no builtin workload: %w", path, berr)
	}
	o.log.Info("guest image not found, using builtin workload", "path", path, "arch", arch, "bytes", len(code))
	return Image{Bytes: code, Source: "builtin", Builtin: true}, nil
}
