package nifti

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"tractrec/internal/models"
)

var (
	// ErrExists is returned when an output file exists and overwriting was not requested
	ErrExists = errors.New("file exists and clobber is not set")

	// ErrShape is returned when images that must share a grid do not
	ErrShape = errors.New("image grids do not match")
)

// openMaybeGzip returns a reader over the decompressed contents of path
func openMaybeGzip(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if magic[0] != 0x1f || magic[1] != 0x8b {
		return &readCloser{Reader: br, closers: []io.Closer{f}}, nil
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
	}
	return &readCloser{Reader: gz, closers: []io.Closer{gz, f}}, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LoadHeader reads only the header of an image
func LoadHeader(path string) (*Header, error) {
	rc, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(rc, buf); err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	h, _, err := decodeHeader(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return h, nil
}

// Load reads an image into memory. Scaling (scl_slope, scl_inter) is applied.
func Load(path string) (*models.Volume, *Header, error) {
	rc, err := openMaybeGzip(path)
	if err != nil {
		return nil, nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	h, order, err := decodeHeader(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	width, height, depth, frames := h.Shape()
	vol := models.NewVolume(width, height, depth, frames, h.Affine())

	offset := int(h.VoxOffset)
	if offset < dataOffset {
		offset = dataOffset
	}
	if offset > len(raw) {
		return nil, nil, fmt.Errorf("%s: voxel offset %d beyond end of file", path, offset)
	}
	if err := Datatype(h.DataType).decode(raw[offset:], order, vol.Data); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	applyScaling(h, vol.Data)

	log.WithFields(log.Fields{
		"file":     path,
		"shape":    fmt.Sprintf("%dx%dx%dx%d", width, height, depth, frames),
		"datatype": Datatype(h.DataType),
		"size":     humanize.Bytes(uint64(len(raw))),
	}).Debug("Loaded image")

	return vol, h, nil
}

func applyScaling(h *Header, data []float64) {
	slope := float64(h.SclSlope)
	inter := float64(h.SclInter)
	if slope == 0 || (slope == 1 && inter == 0) {
		return
	}
	for i, v := range data {
		data[i] = v*slope + inter
	}
}
