package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"tractrec/internal/models"
)

// SaveOptions controls how a volume is written
type SaveOptions struct {
	// Datatype of the stored voxels; zero means float32
	Datatype Datatype

	// Clobber allows an existing file to be overwritten
	Clobber bool

	// Template is the header of the image the volume was derived from, if any
	Template *Header
}

// Exists reports whether path names an existing file
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Save writes vol to path, gzip-compressed when the name ends in .gz.
// An existing file is left untouched and ErrExists returned unless opts.Clobber is set.
func Save(path string, vol *models.Volume, opts SaveOptions) error {
	if !opts.Clobber && Exists(path) {
		log.WithField("file", path).Warn("File exists and clobber is not set, file not saved")
		return fmt.Errorf("%s: %w", path, ErrExists)
	}

	dt := opts.Datatype
	if dt == 0 {
		dt = Float32
	}

	h, err := newHeader(vol.Width, vol.Height, vol.Depth, vol.Frames, vol.Affine, dt, opts.Template)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	data, err := dt.encode(vol.Data)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	var w io.Writer = bw
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(bw)
		w = gz
	}

	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("failed to write header to %s: %w", path, err)
	}
	// empty extension flag
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write voxel data to %s: %w", path, err)
	}

	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("failed to finish gzip stream %s: %w", path, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}

	log.WithFields(log.Fields{
		"file":     path,
		"datatype": dt,
		"size":     humanize.Bytes(uint64(len(data) + dataOffset)),
	}).Debug("Saved image")

	return f.Close()
}
