package nifti

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"tractrec/internal/models"
)

// SliceReader reads single z-slices of an image without holding the whole
// volume in memory. Compressed inputs are expanded into a private temporary
// file that is removed by Close; the input itself is never modified.
type SliceReader struct {
	Header *Header

	path  string
	file  *os.File
	temp  string
	order binary.ByteOrder

	width, height, depth, frames int
	offset                       int64
	size                         int
}

// OpenSlices prepares path for slice-wise reading
func OpenSlices(path string) (*SliceReader, error) {
	rc, err := openMaybeGzip(path)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(rc, buf); err != nil {
		rc.Close()
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	h, order, err := decodeHeader(buf)
	if err != nil {
		rc.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	size, _ := Datatype(h.DataType).Size()

	sr := &SliceReader{Header: h, path: path, order: order, size: size}
	sr.width, sr.height, sr.depth, sr.frames = h.Shape()
	sr.offset = int64(h.VoxOffset)
	if sr.offset < dataOffset {
		sr.offset = dataOffset
	}

	// Expand compressed data so slices can be read at arbitrary offsets
	if isGzip(path) {
		tmp, err := os.CreateTemp("", "tractrec-slices-*.nii")
		if err != nil {
			rc.Close()
			return nil, fmt.Errorf("failed to create temporary file: %w", err)
		}
		if _, err := tmp.Write(buf); err == nil {
			_, err = io.Copy(tmp, rc)
		}
		rc.Close()
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return nil, fmt.Errorf("failed to expand %s: %w", path, err)
		}
		log.WithFields(log.Fields{"file": path, "temp": tmp.Name()}).Debug("Expanded compressed image for slice access")
		sr.file = tmp
		sr.temp = tmp.Name()
		return sr, nil
	}

	rc.Close()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sr.file = f
	return sr, nil
}

func isGzip(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	magic := make([]byte, 2)
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	return magic[0] == 0x1f && magic[1] == 0x8b
}

// Shape returns the spatial grid and number of frames
func (sr *SliceReader) Shape() (width, height, depth, frames int) {
	return sr.width, sr.height, sr.depth, sr.frames
}

// Volume allocates an empty full-size volume with this image's grid and affine
func (sr *SliceReader) Volume(frames int) *models.Volume {
	return models.NewVolume(sr.width, sr.height, sr.depth, frames, sr.Header.Affine())
}

// ReadSlice returns z-slice z of frame t as a volume of depth 1
func (sr *SliceReader) ReadSlice(z, t int) (*models.Volume, error) {
	if z < 0 || z >= sr.depth || t < 0 || t >= sr.frames {
		return nil, fmt.Errorf("slice %d frame %d out of range for %s", z, t, sr.path)
	}
	plane := sr.width * sr.height
	voxels := plane * sr.depth
	start := sr.offset + int64((t*voxels+z*plane)*sr.size)

	raw := make([]byte, plane*sr.size)
	if _, err := sr.file.ReadAt(raw, start); err != nil {
		return nil, fmt.Errorf("failed to read slice %d of %s: %w", z, sr.path, err)
	}

	full := sr.Header.Affine()
	for r := 0; r < 3; r++ {
		full.Set(r, 3, full.At(r, 3)+full.At(r, 2)*float64(z))
	}
	out := models.NewVolume(sr.width, sr.height, 1, 1, full)
	if err := Datatype(sr.Header.DataType).decode(raw, sr.order, out.Data); err != nil {
		return nil, err
	}
	applyScaling(sr.Header, out.Data)
	return out, nil
}

// Close releases the file and removes any temporary expansion
func (sr *SliceReader) Close() error {
	err := sr.file.Close()
	if sr.temp != "" {
		if rmErr := os.Remove(sr.temp); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
