package imgrec

import (
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/kybfarm/hsi/cube"
	"github.com/kybfarm/hsi/fault"
)

// FrameNames lists the frames of a scan folder.  The manifest order, which
// is the capture order, is used when scan.json exists; otherwise the
// X*_Z*.png files are taken in name order.
func FrameNames(fldr string) ([]string, error) {
	if m, err := ReadManifest(fldr); err == nil && len(m.Frames) > 0 {
		names := make([]string, len(m.Frames))
		for i, f := range m.Frames {
			names[i] = f.Name
		}
		return names, nil
	}
	entries, err := os.ReadDir(fldr)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if !e.IsDir() && strings.HasPrefix(n, "X") && strings.HasSuffix(n, ".png") {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadGray decodes a PNG into an 8-bit grayscale image
func ReadGray(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, err
	}
	if g, ok := img.(*image.Gray); ok {
		return g, nil
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g, nil
}

// Replay rebuilds the cube of a previously recorded scan from its frames
// and writes it into the same folder.  It is the offline stand-in for a
// live scan.
func (r *Recorder) Replay(fldr string) (*cube.Cube, error) {
	names, err := FrameNames(fldr)
	if err != nil {
		return nil, fault.Wrap(fault.ConfigurationError, "imgrec.Replay", fmt.Sprintf("reading scan folder %s", fldr), err)
	}
	asm := cube.NewAssembler(r.Cube.BinSize)
	for _, n := range names {
		img, err := ReadGray(filepath.Join(fldr, n))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", n, err)
		}
		cropped, err := cube.Crop(img, r.Cube.Window())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", n, err)
		}
		if err := asm.AddFrame(cropped); err != nil {
			return nil, fmt.Errorf("%s: %w", n, err)
		}
	}
	c, err := asm.Build()
	if err != nil {
		return nil, err
	}
	m, err := ReadManifest(fldr)
	if err != nil {
		m = Manifest{ID: filepath.Base(fldr), State: "completed"}
		for _, n := range names {
			m.Frames = append(m.Frames, FrameEntry{Name: n})
		}
	}
	if err := r.finish(fldr, c, m.ID, &m); err != nil {
		return c, err
	}
	r.Logger.Printf("replayed %d frames from %s into %v", len(names), fldr, c)
	return c, writeManifest(fldr, m)
}
