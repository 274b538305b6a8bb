package data

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/accessvision/tilenet/tensor"
)

// Per-channel normalization constants for RGB tiles, matching the
// statistics the pretrained backbones were trained with.
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// FolderDataset reads tiles from a class-per-subdirectory layout:
//
//	root/curb_cut/0001.png
//	root/ramp/0042.jpg
//
// Subdirectory names become class labels in sorted order. Images decode
// lazily on Get, resized to size x size and normalized to CHW float32.
type FolderDataset struct {
	paths   []string
	labels  []int
	classes []string
	size    int
}

// NewFolderDataset scans root for class subdirectories and their images.
func NewFolderDataset(root string, size int) (*FolderDataset, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset root: %w", err)
	}
	var classes []string
	for _, e := range entries {
		if e.IsDir() {
			classes = append(classes, e.Name())
		}
	}
	if len(classes) < 2 {
		return nil, fmt.Errorf("dataset root %s has %d class directories, need at least 2", root, len(classes))
	}
	sort.Strings(classes)

	ds := &FolderDataset{classes: classes, size: size}
	for classIdx, class := range classes {
		files, err := os.ReadDir(filepath.Join(root, class))
		if err != nil {
			return nil, fmt.Errorf("failed to read class directory %s: %w", class, err)
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(f.Name())) {
			case ".png", ".jpg", ".jpeg":
				ds.paths = append(ds.paths, filepath.Join(root, class, f.Name()))
				ds.labels = append(ds.labels, classIdx)
			}
		}
	}
	if len(ds.paths) == 0 {
		return nil, fmt.Errorf("dataset root %s contains no images", root)
	}
	return ds, nil
}

func (d *FolderDataset) Len() int             { return len(d.paths) }
func (d *FolderDataset) ClassNames() []string { return d.classes }

// ClassDistribution counts records per class.
func (d *FolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.classes))
	for _, label := range d.labels {
		dist[d.classes[label]]++
	}
	return dist
}

func (d *FolderDataset) Get(index int) (*tensor.Tensor, int, error) {
	if index < 0 || index >= len(d.paths) {
		return nil, 0, fmt.Errorf("folder index %d out of range [0, %d)", index, len(d.paths))
	}
	f, err := os.Open(d.paths[index])
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open %s: %w", d.paths[index], err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode %s: %w", d.paths[index], err)
	}
	t, err := imageToTensor(img, d.size)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to convert %s: %w", d.paths[index], err)
	}
	return t, d.labels[index], nil
}

// imageToTensor resizes with nearest-neighbor sampling and normalizes to
// CHW float32.
func imageToTensor(img image.Image, size int) (*tensor.Tensor, error) {
	out, err := tensor.Zeros(3, size, size)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	plane := size * size
	for y := 0; y < size; y++ {
		srcY := bounds.Min.Y + y*h/size
		for x := 0; x < size; x++ {
			srcX := bounds.Min.X + x*w/size
			r, g, b, _ := img.At(srcX, srcY).RGBA()
			idx := y*size + x
			out.Data[idx] = (float32(r)/65535.0 - channelMean[0]) / channelStd[0]
			out.Data[plane+idx] = (float32(g)/65535.0 - channelMean[1]) / channelStd[1]
			out.Data[2*plane+idx] = (float32(b)/65535.0 - channelMean[2]) / channelStd[2]
		}
	}
	return out, nil
}
