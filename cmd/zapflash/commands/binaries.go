// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// ImageKind names the conventional role of a firmware image file.
type ImageKind string

const (
	ImageBootloader     ImageKind = "bootloader"
	ImagePartitionTable ImageKind = "partition-table"
	ImageOTAData        ImageKind = "ota-data"
	ImageApplication    ImageKind = "application"
)

// Conventional ESP32-C3 IDF flash offsets.
const (
	offsetBootloader     = 0x0
	offsetPartitionTable = 0x8000
	offsetOTAData        = 0xe000
	offsetApplication    = 0x10000
)

// applicationNames are tried in order of preference.
var applicationNames = []string{"fw_controller.bin", "zap-idf.bin", "firmware.bin", "app.bin"}

// Image is one firmware file with its target flash offset.
type Image struct {
	Kind   ImageKind `json:"kind"`
	Offset int64     `json:"offset"`
	Path   string    `json:"path"`
	Size   int64     `json:"size"`
}

// BinarySet is the resolved, immutable collection of images for a run,
// ordered by flash offset.
type BinarySet struct {
	Label   string
	Images  []Image
	Missing []ImageKind
}

// ResolutionError means no usable firmware images were found.
type ResolutionError struct {
	Searched  []string
	Available []string
}

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("no firmware images found in: %s", strings.Join(e.Searched, ", "))
	if len(e.Available) > 0 {
		msg += fmt.Sprintf(" (saw: %s)", strings.Join(e.Available, ", "))
	}
	return msg + "\nuse --dir, --project or --files to point at a build output"
}

// ResolveBinaries locates the firmware image set. Precedence: an explicit
// directory, the conventional build directory of a sibling project, the
// default_fw directory, then the current directory. A missing bootloader or
// partition table is reported in Missing rather than failing the run, since
// merged single-image builds are a thing; a missing application image is not
// negotiable.
func ResolveBinaries(dir string, project string) (*BinarySet, error) {
	var candidates []struct{ dir, label string }
	switch {
	case dir != "":
		candidates = append(candidates, struct{ dir, label string }{dir, filepath.Base(filepath.Clean(dir))})
	case project != "":
		candidates = append(candidates, struct{ dir, label string }{filepath.Join("..", project, "build"), project})
	default:
		candidates = append(candidates,
			struct{ dir, label string }{"default_fw", "default_fw"},
			struct{ dir, label string }{".", "current_dir"},
		)
	}

	var searched []string
	for _, candidate := range candidates {
		if stat, err := os.Stat(candidate.dir); err != nil || !stat.IsDir() {
			searched = append(searched, candidate.dir)
			continue
		}
		set, err := detectImages(candidate.dir)
		if err != nil {
			var resolution *ResolutionError
			if !errors.As(err, &resolution) {
				// Images were found but are unusable (unreadable, overlapping
				// offsets); trying further directories would hide the problem.
				return nil, err
			}
			searched = append(searched, candidate.dir)
			continue
		}
		set.Label = candidate.label
		return set, nil
	}

	return nil, &ResolutionError{Searched: searched, Available: listBinFiles(searched)}
}

func detectImages(dir string) (*BinarySet, error) {
	find := func(name string, subdirs ...string) (string, bool) {
		for _, sub := range subdirs {
			path := filepath.Join(dir, sub, name)
			if stat, err := os.Stat(path); err == nil && !stat.IsDir() {
				return path, true
			}
		}
		return "", false
	}

	var images []Image
	var missing []ImageKind

	add := func(kind ImageKind, offset int64, path string) error {
		stat, err := os.Stat(path)
		if err != nil {
			return err
		}
		images = append(images, Image{Kind: kind, Offset: offset, Path: path, Size: stat.Size()})
		return nil
	}

	// Bootloader and partition table live in subdirectories in an IDF build
	// tree, next to the app in flat layouts.
	if path, ok := find("bootloader.bin", ".", "bootloader"); ok {
		if err := add(ImageBootloader, offsetBootloader, path); err != nil {
			return nil, err
		}
	} else {
		missing = append(missing, ImageBootloader)
	}
	if path, ok := find("partition-table.bin", ".", "partition_table"); ok {
		if err := add(ImagePartitionTable, offsetPartitionTable, path); err != nil {
			return nil, err
		}
	} else {
		missing = append(missing, ImagePartitionTable)
	}
	if path, ok := find("ota_data_initial.bin", "."); ok {
		if err := add(ImageOTAData, offsetOTAData, path); err != nil {
			return nil, err
		}
	}

	found := false
	for _, name := range applicationNames {
		if path, ok := find(name, "."); ok {
			if err := add(ImageApplication, offsetApplication, path); err != nil {
				return nil, err
			}
			found = true
			break
		}
	}
	if !found {
		return nil, &ResolutionError{Searched: []string{dir}, Available: listBinFiles([]string{dir})}
	}

	set := &BinarySet{Images: images, Missing: missing}
	if err := set.checkOverlap(); err != nil {
		return nil, err
	}
	return set, nil
}

// ParseImageArgs builds a BinarySet from explicit offset:path arguments,
// e.g. "0x0:bootloader.bin". This bypasses detection entirely.
func ParseImageArgs(specs []string) (*BinarySet, error) {
	var images []Image
	for _, spec := range specs {
		offsetStr, path, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("invalid image spec '%s', expected offset:path (e.g. 0x10000:app.bin)", spec)
		}
		offset, err := strconv.ParseInt(offsetStr, 0, 64)
		if err != nil || offset < 0 {
			return nil, fmt.Errorf("invalid flash offset '%s' in '%s'", offsetStr, spec)
		}
		stat, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("flash file not found: %s", path)
		}
		images = append(images, Image{Kind: kindForOffset(offset), Offset: offset, Path: path, Size: stat.Size()})
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("no images given")
	}

	set := &BinarySet{Label: "manual", Images: images}
	if err := set.checkOverlap(); err != nil {
		return nil, err
	}
	return set, nil
}

func kindForOffset(offset int64) ImageKind {
	switch offset {
	case offsetBootloader:
		return ImageBootloader
	case offsetPartitionTable:
		return ImagePartitionTable
	case offsetOTAData:
		return ImageOTAData
	default:
		return ImageApplication
	}
}

// checkOverlap sorts the images by offset and rejects sets where an image
// would be written over the start of the next one.
func (b *BinarySet) checkOverlap() error {
	sort.Slice(b.Images, func(i, j int) bool { return b.Images[i].Offset < b.Images[j].Offset })
	for i := 1; i < len(b.Images); i++ {
		prev, next := b.Images[i-1], b.Images[i]
		if prev.Offset == next.Offset {
			return fmt.Errorf("images '%s' and '%s' share flash offset 0x%x", prev.Path, next.Path, prev.Offset)
		}
		if prev.Offset+prev.Size > next.Offset {
			return fmt.Errorf("image '%s' (0x%x, %d bytes) overlaps '%s' at 0x%x",
				prev.Path, prev.Offset, prev.Size, next.Path, next.Offset)
		}
	}
	return nil
}

func listBinFiles(dirs []string) []string {
	var res []string
	for _, dir := range dirs {
		filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err == nil && !info.IsDir() && strings.HasSuffix(path, ".bin") {
				res = append(res, path)
			}
			return nil
		})
	}
	return res
}
