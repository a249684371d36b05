// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeBin(t *testing.T, dir string, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func Test_resolveBinariesIDFLayout(t *testing.T) {
	dir := t.TempDir()
	writeBin(t, dir, "bootloader/bootloader.bin", 0x5000)
	writeBin(t, dir, "partition_table/partition-table.bin", 0xc00)
	writeBin(t, dir, "ota_data_initial.bin", 0x2000)
	writeBin(t, dir, "zap-idf.bin", 0x80000)

	set, err := ResolveBinaries(dir, "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), set.Label)
	assert.Empty(t, set.Missing)

	require.Len(t, set.Images, 4)
	assert.Equal(t, ImageBootloader, set.Images[0].Kind)
	assert.Equal(t, int64(0x0), set.Images[0].Offset)
	assert.Equal(t, ImagePartitionTable, set.Images[1].Kind)
	assert.Equal(t, int64(0x8000), set.Images[1].Offset)
	assert.Equal(t, ImageOTAData, set.Images[2].Kind)
	assert.Equal(t, int64(0xe000), set.Images[2].Offset)
	assert.Equal(t, ImageApplication, set.Images[3].Kind)
	assert.Equal(t, int64(0x10000), set.Images[3].Offset)
	assert.Equal(t, int64(0x80000), set.Images[3].Size)
}

func Test_resolveBinariesFlatLayout(t *testing.T) {
	dir := t.TempDir()
	writeBin(t, dir, "bootloader.bin", 0x5000)
	writeBin(t, dir, "partition-table.bin", 0xc00)
	writeBin(t, dir, "firmware.bin", 0x40000)

	set, err := ResolveBinaries(dir, "")
	require.NoError(t, err)
	require.Len(t, set.Images, 3)
	assert.Equal(t, ImageApplication, set.Images[2].Kind)
}

func Test_resolveBinariesApplicationNamePreference(t *testing.T) {
	dir := t.TempDir()
	writeBin(t, dir, "app.bin", 16)
	writeBin(t, dir, "fw_controller.bin", 32)

	set, err := ResolveBinaries(dir, "")
	require.NoError(t, err)
	require.Len(t, set.Images, 1)
	assert.Equal(t, "fw_controller.bin", filepath.Base(set.Images[0].Path))
}

func Test_resolveBinariesMergedImage(t *testing.T) {
	// Some build layouts produce a single merged image; the absence of a
	// bootloader and partition table is a warning, not a failure.
	dir := t.TempDir()
	writeBin(t, dir, "firmware.bin", 0x100000)

	set, err := ResolveBinaries(dir, "")
	require.NoError(t, err)
	require.Len(t, set.Images, 1)
	assert.ElementsMatch(t, []ImageKind{ImageBootloader, ImagePartitionTable}, set.Missing)
}

func Test_resolveBinariesNothingFound(t *testing.T) {
	dir := t.TempDir()
	writeBin(t, dir, "notes.txt", 4)
	writeBin(t, dir, "random.bin", 4)

	_, err := ResolveBinaries(dir, "")
	var resolution *ResolutionError
	require.ErrorAs(t, err, &resolution)
	assert.Contains(t, resolution.Searched, dir)
	assert.Contains(t, err.Error(), "random.bin")
}

func Test_resolveBinariesProjectConvention(t *testing.T) {
	root := t.TempDir()
	build := filepath.Join(root, "widget", "build")
	writeBin(t, build, "app.bin", 64)

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(filepath.Join(root, "widget")))
	t.Cleanup(func() { os.Chdir(cwd) })

	set, err := ResolveBinaries("", "widget")
	require.NoError(t, err)
	assert.Equal(t, "widget", set.Label)
	require.Len(t, set.Images, 1)
}

func Test_resolveBinariesOverlapRejected(t *testing.T) {
	dir := t.TempDir()
	// A bootloader that would run past the partition table's offset.
	writeBin(t, dir, "bootloader.bin", 0x9000)
	writeBin(t, dir, "partition-table.bin", 0xc00)
	writeBin(t, dir, "app.bin", 64)

	_, err := ResolveBinaries(dir, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "overlaps")
}

func Test_parseImageArgs(t *testing.T) {
	dir := t.TempDir()
	bootloader := writeBin(t, dir, "bootloader.bin", 0x4000)
	app := writeBin(t, dir, "app.bin", 0x1000)

	set, err := ParseImageArgs([]string{
		fmt.Sprintf("0x10000:%s", app),
		fmt.Sprintf("0x0:%s", bootloader),
	})
	require.NoError(t, err)
	require.Len(t, set.Images, 2)
	assert.Equal(t, int64(0x0), set.Images[0].Offset, "images are ordered by offset")
	assert.Equal(t, ImageBootloader, set.Images[0].Kind)
	assert.Equal(t, ImageApplication, set.Images[1].Kind)

	tests := []struct {
		name  string
		specs []string
	}{
		{name: "missing separator", specs: []string{"bootloader.bin"}},
		{name: "bad offset", specs: []string{"xyz:" + app}},
		{name: "negative offset", specs: []string{"-4:" + app}},
		{name: "missing file", specs: []string{"0x0:" + filepath.Join(dir, "nope.bin")}},
		{name: "duplicate offset", specs: []string{"0x0:" + app, "0x0:" + bootloader}},
		{name: "empty", specs: nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := ParseImageArgs(test.specs)
			assert.Error(t, err)
		})
	}
}
