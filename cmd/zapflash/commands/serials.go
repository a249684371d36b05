// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func SerialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "serials [DIR]",
		Short:        "Collect unique device serials from result CSVs",
		Long:         "Scan the result CSV files of past runs, write the unique ecc_serial values to\nsn.txt, and point out serials that show up in more than one file.",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			out, err := cmd.Flags().GetString("out")
			if err != nil {
				return err
			}

			serialFiles, err := collectSerials(dir)
			if err != nil {
				return err
			}

			serials := make([]string, 0, len(serialFiles))
			for serial := range serialFiles {
				serials = append(serials, serial)
			}
			sort.Strings(serials)

			outPath := filepath.Join(dir, out)
			if err := os.WriteFile(outPath, []byte(strings.Join(serials, "\n")+"\n"), 0644); err != nil {
				return err
			}
			fmt.Printf("Extracted %d unique serial(s) to %s\n", len(serials), outPath)

			duplicated := 0
			for _, serial := range serials {
				if len(serialFiles[serial]) > 1 {
					duplicated++
				}
			}
			if duplicated == 0 {
				fmt.Println("No serials appear in multiple files.")
				return nil
			}
			fmt.Printf("Serials appearing in multiple files (%d):\n", duplicated)
			for _, serial := range serials {
				files := serialFiles[serial]
				if len(files) <= 1 {
					continue
				}
				sort.Strings(files)
				fmt.Printf("  %s:\n", serial)
				for _, file := range files {
					fmt.Printf("    - %s\n", file)
				}
			}
			return nil
		},
	}

	cmd.Flags().String("out", "sn.txt", "name of the output file")
	return cmd
}

// collectSerials maps every ecc_serial found in the directory's CSV files to
// the files it appears in.
func collectSerials(dir string) (map[string][]string, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}

	serialFiles := map[string][]string{}
	for _, path := range paths {
		serials, err := readSerialColumn(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		name := filepath.Base(path)
		for serial := range serials {
			serialFiles[serial] = append(serialFiles[serial], name)
		}
	}
	return serialFiles, nil
}

func readSerialColumn(path string) (map[string]struct{}, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	column := -1
	for i, name := range header {
		if name == "ecc_serial" {
			column = i
			break
		}
	}
	if column < 0 {
		// Not one of ours; skip it.
		return nil, nil
	}

	serials := map[string]struct{}{}
	for {
		row, err := reader.Read()
		if err == io.EOF {
			return serials, nil
		}
		if err != nil {
			return nil, err
		}
		if column < len(row) && row[column] != "" {
			serials[row[column]] = struct{}{}
		}
	}
}
