// Copyright (C) 2024 Zapline ApS. All rights reserved.
// Use of this source code is governed by an MIT-style license that can be
// found in the LICENSE file.

package commands

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"
)

// DeviceAttempt is the full record of one flash-extract pass over one
// physical device. Exactly one is appended per device, failed or not.
type DeviceAttempt struct {
	Seq             int       `json:"seq"`
	RunID           string    `json:"run_id"`
	Port            string    `json:"port"`
	FlashOK         bool      `json:"flash_ok"`
	State           string    `json:"state"`
	Identity        *Identity `json:"identity,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	Lines           []string  `json:"lines,omitempty"`
	Warnings        []string  `json:"warnings,omitempty"`
	Error           string    `json:"error,omitempty"`
	FlashStart      time.Time `json:"flash_start"`
	FlashEnd        time.Time `json:"flash_end"`
	ExtractEnd      time.Time `json:"extract_end"`
}

var csvHeader = []string{"ecc_serial", "public_keys"}

// ResultLog is the session's durable output: a CSV with one row per device
// that yielded a complete identity, and a JSON-lines audit trail with every
// attempt. Both are append-only and synced after every device, so a crash
// loses at most the in-flight attempt.
type ResultLog struct {
	RunID    string
	CSVPath  string
	JSONPath string

	csvFile   *os.File
	csvWriter *csv.Writer
	jsonFile  *os.File
	lastSeq   int
}

// OpenResultLog creates (or reopens, after a crash) the pair of result files
// for a run. The timestamped name keeps separate runs in separate files.
func OpenResultLog(dir string, label string, runID string, start time.Time) (*ResultLog, error) {
	base := "flash_results"
	if label != "" && label != "." {
		base = sanitizeLabel(label) + "_flash_results"
	}
	base = fmt.Sprintf("%s_%s", base, start.Format("20060102_150405"))

	log := &ResultLog{
		RunID:    runID,
		CSVPath:  filepath.Join(dir, base+".csv"),
		JSONPath: filepath.Join(dir, base+".json"),
	}

	jsonFile, err := os.OpenFile(log.JSONPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open result log: %w", err)
	}
	log.jsonFile = jsonFile

	// On reopen, trust what is already on disk and continue behind it.
	recorded, err := ReadAttempts(log.JSONPath)
	if err != nil {
		jsonFile.Close()
		return nil, err
	}
	for _, attempt := range recorded {
		if attempt.Seq > log.lastSeq {
			log.lastSeq = attempt.Seq
		}
	}

	csvFile, err := os.OpenFile(log.CSVPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		jsonFile.Close()
		return nil, fmt.Errorf("failed to open result log: %w", err)
	}
	log.csvFile = csvFile
	log.csvWriter = csv.NewWriter(csvFile)

	if stat, err := csvFile.Stat(); err == nil && stat.Size() == 0 {
		log.csvWriter.Write(csvHeader)
		log.csvWriter.Flush()
		if err := log.csvWriter.Error(); err != nil {
			log.Close()
			return nil, err
		}
	}
	return log, nil
}

// NextSeq is the sequence number the next appended attempt must carry.
func (l *ResultLog) NextSeq() int {
	return l.lastSeq + 1
}

// Append writes one attempt to both views and syncs them before returning.
// An attempt whose sequence number is already on disk is dropped, so a
// replay after a crash-and-restart cannot duplicate rows. Any write error
// here is fatal to the run; silently losing production records is worse
// than stopping the line.
func (l *ResultLog) Append(attempt *DeviceAttempt) error {
	if attempt.Seq <= l.lastSeq {
		return nil
	}
	if attempt.Seq != l.lastSeq+1 {
		return fmt.Errorf("attempt sequence jumped from %d to %d", l.lastSeq, attempt.Seq)
	}
	attempt.RunID = l.RunID

	line, err := json.Marshal(attempt)
	if err != nil {
		return err
	}
	if _, err := l.jsonFile.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", l.JSONPath, err)
	}
	if err := l.jsonFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", l.JSONPath, err)
	}

	if attempt.Identity != nil {
		l.csvWriter.Write([]string{attempt.Identity.SerialNumber, attempt.Identity.PublicKey})
		l.csvWriter.Flush()
		if err := l.csvWriter.Error(); err != nil {
			return fmt.Errorf("failed to append to %s: %w", l.CSVPath, err)
		}
		if err := l.csvFile.Sync(); err != nil {
			return fmt.Errorf("failed to sync %s: %w", l.CSVPath, err)
		}
	}

	l.lastSeq = attempt.Seq
	return nil
}

func (l *ResultLog) Close() error {
	var firstErr error
	if l.csvFile != nil {
		l.csvWriter.Flush()
		if err := l.csvWriter.Error(); err != nil {
			firstErr = err
		}
		if err := l.csvFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if l.jsonFile != nil {
		if err := l.jsonFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ReadAttempts loads a JSON-lines audit trail back into memory.
func ReadAttempts(path string) ([]DeviceAttempt, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var attempts []DeviceAttempt
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var attempt DeviceAttempt
		if err := json.Unmarshal(scanner.Bytes(), &attempt); err != nil {
			// A torn trailing line from a crash mid-write; everything before
			// it is intact.
			break
		}
		attempts = append(attempts, attempt)
	}
	return attempts, scanner.Err()
}

var labelCleaner = regexp.MustCompile(`[^\w-]`)

func sanitizeLabel(label string) string {
	return labelCleaner.ReplaceAllString(label, "_")
}
