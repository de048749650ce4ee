// Package syncreport matches frames across cameras after a recording by
// reading the chunk metadata logs written next to each camera's segments.
package syncreport

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const recordLines = 11

// ErrNoLogs is returned when a directory holds no metadata logs
var ErrNoLogs = errors.New("syncreport: no metadata logs found")

// CameraLog maps the physical frame id of one camera to its capture index.
// The physical id is the chunk frame id minus the lowest logged chunk id,
// which is not always the first record when frames are delivered newest first.
type CameraLog struct {
	Serial      string
	Path        string
	BaseChunkID int64
	Frames      map[int64]int
}

// ParseLog reads one Log<serial>.txt stream
func ParseLog(r io.Reader) (CameraLog, error) {
	log := CameraLog{Frames: make(map[int64]int)}
	chunks := make(map[int64]int)

	scanner := bufio.NewScanner(r)
	var record []string
	flush := func() error {
		index, err := field(record[0], 2)
		if err != nil {
			return fmt.Errorf("frame index: %w", err)
		}
		chunk, err := field(record[2], 2)
		if err != nil {
			return fmt.Errorf("chunk frame id: %w", err)
		}
		if len(chunks) == 0 || chunk < log.BaseChunkID {
			log.BaseChunkID = chunk
		}
		chunks[chunk] = int(index)
		return nil
	}

	line := 0
	for scanner.Scan() {
		line++
		record = append(record, scanner.Text())
		if len(record) == recordLines {
			if err := flush(); err != nil {
				return log, fmt.Errorf("record ending at line %d: %w", line, err)
			}
			record = record[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return log, err
	}
	// a trailing partial record is what a crash mid-write leaves behind
	for chunk, index := range chunks {
		log.Frames[chunk-log.BaseChunkID] = index
	}
	return log, nil
}

func field(line string, n int) (int64, error) {
	fields := strings.Fields(line)
	if len(fields) <= n {
		return 0, fmt.Errorf("malformed line %q", line)
	}
	return strconv.ParseInt(fields[n], 10, 64)
}

// SerialFromLogName returns the serial of a Log<serial>.txt file name
func SerialFromLogName(name string) (string, bool) {
	if !strings.HasPrefix(name, "Log") || !strings.HasSuffix(name, ".txt") {
		return "", false
	}
	serial := strings.TrimSuffix(strings.TrimPrefix(name, "Log"), ".txt")
	return serial, serial != ""
}

// FindLogs walks dir and parses every metadata log in it
func FindLogs(dir string) ([]CameraLog, error) {
	var logs []CameraLog
	seen := make(map[string]string)

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		serial, ok := SerialFromLogName(d.Name())
		if !ok {
			return nil
		}
		if prev, dup := seen[serial]; dup {
			return fmt.Errorf("syncreport: camera %s logged twice: %s and %s", serial, prev, path)
		}
		seen[serial] = path

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		log, err := ParseLog(f)
		if err != nil {
			return fmt.Errorf("syncreport: %s: %w", path, err)
		}
		log.Serial = serial
		log.Path = path
		logs = append(logs, log)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(logs) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoLogs, dir)
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].Serial < logs[j].Serial })
	return logs, nil
}

// CameraSummary describes how one camera contributed to the synced set
type CameraSummary struct {
	Serial string
	Frames int
	// Dropped counts the gaps in the camera's own physical id sequence
	Dropped int
	// Unsynced counts recorded frames missing on at least one other camera
	Unsynced int
}

// Report is the outcome of matching a session
type Report struct {
	Cameras []CameraSummary
	// Synced holds the physical ids present on every camera, ascending
	Synced []int64

	logs []CameraLog
}

// Build intersects the physical ids of every camera
func Build(logs []CameraLog) *Report {
	r := &Report{logs: logs}
	if len(logs) == 0 {
		return r
	}

	for id := range logs[0].Frames {
		everywhere := true
		for _, l := range logs[1:] {
			if _, ok := l.Frames[id]; !ok {
				everywhere = false
				break
			}
		}
		if everywhere {
			r.Synced = append(r.Synced, id)
		}
	}
	sort.Slice(r.Synced, func(i, j int) bool { return r.Synced[i] < r.Synced[j] })

	for _, l := range logs {
		var last int64 = -1
		for id := range l.Frames {
			if id > last {
				last = id
			}
		}
		r.Cameras = append(r.Cameras, CameraSummary{
			Serial:   l.Serial,
			Frames:   len(l.Frames),
			Dropped:  int(last+1) - len(l.Frames),
			Unsynced: len(l.Frames) - len(r.Synced),
		})
	}
	return r
}

// Generate finds and matches the metadata logs below dir
func Generate(dir string) (*Report, error) {
	logs, err := FindLogs(dir)
	if err != nil {
		return nil, err
	}
	return Build(logs), nil
}

// WriteCSV writes one row per synced frame with the capture index of every camera
func (r *Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	header := []string{"physical_id"}
	for _, l := range r.logs {
		header = append(header, l.Serial)
	}
	if err := cw.Write(header); err != nil {
		return err
	}

	row := make([]string, len(header))
	for _, id := range r.Synced {
		row[0] = strconv.FormatInt(id, 10)
		for i, l := range r.logs {
			row[i+1] = strconv.Itoa(l.Frames[id])
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
