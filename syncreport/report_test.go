package syncreport

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(index int, chunk int64) string {
	return fmt.Sprintf("Frame ID %d\n"+
		"\tExposure time: 10000\n"+
		"\tFrame ID: %d\n"+
		"\tGain: 0\n"+
		"\tHeight: 1024\n"+
		"\tWidth: 1280\n"+
		"\tOffset X: 0\n"+
		"\tOffset Y: 0\n"+
		"\tSequencer set active: 0\n"+
		"\tTimestamp: 1.5\n"+
		"\n", index, chunk)
}

func writeLog(t *testing.T, dir, serial string, records ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Log"+serial+".txt"), []byte(strings.Join(records, "")), 0644))
}

// TestParseLog tests physical id extraction
func TestParseLog(t *testing.T) {
	log, err := ParseLog(strings.NewReader(record(0, 100) + record(2, 101) + record(3, 103) + "Frame ID 4\n\tExposure"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), log.BaseChunkID)
	assert.Equal(t, map[int64]int{0: 0, 1: 2, 3: 3}, log.Frames)
}

// TestParseLogNewestFirst tests that ids are based on the lowest chunk id, not the first record
func TestParseLogNewestFirst(t *testing.T) {
	log, err := ParseLog(strings.NewReader(record(0, 205) + record(1, 201) + record(2, 202) + record(3, 204)))
	require.NoError(t, err)
	assert.Equal(t, int64(201), log.BaseChunkID)
	assert.Equal(t, map[int64]int{0: 1, 1: 2, 3: 3, 4: 0}, log.Frames)

	r := Build([]CameraLog{log})
	require.Len(t, r.Cameras, 1)
	assert.Equal(t, 1, r.Cameras[0].Dropped)
	assert.Equal(t, []int64{0, 1, 3, 4}, r.Synced)
}

// TestParseLogMalformed tests that a broken record is reported
func TestParseLogMalformed(t *testing.T) {
	bad := strings.Replace(record(0, 10), "\tFrame ID: 10", "\tFrame ID:", 1)
	_, err := ParseLog(strings.NewReader(bad))
	assert.Error(t, err)
}

// TestSerialFromLogName tests log name recognition
func TestSerialFromLogName(t *testing.T) {
	serial, ok := SerialFromLogName("Log18565847.txt")
	assert.True(t, ok)
	assert.Equal(t, "18565847", serial)

	for _, name := range []string{"Log.txt", "SaveToAvi-MJPG-A-000.avi", "test.txt", "LogA.csv"} {
		_, ok := SerialFromLogName(name)
		assert.False(t, ok, name)
	}
}

// TestGenerate tests matching a session with per-camera subdirectories
func TestGenerate(t *testing.T) {
	root := t.TempDir()
	// A sees everything, B dropped physical 2, C started one pulse late
	writeLog(t, filepath.Join(root, "A"), "A", record(0, 50), record(1, 51), record(2, 52), record(3, 53))
	writeLog(t, filepath.Join(root, "B"), "B", record(0, 7), record(1, 8), record(3, 10))
	writeLog(t, filepath.Join(root, "C"), "C", record(0, 900), record(1, 901), record(2, 902), record(3, 903))

	r, err := Generate(root)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 3}, r.Synced)

	require.Len(t, r.Cameras, 3)
	assert.Equal(t, CameraSummary{Serial: "A", Frames: 4, Dropped: 0, Unsynced: 1}, r.Cameras[0])
	assert.Equal(t, CameraSummary{Serial: "B", Frames: 3, Dropped: 1, Unsynced: 0}, r.Cameras[1])
	assert.Equal(t, CameraSummary{Serial: "C", Frames: 4, Dropped: 0, Unsynced: 1}, r.Cameras[2])

	var buf bytes.Buffer
	require.NoError(t, r.WriteCSV(&buf))
	assert.Equal(t, "physical_id,A,B,C\n0,0,0,0\n1,1,1,1\n3,3,3,3\n", buf.String())
}

// TestGenerateNoLogs tests an empty session directory
func TestGenerateNoLogs(t *testing.T) {
	_, err := Generate(t.TempDir())
	assert.True(t, errors.Is(err, ErrNoLogs))
}

// TestGenerateDuplicateSerial tests that a camera logged in two places is refused
func TestGenerateDuplicateSerial(t *testing.T) {
	root := t.TempDir()
	writeLog(t, filepath.Join(root, "x"), "A", record(0, 1))
	writeLog(t, filepath.Join(root, "y"), "A", record(0, 1))

	_, err := Generate(root)
	assert.Error(t, err)
}
