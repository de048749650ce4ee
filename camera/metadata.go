package camera

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"multicam-recorder/device"
)

// MetadataFileName returns the chunk metadata log name of a camera
func MetadataFileName(serial string) string {
	return "Log" + serial + ".txt"
}

type metadataRecord struct {
	index int
	frame device.Frame // payload stripped
}

// MetadataLog writes one 11-line record per complete frame. Records are
// formatted and written on a separate goroutine so the capture loop only
// pays for a channel send.
type MetadataLog struct {
	file    *os.File
	w       *bufio.Writer
	records chan metadataRecord
	done    chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// OpenMetadataLog creates <dir>/Log<serial>.txt
func OpenMetadataLog(dir, serial string) (*MetadataLog, error) {
	path := filepath.Join(dir, MetadataFileName(serial))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("open metadata log: %w", err)
	}

	l := &MetadataLog{
		file:    file,
		w:       bufio.NewWriter(file),
		records: make(chan metadataRecord, 256),
		done:    make(chan struct{}),
	}
	go l.writeLoop()
	return l, nil
}

// Log queues the metadata of a frame; index is the frame's position in the capture
func (l *MetadataLog) Log(index int, f *device.Frame) {
	rec := metadataRecord{index: index, frame: *f}
	rec.frame.Data = nil
	l.records <- rec
}

func (l *MetadataLog) writeLoop() {
	defer close(l.done)
	for rec := range l.records {
		if err := writeRecord(l.w, rec); err != nil {
			l.setErr(err)
		}
	}
}

func writeRecord(w *bufio.Writer, rec metadataRecord) error {
	f := &rec.frame
	sec, nsec := f.TimestampParts()
	_, err := fmt.Fprintf(w,
		"Frame ID %d\n"+
			"\tExposure time: %g\n"+
			"\tFrame ID: %d\n"+
			"\tGain: %g\n"+
			"\tHeight: %d\n"+
			"\tWidth: %d\n"+
			"\tOffset X: %d\n"+
			"\tOffset Y: %d\n"+
			"\tSequencer set active: %d\n"+
			"\tTimestamp: %d.%d\n"+
			"\n",
		rec.index, f.ExposureTime, f.FrameID, f.Gain, f.Height, f.Width,
		f.OffsetX, f.OffsetY, f.SequencerSetActive, sec, nsec)
	return err
}

func (l *MetadataLog) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err == nil {
		l.err = err
	}
}

// Close flushes pending records and closes the file
func (l *MetadataLog) Close() error {
	l.closeOnce.Do(func() {
		close(l.records)
		<-l.done
		if err := l.w.Flush(); err != nil {
			l.setErr(err)
		}
		if err := l.file.Close(); err != nil {
			l.setErr(err)
		}
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
