package logging

import (
	"io"

	"gopkg.in/natefinch/lumberjack.v2"
)

// TeeWriter returns a writer that duplicates every write to both w1 and w2.
func TeeWriter(w1, w2 io.Writer) io.Writer {
	return io.MultiWriter(w1, w2)
}

// RotatingWriter is the daemon's log-file sink: size-based rotation with
// gzip-compressed backups, since onekvmd typically runs on SBC storage
// (SD card or eMMC) where uncompressed rotated logs are the first thing to
// fill the disk. Backed by lumberjack.v2 rather than a hand-rolled rotator.
type RotatingWriter struct {
	lj *lumberjack.Logger
}

// NewRotatingWriter creates a writer that rotates filePath once it exceeds
// maxSizeMB, keeping at most maxBackups compressed backups.
func NewRotatingWriter(filePath string, maxSizeMB, maxBackups int) (*RotatingWriter, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	return &RotatingWriter{lj: &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}}, nil
}

func (rw *RotatingWriter) Write(p []byte) (int, error) {
	return rw.lj.Write(p)
}

// Reopen forces an immediate rotation, for SIGHUP handling under an
// external logrotate(8) setup that has already moved the file aside.
func (rw *RotatingWriter) Reopen() error {
	return rw.lj.Rotate()
}

func (rw *RotatingWriter) Close() error {
	return rw.lj.Close()
}
