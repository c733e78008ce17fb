package log

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	Stderr  = "stderr"
	Stdout  = "stdout"
	Discard = "discard"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Output opens a log destination: stderr, stdout, discard or a path of a
// file rotated by size.
func Output(dest string) io.WriteCloser {
	switch dest {
	case "", Stderr:
		return nopCloser{os.Stderr}
	case Stdout:
		return nopCloser{os.Stdout}
	case Discard:
		return nopCloser{io.Discard}
	default:
		return &lumberjack.Logger{
			Filename:   dest,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
}
