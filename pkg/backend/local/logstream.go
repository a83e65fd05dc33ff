package local

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/risehq/rise/pkg/backend"
)

const followPollInterval = 500 * time.Millisecond

// openLogStream serves the captured log file. Without follow it is a plain
// file read (optionally from the last N lines); with follow it keeps
// polling the file for appended bytes until the context ends.
func openLogStream(ctx context.Context, path string, opts backend.LogOptions) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if opts.TailLines > 0 {
		if err := seekToTail(f, opts.TailLines); err != nil {
			f.Close()
			return nil, err
		}
	}
	if !opts.Follow {
		return f, nil
	}
	return &followReader{ctx: ctx, f: f}, nil
}

// seekToTail positions the file at the start of the last n lines.
func seekToTail(f *os.File, n int64) error {
	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	const chunk = 64 * 1024
	var (
		lines int64
		pos   = size
		buf   = make([]byte, chunk)
	)
	for pos > 0 {
		readFrom := pos - chunk
		if readFrom < 0 {
			readFrom = 0
		}
		k, err := f.ReadAt(buf[:pos-readFrom], readFrom)
		if err != nil && err != io.EOF {
			return err
		}
		for i := k - 1; i >= 0; i-- {
			if buf[i] == '\n' {
				// The trailing newline of the file does not start a line.
				if readFrom+int64(i) == size-1 {
					continue
				}
				lines++
				if lines >= n {
					_, err := f.Seek(readFrom+int64(i)+1, io.SeekStart)
					return err
				}
			}
		}
		pos = readFrom
	}
	_, err = f.Seek(0, io.SeekStart)
	return err
}

// followReader blocks at EOF and retries, tail -f style.
type followReader struct {
	ctx context.Context
	f   *os.File
}

func (r *followReader) Read(p []byte) (int, error) {
	for {
		n, err := r.f.Read(p)
		if n > 0 || (err != nil && err != io.EOF) {
			return n, err
		}
		select {
		case <-r.ctx.Done():
			return 0, io.EOF
		case <-time.After(followPollInterval):
		}
	}
}

func (r *followReader) Close() error {
	return r.f.Close()
}
