package bbdo

import (
	"io"

	"github.com/klauspost/compress/zlib"
)

// zlibLayer runs the negotiated zlib extension: every byte after the version
// exchange flows through a deflate stream in each direction. The writer is
// flushed at frame boundaries so small frames are not held back.
type zlibLayer struct {
	raw io.ReadWriter
	zw  *zlib.Writer
	zr  io.ReadCloser
}

func (z *zlibLayer) Write(p []byte) (int, error) {
	return z.zw.Write(p)
}

func (z *zlibLayer) Flush() error {
	return z.zw.Flush()
}

func (z *zlibLayer) Read(p []byte) (int, error) {
	if z.zr == nil {
		zr, err := zlib.NewReader(z.raw)
		if err != nil {
			return 0, err
		}
		z.zr = zr
	}
	return z.zr.Read(p)
}

// enableCompression stacks the zlib layer over the raw stream. Called once
// after negotiation when both sides announced the extension.
func (s *Stream) enableCompression() {
	s.rw = &zlibLayer{raw: s.raw, zw: zlib.NewWriter(s.raw)}
}
