package wire

import "io"

func newPipe() (io.Reader, io.Writer) {
	r, w := io.Pipe()
	return r, w
}
