package wire

// COPY protocol framing constants, per the binary COPY header defined in
// the PostgreSQL frontend/backend protocol.
var (
	// CopyBinaryHeader is the fixed 11-byte signature of binary COPY data.
	CopyBinaryHeader = []byte("PGCOPY\n\xff\r\n\x00")
	// CopyBinaryTrailer is the i16(-1) marker ending a binary COPY stream.
	CopyBinaryTrailer = []byte{0xff, 0xff}
)

const (
	// CopyTextNull is the text-format NULL token.
	CopyTextNull = `\N`
	// CopyTextTerminator ends a text/CSV COPY stream on its own line.
	CopyTextTerminator = `\.`
)

// CopyFormat distinguishes the three COPY encodings.
type CopyFormat int

const (
	CopyText CopyFormat = iota
	CopyCSV
	CopyBinary
)
