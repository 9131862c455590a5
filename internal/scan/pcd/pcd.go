// Package pcd decodes Point Cloud Data (.pcd) files, versions 0.6 and 0.7,
// in ascii, binary and binary_compressed encodings.
//
// Only the fields the preprocessing pipeline consumes are extracted:
// x/y/z, colour (packed rgb/rgba or separate r/g/b) and, when present,
// normal_x/normal_y/normal_z. Other fields are skipped.
package pcd

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/banshee-data/scanprep/internal/monitoring"
)

// Limits for untrusted headers. A header that passes them still allocates
// only as data actually arrives.
const (
	maxPoints    = 200_000_000
	maxFields    = 256
	maxCount     = 1 << 16
	maxDataBytes = 4 << 30
	// initialValues caps the up-front capacity of each decoded column.
	initialValues = 1 << 16
)

const identityViewpoint = "0 0 0 1 0 0 0"

// Encoding is the DATA section encoding.
type Encoding string

const (
	ASCII            Encoding = "ascii"
	Binary           Encoding = "binary"
	BinaryCompressed Encoding = "binary_compressed"
)

// ErrEmpty is returned when a file declares zero points.
var ErrEmpty = errors.New("pcd: no points")

// Field describes one FIELDS entry.
type Field struct {
	Name  string
	Size  int
	Type  byte // 'F', 'I' or 'U'
	Count int
}

// Header is the parsed PCD header.
type Header struct {
	Version string
	Fields  []Field
	Width   int
	Height  int
	Points  int
	Data    Encoding
}

// rowSize is the byte length of one point in binary encodings. finishHeader
// guarantees rowSize()*Points fits in maxDataBytes.
func (h *Header) rowSize() int {
	n := 0
	for _, f := range h.Fields {
		n += f.Size * f.Count
	}
	return n
}

func (h *Header) index(name string) int {
	for i, f := range h.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Cloud is the decoded content of a PCD file. All slices have Header.Points
// entries; NaN coordinates are preserved so the caller can decide how to drop
// them.
type Cloud struct {
	Header     Header
	Points     [][3]float64
	Colors     [][3]float64 // in [0,1]
	Normals    [][3]float64
	HasColor   bool
	HasNormals bool
}

// ReadFile opens and decodes path.
func ReadFile(path string) (*Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a complete PCD stream.
func Decode(r io.Reader) (*Cloud, error) {
	br := bufio.NewReader(r)
	h, err := readHeader(br)
	if err != nil {
		return nil, err
	}
	if h.Points == 0 {
		return nil, ErrEmpty
	}

	var rows [][]float64 // rows[field][point*count+k]
	switch h.Data {
	case ASCII:
		rows, err = decodeASCII(br, h)
	case Binary:
		rows, err = decodeBinary(br, h)
	case BinaryCompressed:
		rows, err = decodeCompressed(br, h)
	default:
		err = fmt.Errorf("pcd: unsupported DATA %q", h.Data)
	}
	if err != nil {
		return nil, err
	}
	return assemble(h, rows)
}

func readHeader(br *bufio.Reader) (*Header, error) {
	h := &Header{Height: 1}
	var sizes, counts []int
	var types []byte
	for {
		line, err := br.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			return nil, fmt.Errorf("pcd: truncated header: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		key, vals := strings.ToUpper(parts[0]), parts[1:]
		switch key {
		case "VERSION":
			if len(vals) > 0 {
				h.Version = vals[0]
			}
		case "FIELDS", "COLUMNS":
			if len(vals) > maxFields {
				return nil, fmt.Errorf("pcd: %d fields exceeds limit %d", len(vals), maxFields)
			}
			h.Fields = make([]Field, len(vals))
			for i, v := range vals {
				h.Fields[i] = Field{Name: v, Size: 4, Type: 'F', Count: 1}
			}
		case "SIZE":
			for _, v := range vals {
				n, err := strconv.Atoi(v)
				if err != nil || (n != 1 && n != 2 && n != 4 && n != 8) {
					return nil, fmt.Errorf("pcd: invalid SIZE %q", v)
				}
				sizes = append(sizes, n)
			}
		case "TYPE":
			for _, v := range vals {
				if len(v) != 1 || !strings.Contains("FIU", v) {
					return nil, fmt.Errorf("pcd: invalid TYPE %q", v)
				}
				types = append(types, v[0])
			}
		case "COUNT":
			for _, v := range vals {
				n, err := strconv.Atoi(v)
				if err != nil || n < 1 || n > maxCount {
					return nil, fmt.Errorf("pcd: invalid COUNT %q", v)
				}
				counts = append(counts, n)
			}
		case "WIDTH":
			h.Width = atoiOr(vals, 0)
		case "HEIGHT":
			h.Height = atoiOr(vals, 1)
		case "POINTS":
			h.Points = atoiOr(vals, -1)
		case "VIEWPOINT":
			// Scans are expected in a common frame already.
			if v := strings.Join(vals, " "); v != "" && v != identityViewpoint {
				monitoring.Logf("pcd: ignoring non-identity VIEWPOINT %s", v)
			}
		case "DATA":
			if len(vals) == 0 {
				return nil, fmt.Errorf("pcd: DATA without encoding")
			}
			h.Data = Encoding(strings.ToLower(vals[0]))
			return finishHeader(h, sizes, types, counts)
		default:
			return nil, fmt.Errorf("pcd: unknown header line %q", line)
		}
	}
}

func finishHeader(h *Header, sizes []int, types []byte, counts []int) (*Header, error) {
	if len(h.Fields) == 0 {
		return nil, fmt.Errorf("pcd: missing FIELDS")
	}
	if sizes != nil && len(sizes) != len(h.Fields) {
		return nil, fmt.Errorf("pcd: SIZE has %d entries, FIELDS has %d", len(sizes), len(h.Fields))
	}
	if types != nil && len(types) != len(h.Fields) {
		return nil, fmt.Errorf("pcd: TYPE has %d entries, FIELDS has %d", len(types), len(h.Fields))
	}
	if counts != nil && len(counts) != len(h.Fields) {
		return nil, fmt.Errorf("pcd: COUNT has %d entries, FIELDS has %d", len(counts), len(h.Fields))
	}
	for i := range h.Fields {
		if sizes != nil {
			h.Fields[i].Size = sizes[i]
		}
		if types != nil {
			h.Fields[i].Type = types[i]
		}
		if counts != nil {
			h.Fields[i].Count = counts[i]
		}
		f := h.Fields[i]
		if f.Type == 'F' && f.Size != 4 && f.Size != 8 {
			return nil, fmt.Errorf("pcd: field %s has float size %d", f.Name, f.Size)
		}
	}
	if h.Points < 0 {
		h.Points = h.Width * h.Height
	}
	if h.Points < 0 || h.Points > maxPoints {
		return nil, fmt.Errorf("pcd: invalid point count %d", h.Points)
	}
	// Fields, sizes and counts are bounded above, so the row size and the
	// total cannot overflow int64.
	var row int64
	for _, f := range h.Fields {
		row += int64(f.Size) * int64(f.Count)
	}
	if total := row * int64(h.Points); total > maxDataBytes {
		return nil, fmt.Errorf("pcd: %d points of %d bytes exceeds data limit %d", h.Points, row, int64(maxDataBytes))
	}
	for _, axis := range []string{"x", "y", "z"} {
		if h.index(axis) < 0 {
			return nil, fmt.Errorf("pcd: missing field %q", axis)
		}
	}
	return h, nil
}

func atoiOr(vals []string, def int) int {
	if len(vals) == 0 {
		return def
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return def
	}
	return n
}

// newRows returns one empty column per field. Columns grow by append so a
// header that overstates POINTS cannot force a large allocation.
func newRows(h *Header) [][]float64 {
	rows := make([][]float64, len(h.Fields))
	for i, f := range h.Fields {
		rows[i] = make([]float64, 0, min(h.Points*f.Count, initialValues))
	}
	return rows
}

func decodeASCII(br *bufio.Reader, h *Header) ([][]float64, error) {
	rows := newRows(h)
	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	p := 0
	for sc.Scan() && p < h.Points {
		tokens := strings.Fields(sc.Text())
		if len(tokens) == 0 {
			continue
		}
		t := 0
		for fi, f := range h.Fields {
			for k := 0; k < f.Count; k++ {
				if t >= len(tokens) {
					return nil, fmt.Errorf("pcd: point %d has %d values, want more", p, len(tokens))
				}
				v, err := parseASCIIValue(tokens[t], f)
				if err != nil {
					return nil, fmt.Errorf("pcd: point %d field %s: %w", p, f.Name, err)
				}
				rows[fi] = append(rows[fi], v)
				t++
			}
		}
		p++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("pcd: read ascii data: %w", err)
	}
	if p != h.Points {
		return nil, fmt.Errorf("pcd: header declares %d points, found %d", h.Points, p)
	}
	return rows, nil
}

// parseASCIIValue parses a token. Packed rgb floats are kept as their bit
// pattern reinterpreted as an unsigned integer so colour unpacking works the
// same way for every encoding.
func parseASCIIValue(tok string, f Field) (float64, error) {
	if isPackedColor(f) {
		if f.Type == 'F' {
			v, err := strconv.ParseFloat(tok, 32)
			if err != nil {
				return 0, err
			}
			return float64(math.Float32bits(float32(v))), nil
		}
		v, err := strconv.ParseUint(tok, 10, 32)
		return float64(v), err
	}
	return strconv.ParseFloat(tok, 64)
}

func isPackedColor(f Field) bool {
	return (f.Name == "rgb" || f.Name == "rgba") && f.Size == 4
}

func decodeBinary(br *bufio.Reader, h *Header) ([][]float64, error) {
	buf := make([]byte, h.rowSize())
	rows := newRows(h)
	for p := 0; p < h.Points; p++ {
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, fmt.Errorf("pcd: read binary point %d: %w", p, err)
		}
		off := 0
		for fi, f := range h.Fields {
			for k := 0; k < f.Count; k++ {
				rows[fi] = append(rows[fi], decodeValue(buf[off:off+f.Size], f))
				off += f.Size
			}
		}
	}
	return rows, nil
}

func decodeCompressed(br *bufio.Reader, h *Header) ([][]float64, error) {
	var sizes [8]byte
	if _, err := io.ReadFull(br, sizes[:]); err != nil {
		return nil, fmt.Errorf("pcd: read compressed sizes: %w", err)
	}
	compressed := binary.LittleEndian.Uint32(sizes[0:4])
	uncompressed := binary.LittleEndian.Uint32(sizes[4:8])
	want := h.rowSize() * h.Points
	if int(uncompressed) != want {
		return nil, fmt.Errorf("pcd: uncompressed size %d, header implies %d", uncompressed, want)
	}
	// LZF never grows input by more than one control byte per 32 literals.
	if limit := want + (want+31)/32; int64(compressed) > int64(limit) {
		return nil, fmt.Errorf("pcd: compressed size %d exceeds bound %d for %d bytes", compressed, limit, want)
	}
	in, err := io.ReadAll(io.LimitReader(br, int64(compressed)))
	if err != nil {
		return nil, fmt.Errorf("pcd: read compressed data: %w", err)
	}
	if len(in) != int(compressed) {
		return nil, fmt.Errorf("pcd: read compressed data: got %d of %d bytes", len(in), compressed)
	}
	// A three-byte back-reference expands to at most 264 bytes.
	if int64(want) > 88*int64(len(in)) {
		return nil, fmt.Errorf("pcd: %d compressed bytes cannot expand to %d", len(in), want)
	}
	buf, err := lzfDecompress(in, want)
	if err != nil {
		return nil, err
	}

	// Compressed payloads are column-major: all values of field 0, then field 1, ...
	rows := newRows(h)
	off := 0
	for fi, f := range h.Fields {
		for i := 0; i < h.Points*f.Count; i++ {
			rows[fi] = append(rows[fi], decodeValue(buf[off:off+f.Size], f))
			off += f.Size
		}
	}
	return rows, nil
}

func decodeValue(b []byte, f Field) float64 {
	switch f.Type {
	case 'F':
		if f.Size == 8 {
			return math.Float64frombits(binary.LittleEndian.Uint64(b))
		}
		if isPackedColor(f) {
			return float64(binary.LittleEndian.Uint32(b))
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b)))
	case 'I':
		switch f.Size {
		case 1:
			return float64(int8(b[0]))
		case 2:
			return float64(int16(binary.LittleEndian.Uint16(b)))
		case 4:
			return float64(int32(binary.LittleEndian.Uint32(b)))
		default:
			return float64(int64(binary.LittleEndian.Uint64(b)))
		}
	default:
		switch f.Size {
		case 1:
			return float64(b[0])
		case 2:
			return float64(binary.LittleEndian.Uint16(b))
		case 4:
			return float64(binary.LittleEndian.Uint32(b))
		default:
			return float64(binary.LittleEndian.Uint64(b))
		}
	}
}

func assemble(h *Header, rows [][]float64) (*Cloud, error) {
	c := &Cloud{
		Header: *h,
		Points: make([][3]float64, h.Points),
	}
	xi, yi, zi := h.index("x"), h.index("y"), h.index("z")
	for p := 0; p < h.Points; p++ {
		c.Points[p] = [3]float64{
			rows[xi][p*h.Fields[xi].Count],
			rows[yi][p*h.Fields[yi].Count],
			rows[zi][p*h.Fields[zi].Count],
		}
	}

	if ci := packedColorIndex(h); ci >= 0 {
		c.HasColor = true
		c.Colors = make([][3]float64, h.Points)
		for p := 0; p < h.Points; p++ {
			v := uint32(rows[ci][p*h.Fields[ci].Count])
			c.Colors[p] = [3]float64{
				float64((v>>16)&0xff) / 255,
				float64((v>>8)&0xff) / 255,
				float64(v&0xff) / 255,
			}
		}
	} else if ri, gi, bi := h.index("r"), h.index("g"), h.index("b"); ri >= 0 && gi >= 0 && bi >= 0 {
		c.HasColor = true
		c.Colors = make([][3]float64, h.Points)
		for p := 0; p < h.Points; p++ {
			c.Colors[p] = [3]float64{
				channel(rows[ri][p*h.Fields[ri].Count], h.Fields[ri]),
				channel(rows[gi][p*h.Fields[gi].Count], h.Fields[gi]),
				channel(rows[bi][p*h.Fields[bi].Count], h.Fields[bi]),
			}
		}
	}

	nx, ny, nz := h.index("normal_x"), h.index("normal_y"), h.index("normal_z")
	if nx >= 0 && ny >= 0 && nz >= 0 {
		c.HasNormals = true
		c.Normals = make([][3]float64, h.Points)
		for p := 0; p < h.Points; p++ {
			c.Normals[p] = [3]float64{
				rows[nx][p*h.Fields[nx].Count],
				rows[ny][p*h.Fields[ny].Count],
				rows[nz][p*h.Fields[nz].Count],
			}
		}
	}
	return c, nil
}

func packedColorIndex(h *Header) int {
	for _, name := range []string{"rgb", "rgba"} {
		if i := h.index(name); i >= 0 && isPackedColor(h.Fields[i]) {
			return i
		}
	}
	return -1
}

// channel maps a separate colour channel to [0,1]. Integer channels and float
// channels above 1 are treated as 8-bit values.
func channel(v float64, f Field) float64 {
	if f.Type != 'F' || v > 1 {
		return v / 255
	}
	return v
}

// lzfDecompress inflates a liblzf stream into exactly outLen bytes.
func lzfDecompress(in []byte, outLen int) ([]byte, error) {
	out := make([]byte, 0, outLen)
	i := 0
	for i < len(in) {
		ctrl := int(in[i])
		i++
		if ctrl < 1<<5 {
			n := ctrl + 1
			if i+n > len(in) || len(out)+n > outLen {
				return nil, fmt.Errorf("pcd: lzf literal run overflows")
			}
			out = append(out, in[i:i+n]...)
			i += n
			continue
		}

		length := ctrl >> 5
		ref := len(out) - ((ctrl & 0x1f) << 8) - 1
		if length == 7 {
			if i >= len(in) {
				return nil, fmt.Errorf("pcd: lzf truncated length")
			}
			length += int(in[i])
			i++
		}
		if i >= len(in) {
			return nil, fmt.Errorf("pcd: lzf truncated back-reference")
		}
		ref -= int(in[i])
		i++
		length += 2
		if ref < 0 || len(out)+length > outLen {
			return nil, fmt.Errorf("pcd: lzf back-reference out of range")
		}
		for k := 0; k < length; k++ {
			out = append(out, out[ref+k])
		}
	}
	if len(out) != outLen {
		return nil, fmt.Errorf("pcd: lzf produced %d bytes, want %d", len(out), outLen)
	}
	return out, nil
}
