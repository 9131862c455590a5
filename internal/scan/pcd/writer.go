package pcd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// Encode writes points (and colours, if non-nil) as a PCD v0.7 stream with
// fields "x y z" or "x y z rgb". Colours are expected in [0,1].
//
// binary_compressed output uses LZF literal runs only; it is valid for any
// reader but not smaller than binary.
func Encode(w io.Writer, points [][3]float64, colors [][3]float64, enc Encoding) error {
	if colors != nil && len(colors) != len(points) {
		return fmt.Errorf("pcd: %d colours for %d points", len(colors), len(points))
	}
	bw := bufio.NewWriter(w)
	fields, sizes, types, counts := "x y z", "4 4 4", "F F F", "1 1 1"
	if colors != nil {
		fields, sizes, types, counts = fields+" rgb", sizes+" 4", types+" U", counts+" 1"
	}
	fmt.Fprintf(bw, "# .PCD v0.7 - Point Cloud Data file format\n")
	fmt.Fprintf(bw, "VERSION 0.7\nFIELDS %s\nSIZE %s\nTYPE %s\nCOUNT %s\n", fields, sizes, types, counts)
	fmt.Fprintf(bw, "WIDTH %d\nHEIGHT 1\nVIEWPOINT 0 0 0 1 0 0 0\nPOINTS %d\nDATA %s\n", len(points), len(points), enc)

	switch enc {
	case ASCII:
		for i, p := range points {
			fmt.Fprintf(bw, "%g %g %g", float32(p[0]), float32(p[1]), float32(p[2]))
			if colors != nil {
				fmt.Fprintf(bw, " %d", packRGB(colors[i]))
			}
			fmt.Fprintln(bw)
		}
	case Binary:
		var buf [4]byte
		for i, p := range points {
			for _, v := range p {
				binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(v)))
				bw.Write(buf[:])
			}
			if colors != nil {
				binary.LittleEndian.PutUint32(buf[:], packRGB(colors[i]))
				bw.Write(buf[:])
			}
		}
	case BinaryCompressed:
		raw := columnMajor(points, colors)
		packed := lzfStore(raw)
		var sizes [8]byte
		binary.LittleEndian.PutUint32(sizes[0:4], uint32(len(packed)))
		binary.LittleEndian.PutUint32(sizes[4:8], uint32(len(raw)))
		bw.Write(sizes[:])
		bw.Write(packed)
	default:
		return fmt.Errorf("pcd: unsupported DATA %q", enc)
	}
	return bw.Flush()
}

// WriteFile encodes to path, truncating any existing file.
func WriteFile(path string, points [][3]float64, colors [][3]float64, enc Encoding) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Encode(f, points, colors, enc); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func packRGB(c [3]float64) uint32 {
	to8 := func(v float64) uint32 {
		if v <= 0 || math.IsNaN(v) {
			return 0
		}
		if v >= 1 {
			return 255
		}
		return uint32(math.Round(v * 255))
	}
	return to8(c[0])<<16 | to8(c[1])<<8 | to8(c[2])
}

func columnMajor(points [][3]float64, colors [][3]float64) []byte {
	cols := 3
	if colors != nil {
		cols = 4
	}
	out := make([]byte, 0, len(points)*cols*4)
	var buf [4]byte
	for axis := 0; axis < 3; axis++ {
		for _, p := range points {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(float32(p[axis])))
			out = append(out, buf[:]...)
		}
	}
	if colors != nil {
		for _, c := range colors {
			binary.LittleEndian.PutUint32(buf[:], packRGB(c))
			out = append(out, buf[:]...)
		}
	}
	return out
}

// lzfStore emits data as a sequence of LZF literal runs (max 32 bytes each).
func lzfStore(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/32+1)
	for len(data) > 0 {
		n := len(data)
		if n > 32 {
			n = 32
		}
		out = append(out, byte(n-1))
		out = append(out, data[:n]...)
		data = data[n:]
	}
	return out
}
