package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxLineLength bounds a command or control line.
const MaxLineLength = 64 * 1024

// ErrLineTooLong is returned when a line exceeds MaxLineLength.
var ErrLineTooLong = errors.New("line too long")

// ErrTooLarge is returned when a length prefix exceeds the caller's limit.
var ErrTooLarge = errors.New("length prefix exceeds limit")

// WriteLine writes s followed by a newline.
func WriteLine(w io.Writer, s string) error {
	if strings.ContainsAny(s, "\n") {
		return fmt.Errorf("line contains a newline")
	}
	_, err := io.WriteString(w, s+"\n")
	return err
}

// ReadLine reads one newline-terminated line and strips the terminator.
// A final line without a terminator is returned with a nil error.
func ReadLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		sb.Write(chunk)
		if sb.Len() > MaxLineLength {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			return strings.TrimRight(sb.String(), "\r"), nil
		}
	}
}

// WriteBool writes a single byte, 1 for true.
func WriteBool(w io.Writer, v bool) error {
	b := []byte{0}
	if v {
		b[0] = 1
	}
	_, err := w.Write(b)
	return err
}

// ReadBool reads a single byte; any non-zero value is true.
func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadByte(r)
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

// WriteByte writes a single status byte.
func WriteByte(w io.Writer, v byte) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadByte reads a single status byte.
func ReadByte(r io.Reader) (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// WriteUint64 writes v as 8 bytes big-endian.
func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

// ReadUint64 reads 8 bytes big-endian.
func ReadUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// ReadLength reads a length prefix and rejects values above limit.
// A limit of zero disables the check.
func ReadLength(r io.Reader, limit int64) (int64, error) {
	n, err := ReadUint64(r)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 || (limit > 0 && int64(n) > limit) {
		return 0, fmt.Errorf("%w: %d > %d", ErrTooLarge, n, limit)
	}
	return int64(n), nil
}

// WriteBlob writes a length prefix followed by data.
func WriteBlob(w io.Writer, data []byte) error {
	if err := WriteUint64(w, uint64(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadBlob reads a length prefix and that many bytes.
func ReadBlob(r io.Reader, limit int64) ([]byte, error) {
	n, err := ReadLength(r, limit)
	if err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("short blob: %w", err)
	}
	return data, nil
}

// CopyN copies exactly n bytes from src to dst and reports a short
// stream as io.ErrUnexpectedEOF.
func CopyN(dst io.Writer, src io.Reader, n int64) error {
	written, err := io.CopyN(dst, src, n)
	if err == io.EOF && written < n {
		return io.ErrUnexpectedEOF
	}
	return err
}
