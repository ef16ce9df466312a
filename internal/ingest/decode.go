// Package ingest reads JARTIC regulation CSV exports into typed records.
package ingest

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

// Encoding names reported by Decode
const (
	EncodingUTF8    = "utf-8"
	EncodingUTF8BOM = "utf-8-sig"
	EncodingSJIS    = "shift_jis"
)

const sniffSize = 64 << 10

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Decode returns a UTF-8 reader over r. The first 64 KiB decide the
// encoding: a UTF-8 BOM is stripped, valid UTF-8 passes through and
// anything else is decoded as Shift-JIS.
func Decode(r io.Reader) (io.Reader, string, error) {
	br := bufio.NewReaderSize(r, sniffSize)
	head, err := br.Peek(sniffSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, "", err
	}

	if bytes.HasPrefix(head, utf8BOM) {
		if _, err := br.Discard(len(utf8BOM)); err != nil {
			return nil, "", err
		}
		return br, EncodingUTF8BOM, nil
	}

	if validUTF8Prefix(head, len(head) == sniffSize) {
		return br, EncodingUTF8, nil
	}
	return transform.NewReader(br, japanese.ShiftJIS.NewDecoder()), EncodingSJIS, nil
}

// validUTF8Prefix checks b, tolerating a rune cut off at the end of a
// truncated sample
func validUTF8Prefix(b []byte, truncated bool) bool {
	if utf8.Valid(b) {
		return true
	}
	if !truncated {
		return false
	}
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			return utf8.Valid(b[:len(b)-i])
		}
	}
	return false
}
