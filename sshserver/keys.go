package sshserver

import (
	"bytes"
	"io"
	"unicode"
	"unicode/utf8"
)

// detachKey is the byte that returns an attached viewer to the picker.
const detachKey = 0x1d // ctrl-]

type keyKind int

const (
	keyNone keyKind = iota
	keyRune
	keyEnter
	keyUp
	keyDown
	keyHome
	keyEnd
	keyPageUp
	keyPageDown
	keyTab
	keyShiftTab
	keyCtrlC
	keyCtrlD
)

type key struct {
	kind keyKind
	r    rune
}

// readInput pumps raw connection reads into out until the stream ends.
func readInput(r io.Reader, out chan<- []byte) {
	defer close(out)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			return
		}
	}
}

// splitDetach returns the input bytes preceding the detach key and whether
// the key was pressed. Bytes after a detach press are dropped.
func splitDetach(data []byte) ([]byte, bool) {
	if i := bytes.IndexByte(data, detachKey); i >= 0 {
		return data[:i], true
	}
	return data, false
}

// decodeKeys parses one read's worth of bytes into picker keys. Interactive
// terminals deliver an escape sequence in a single read; a sequence split
// across reads decodes as bare runes instead.
func decodeKeys(data []byte) []key {
	var keys []key
	for i := 0; i < len(data); {
		b := data[i]
		switch b {
		case 0x1b:
			k, n := decodeEscape(data[i:])
			i += n
			if k.kind != keyNone {
				keys = append(keys, k)
			}
		case '\r':
			keys = append(keys, key{kind: keyEnter})
			i++
			if i < len(data) && data[i] == '\n' {
				i++
			}
		case '\n':
			keys = append(keys, key{kind: keyEnter})
			i++
		case 0x03:
			keys = append(keys, key{kind: keyCtrlC})
			i++
		case 0x04:
			keys = append(keys, key{kind: keyCtrlD})
			i++
		case 0x09:
			keys = append(keys, key{kind: keyTab})
			i++
		default:
			if b < 0x20 || b == 0x7f {
				i++
				continue
			}
			if b < utf8.RuneSelf {
				keys = append(keys, key{kind: keyRune, r: rune(b)})
				i++
				continue
			}
			rn, n := utf8.DecodeRune(data[i:])
			keys = append(keys, key{kind: keyRune, r: rn})
			i += n
		}
	}
	return keys
}

func decodeEscape(data []byte) (key, int) {
	if len(data) < 2 {
		return key{}, len(data)
	}
	switch data[1] {
	case '[':
		return decodeCSI(data)
	case 'O':
		return decodeSS3(data)
	}
	return key{}, 2
}

func decodeCSI(data []byte) (key, int) {
	i := 2
	for i < len(data) {
		b := data[i]
		i++
		if b == '~' || unicode.IsLetter(rune(b)) {
			break
		}
		if i-2 > 8 {
			return key{}, i
		}
	}
	switch string(data[2:i]) {
	case "A":
		return key{kind: keyUp}, i
	case "B":
		return key{kind: keyDown}, i
	case "H":
		return key{kind: keyHome}, i
	case "F":
		return key{kind: keyEnd}, i
	case "5~":
		return key{kind: keyPageUp}, i
	case "6~":
		return key{kind: keyPageDown}, i
	case "Z":
		return key{kind: keyShiftTab}, i
	}
	return key{}, i
}

func decodeSS3(data []byte) (key, int) {
	if len(data) < 3 {
		return key{}, len(data)
	}
	switch data[2] {
	case 'H':
		return key{kind: keyHome}, 3
	case 'F':
		return key{kind: keyEnd}, 3
	}
	return key{}, 3
}
