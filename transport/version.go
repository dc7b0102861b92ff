package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// DefaultClientVersion is sent when Config.ClientVersion is empty.
	DefaultClientVersion = "SSH-2.0-sshdevice_1.0"

	maxVersionLine  = 255
	maxVersionLines = 64
)

// writeVersion sends our identification string.
func writeVersion(w io.Writer, version string) error {
	if _, err := io.WriteString(w, version+"\r\n"); err != nil {
		return networkErr(err)
	}
	return nil
}

// readVersion reads the server identification string, skipping any lines
// sent before it (RFC 4253 section 4.2). The connection is read one byte at
// a time so nothing past the identification line is consumed.
func readVersion(r io.Reader) (string, error) {
	var b [1]byte
	for lines := 0; lines < maxVersionLines; lines++ {
		var line []byte
		for {
			if _, err := io.ReadFull(r, b[:]); err != nil {
				if errors.Is(err, io.ErrUnexpectedEOF) {
					err = io.EOF
				}
				return "", networkErr(err)
			}
			if b[0] == '\n' {
				break
			}
			if len(line) >= maxVersionLine {
				return "", negotiationErr("version", errors.New("identification line too long"))
			}
			line = append(line, b[0])
		}
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, []byte("SSH-")) {
			continue
		}
		if bytes.HasPrefix(line, []byte("SSH-2.0-")) || bytes.HasPrefix(line, []byte("SSH-1.99-")) {
			return string(line), nil
		}
		return "", negotiationErr("version", fmt.Errorf("unsupported protocol version %q", line))
	}
	return "", negotiationErr("version", errors.New("no identification string from server"))
}
