package shadow

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PackImage implements spec §6's packed format for streaming a
// checkpoint image over ShadowSync/DataStream: the gzip of the
// concatenation, for each regular file under dir (relative path as
// name), of u32_le name_len, name_utf8, u32_le data_len, data_bytes.
func PackImage(dir string) ([]byte, error) {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := writeRecord(gw, name, data); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := gw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeRecord(w io.Writer, name string, data []byte) error {
	nameBytes := []byte(name)
	var lenBuf [4]byte

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(nameBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(nameBytes); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// UnpackImage reverses PackImage into destDir, which must already
// exist.
func UnpackImage(data []byte, destDir string) error {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer gr.Close()

	for {
		name, payload, err := readRecord(gr)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, payload, 0o644); err != nil {
			return err
		}
	}
}

func readRecord(r io.Reader) (string, []byte, error) {
	var lenBuf [4]byte

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return "", nil, fmt.Errorf("truncated record: short name_len")
		}
		return "", nil, err
	}
	nameLen := binary.LittleEndian.Uint32(lenBuf[:])
	nameBytes := make([]byte, nameLen)
	if _, err := io.ReadFull(r, nameBytes); err != nil {
		return "", nil, fmt.Errorf("truncated record: short name: %w", err)
	}

	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", nil, fmt.Errorf("truncated record: short data_len: %w", err)
	}
	dataLen := binary.LittleEndian.Uint32(lenBuf[:])
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", nil, fmt.Errorf("truncated record: short data: %w", err)
	}

	return string(nameBytes), data, nil
}
