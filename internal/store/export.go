package store

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/documents"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
)

const (
	exportPrefix          = "time-tracker-"
	exportSuffix          = ".json"
	compressedSuffix      = ".zst"
	exportIndent          = "    "
	exportDateLayout      = "20060102"
	maxImportDecodedBytes = 256 << 20
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// ExportFileName returns the dated export name, e.g. time-tracker-20241231.json.
func ExportFileName(at time.Time, compressed bool) string {
	name := exportPrefix + at.UTC().Format(exportDateLayout) + exportSuffix
	if compressed {
		name += compressedSuffix
	}
	return name
}

// WriteExport writes docs as an indented JSON array, zstd-compressed when asked.
func WriteExport(w io.Writer, docs []documents.Document, compress bool) error {
	if docs == nil {
		docs = []documents.Document{}
	}
	payload, err := json.MarshalIndent(docs, "", exportIndent)
	if err != nil {
		return fmt.Errorf("export: encode: %w", err)
	}
	if !compress {
		_, err = w.Write(payload)
		return err
	}
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("export: zstd writer: %w", err)
	}
	if _, err := encoder.Write(payload); err != nil {
		encoder.Close()
		return fmt.Errorf("export: compress: %w", err)
	}
	return encoder.Close()
}

// ReadImport parses an export, detecting zstd by its magic bytes. Every
// document is validated before the caller writes anything.
func ReadImport(r io.Reader) ([]documents.Document, error) {
	buffered := bufio.NewReader(r)
	head, _ := buffered.Peek(len(zstdMagic))

	var source io.Reader = buffered
	if bytes.Equal(head, zstdMagic) {
		decoder, err := zstd.NewReader(buffered, zstd.WithDecoderMaxMemory(maxImportDecodedBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", documents.ErrValidation, err)
		}
		defer decoder.Close()
		source = decoder
	}

	payload, err := io.ReadAll(io.LimitReader(source, maxImportDecodedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", documents.ErrValidation, err)
	}
	if len(payload) > maxImportDecodedBytes {
		return nil, fmt.Errorf("%w: import exceeds %d bytes", documents.ErrValidation, maxImportDecodedBytes)
	}

	var docs []documents.Document
	if err := json.Unmarshal(payload, &docs); err != nil {
		return nil, fmt.Errorf("%w: malformed export: %v", documents.ErrValidation, err)
	}
	seen := make(map[string]struct{}, len(docs))
	for index, doc := range docs {
		if err := doc.Validate(); err != nil {
			return nil, fmt.Errorf("document %d: %w", index, err)
		}
		if _, dup := seen[doc.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", documents.ErrValidation, doc.ID)
		}
		seen[doc.ID] = struct{}{}
	}
	return docs, nil
}

// LiveOnly drops tombstones.
func LiveOnly(docs []documents.Document) []documents.Document {
	live := make([]documents.Document, 0, len(docs))
	for _, doc := range docs {
		if !doc.Deleted {
			live = append(live, doc)
		}
	}
	return live
}
