package store

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"io"

	"github.com/nbd-wtf/go-nostr"
)

// encodeBlob compresses [content, tags, sig?]. Go's
// standard compress/zlib does not expose the memory-level/strategy knobs of
// zlib's C deflateInit2; BestCompression is the closest available setting
// (see DESIGN.md).
func encodeBlob(evt *nostr.Event, keepSig bool) ([]byte, error) {
	var payload []any
	if keepSig {
		payload = []any{evt.Content, evt.Tags, evt.Sig}
	} else {
		payload = []any{evt.Content, evt.Tags}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeBlob reverses encodeBlob. sig is "" if the blob was written with
// keepSig=false.
func decodeBlob(blob []byte) (content string, tags nostr.Tags, sig string, err error) {
	r, err := zlib.NewReader(bytes.NewReader(blob))
	if err != nil {
		return "", nil, "", err
	}
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return "", nil, "", err
	}

	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", nil, "", err
	}
	if len(parts) < 2 {
		return "", nil, "", errors.New("store: malformed blob")
	}
	if err := json.Unmarshal(parts[0], &content); err != nil {
		return "", nil, "", err
	}
	if err := json.Unmarshal(parts[1], &tags); err != nil {
		return "", nil, "", err
	}
	if len(parts) >= 3 {
		_ = json.Unmarshal(parts[2], &sig)
	}
	return content, tags, sig, nil
}
