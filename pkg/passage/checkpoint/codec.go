package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
)

// codec converts between Checkpoint/Metadata values and durable rows.
// Rows written with either encoding always decode, whatever the current
// compression setting.
type codec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

func newCodec(compress bool) (*codec, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c := &codec{compress: compress, dec: dec}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			dec.Close()
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		c.enc = enc
	}
	return c, nil
}

func (c *codec) close() {
	if c.enc != nil {
		_ = c.enc.Close()
	}
	c.dec.Close()
}

// encode builds the row for a checkpoint. cp must already be normalized.
func (c *codec) encode(ref Ref, cp *Checkpoint, meta Metadata, now time.Time) (Row, error) {
	payload, err := json.Marshal(cp)
	if err != nil {
		return Row{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return Row{}, fmt.Errorf("encode metadata: %w", err)
	}

	encoding := EncodingJSON
	if c.compress {
		payload = c.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		encoding = EncodingZstd
	}

	return Row{
		ThreadID:           ref.ThreadID,
		Namespace:          ref.Namespace,
		CheckpointID:       cp.ID,
		ParentCheckpointID: cp.ParentID,
		Checkpoint:         payload,
		Encoding:           encoding,
		Metadata:           metaBytes,
		CreatedAt:          cp.Timestamp,
		UpdatedAt:          now,
	}, nil
}

// decode rebuilds a Tuple from a row. Failures are *DecodeError.
func (c *codec) decode(row *Row) (*Tuple, error) {
	fail := func(sentinel error, cause error) error {
		return &DecodeError{
			ThreadID:     row.ThreadID,
			CheckpointID: row.CheckpointID,
			Err:          fmt.Errorf("%w: %v", sentinel, cause),
		}
	}

	payload := row.Checkpoint
	switch row.Encoding {
	case EncodingJSON, "":
	case EncodingZstd:
		var err error
		if payload, err = c.dec.DecodeAll(payload, nil); err != nil {
			return nil, fail(ErrCorrupt, err)
		}
	default:
		return nil, fail(ErrCorrupt, fmt.Errorf("unknown encoding %q", row.Encoding))
	}

	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, fail(ErrCorrupt, err)
	}
	if cp.Version > FormatVersion {
		return nil, fail(ErrVersionMismatch, fmt.Errorf("got %d, support up to %d", cp.Version, FormatVersion))
	}
	if cp.ID != row.CheckpointID {
		return nil, fail(ErrCorrupt, fmt.Errorf("payload id %q does not match row", cp.ID))
	}

	var meta Metadata
	if len(row.Metadata) > 0 {
		dec := json.NewDecoder(bytes.NewReader(row.Metadata))
		dec.UseNumber()
		if err := dec.Decode(&meta); err != nil {
			return nil, fail(ErrCorrupt, err)
		}
	}

	t := &Tuple{
		Ref:        Ref{ThreadID: row.ThreadID, Namespace: row.Namespace, CheckpointID: row.CheckpointID},
		Checkpoint: &cp,
		Metadata:   meta,
	}
	if row.ParentCheckpointID != "" {
		t.Parent = &Ref{ThreadID: row.ThreadID, Namespace: row.Namespace, CheckpointID: row.ParentCheckpointID}
	}
	return t, nil
}

// cacheEntry is the cache tier representation of a row.
type cacheEntry struct {
	Parent     string          `json:"parent,omitempty"`
	Encoding   string          `json:"encoding"`
	Checkpoint []byte          `json:"checkpoint"`
	Metadata   json.RawMessage `json:"metadata"`
	CreatedAt  time.Time       `json:"created_at"`
}

func marshalCacheEntry(row Row) ([]byte, error) {
	return json.Marshal(cacheEntry{
		Parent:     row.ParentCheckpointID,
		Encoding:   row.Encoding,
		Checkpoint: row.Checkpoint,
		Metadata:   row.Metadata,
		CreatedAt:  row.CreatedAt,
	})
}

func unmarshalCacheEntry(ref Ref, data []byte) (*Row, error) {
	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &Row{
		ThreadID:           ref.ThreadID,
		Namespace:          ref.Namespace,
		CheckpointID:       ref.CheckpointID,
		ParentCheckpointID: e.Parent,
		Checkpoint:         e.Checkpoint,
		Encoding:           e.Encoding,
		Metadata:           e.Metadata,
		CreatedAt:          e.CreatedAt,
	}, nil
}
