package querycache

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes entries for the store.
type Codec interface {
	Name() string
	Encode(Entry) ([]byte, error)
	Decode([]byte) (Entry, error)
}

// JSONCodec is the default codec; stored values stay readable with redis-cli.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(e Entry) ([]byte, error) { return json.Marshal(e) }

func (JSONCodec) Decode(b []byte) (Entry, error) {
	var e Entry
	err := json.Unmarshal(b, &e)
	return e, err
}

// MsgpackCodec trades readability for compact entries.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(e Entry) ([]byte, error) { return msgpack.Marshal(e) }

func (MsgpackCodec) Decode(b []byte) (Entry, error) {
	var e Entry
	err := msgpack.Unmarshal(b, &e)
	return e, err
}

// CBORCodec encodes entries deterministically (RFC 8949 core rules). The zero
// value is not usable; construct with NewCBORCodec.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBORCodec() (CBORCodec, error) {
	eo := cbor.CoreDetEncOptions()
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return CBORCodec{}, fmt.Errorf("querycache: cbor enc mode: %w", err)
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return CBORCodec{}, fmt.Errorf("querycache: cbor dec mode: %w", err)
	}
	return CBORCodec{enc: em, dec: dm}, nil
}

func (CBORCodec) Name() string { return "cbor" }

func (c CBORCodec) Encode(e Entry) ([]byte, error) { return c.enc.Marshal(e) }

func (c CBORCodec) Decode(b []byte) (Entry, error) {
	var e Entry
	err := c.dec.Unmarshal(b, &e)
	return e, err
}

// CodecByName resolves the configured codec; empty selects JSON.
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("querycache: unsupported codec %q", name)
	}
}
