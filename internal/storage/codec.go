package storage

import (
	"encoding/json"
	"errors"
	"fmt"

	"bleedthrough/internal/compress"
	"bleedthrough/internal/model"
)

const (
	CurrentSchemaVersion = 1
	CurrentCodecVersion  = 1
)

var ErrVersionMismatch = errors.New("record version mismatch")

// payloadCompression is applied to every encoded run before it is stored.
const payloadCompression = compress.Zstd

// Stamp sets the current schema and codec versions on a record.
func Stamp(run model.RunRecord) model.RunRecord {
	run.SchemaVersion = CurrentSchemaVersion
	run.CodecVersion = CurrentCodecVersion
	return run
}

func EncodeRun(run model.RunRecord) ([]byte, error) {
	if err := checkVersion(run.VersionedRecord); err != nil {
		return nil, err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return nil, err
	}
	codec, err := compress.GetCodec(payloadCompression)
	if err != nil {
		return nil, err
	}
	return codec.Compress(data)
}

func DecodeRun(payload []byte) (model.RunRecord, error) {
	codec, err := compress.GetCodec(payloadCompression)
	if err != nil {
		return model.RunRecord{}, err
	}
	data, err := codec.Decompress(payload)
	if err != nil {
		return model.RunRecord{}, fmt.Errorf("decompress run: %w", err)
	}
	var run model.RunRecord
	if err := json.Unmarshal(data, &run); err != nil {
		return model.RunRecord{}, err
	}
	if err := checkVersion(run.VersionedRecord); err != nil {
		return model.RunRecord{}, err
	}
	return run, nil
}

func checkVersion(v model.VersionedRecord) error {
	if v.SchemaVersion != CurrentSchemaVersion || v.CodecVersion != CurrentCodecVersion {
		return ErrVersionMismatch
	}
	return nil
}
