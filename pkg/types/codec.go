package types

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// Codec 存储值的序列化方式。
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec 基于 encoding/json 的 Codec。
type JSONCodec struct{}

// Marshal 序列化
func (JSONCodec) Marshal(v any) ([]byte, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "types: marshal")
	}
	return buf, nil
}

// Unmarshal 反序列化
func (JSONCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrap(err, "types: unmarshal")
	}
	return nil
}

// DefaultCodec 默认 Codec。
var DefaultCodec Codec = JSONCodec{}

// ReadPrefixDatabase 反序列化前缀数据库。
func ReadPrefixDatabase(codec Codec, data []byte) (PrefixDatabase, error) {
	var db PrefixDatabase
	if len(data) == 0 {
		return db, errors.New("types: empty prefix database")
	}
	if err := codec.Unmarshal(data, &db); err != nil {
		return PrefixDatabase{}, err
	}
	return db, nil
}

// ReadAdjacencyDatabase 反序列化邻接表。
func ReadAdjacencyDatabase(codec Codec, data []byte) (AdjacencyDatabase, error) {
	var db AdjacencyDatabase
	if len(data) == 0 {
		return db, errors.New("types: empty adjacency database")
	}
	if err := codec.Unmarshal(data, &db); err != nil {
		return AdjacencyDatabase{}, err
	}
	return db, nil
}
