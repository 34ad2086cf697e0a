package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/dRT/rpc/common"
)

// NewBinarySerializer creates a new serializer using a compact binary format
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format:
//
//	type (1) | flags (1) | shard (4) | optional fields in flag order
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKey   byte = 1 << 0
	hasValue byte = 1 << 1
	hasOk    byte = 1 << 2
	hasErr   byte = 1 << 3
	hasMeta  byte = 1 << 4
)

const binaryHeaderSize = 6

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, binaryHeaderSize, b.sizeBytes(msg))
	result[0] = byte(msg.MsgType)
	binary.BigEndian.PutUint32(result[2:6], msg.Shard)

	var flags byte
	if msg.Key != "" {
		flags |= hasKey
		result = appendField(result, []byte(msg.Key))
	}
	if msg.Value != nil {
		flags |= hasValue
		result = appendField(result, msg.Value)
	}
	if msg.Ok {
		flags |= hasOk
	}
	if msg.Err != "" {
		flags |= hasErr
		result = appendField(result, []byte(msg.Err))
	}
	if msg.Meta != nil {
		flags |= hasMeta
		result = appendField(result, msg.Meta)
	}

	// Set flags byte after knowing which fields are present
	result[1] = flags
	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < binaryHeaderSize {
		return fmt.Errorf("data too short for message header")
	}

	*msg = common.Message{
		MsgType: common.MessageType(data[0]),
		Shard:   binary.BigEndian.Uint32(data[2:6]),
	}
	flags := data[1]
	pos := binaryHeaderSize

	if flags&hasKey != 0 {
		key, n, err := readField(data, pos, "key")
		if err != nil {
			return err
		}
		msg.Key = string(key)
		pos = n
	}

	if flags&hasValue != 0 {
		value, n, err := readField(data, pos, "value")
		if err != nil {
			return err
		}
		// an empty value stays non nil
		msg.Value = append(make([]byte, 0, len(value)), value...)
		pos = n
	}

	msg.Ok = flags&hasOk != 0

	if flags&hasErr != 0 {
		errMsg, n, err := readField(data, pos, "error")
		if err != nil {
			return err
		}
		msg.Err = string(errMsg)
		pos = n
	}

	if flags&hasMeta != 0 {
		meta, n, err := readField(data, pos, "meta")
		if err != nil {
			return err
		}
		msg.Meta = append(make([]byte, 0, len(meta)), meta...)
		pos = n
	}

	if pos != len(data) {
		return fmt.Errorf("%d trailing bytes after message", len(data)-pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	size := binaryHeaderSize

	// 4 bytes length prefix per variable field
	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}
	return size
}

func appendField(dst, field []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(field)))
	return append(dst, field...)
}

// readField reads a length prefixed field at pos and returns it with the position after it
func readField(data []byte, pos int, name string) ([]byte, int, error) {
	if pos+4 > len(data) {
		return nil, 0, fmt.Errorf("data too short for %s length", name)
	}
	n := int(binary.BigEndian.Uint32(data[pos : pos+4]))
	pos += 4
	if n > len(data)-pos {
		return nil, 0, fmt.Errorf("data too short for %s data", name)
	}
	return data[pos : pos+n], pos + n, nil
}
