// Package kv defines the key layout shared by every storage driver.
//
// Each actor occupies a single KV namespace scoped by its actor ID. Inside
// that namespace every record type lives under a single-byte prefix so a
// driver can enumerate one record type with a prefix scan. Queue message keys
// encode the message ID big-endian so prefix iteration yields messages in ID
// order.
package kv

import "encoding/binary"

// Single-byte key prefixes. These are persisted; never renumber them.
const (
	PrefixPersistData    byte = 0x01 // actor blob (state, schedule, input)
	PrefixConn           byte = 0x02 // one row per connection
	PrefixInspectorToken byte = 0x03 // inspector auth token
	PrefixUserKV         byte = 0x04 // user-scoped KV namespace
	PrefixQueue          byte = 0x05 // queue messages, big-endian u64 suffix
	PrefixQueueMetadata  byte = 0x06 // queue counters (nextId, size)
	PrefixTraces         byte = 0x07 // trace spans
	PrefixSQLite         byte = 0x08 // embedded database pages/handle
)

// Entry is a single key/value pair in a batch operation.
type Entry struct {
	Key   []byte
	Value []byte
}

// PersistDataKey returns the key of the actor blob.
func PersistDataKey() []byte { return []byte{PrefixPersistData} }

// InspectorTokenKey returns the key of the inspector token.
func InspectorTokenKey() []byte { return []byte{PrefixInspectorToken} }

// QueueMetadataKey returns the key of the queue metadata record.
func QueueMetadataKey() []byte { return []byte{PrefixQueueMetadata} }

// ConnKey returns the key of a connection row: PrefixConn || utf8(connID).
func ConnKey(connID string) []byte {
	key := make([]byte, 0, 1+len(connID))
	key = append(key, PrefixConn)
	return append(key, connID...)
}

// ConnIDFromKey extracts the connection ID from a connection row key.
// Returns "" if the key is not a connection key.
func ConnIDFromKey(key []byte) string {
	if len(key) < 1 || key[0] != PrefixConn {
		return ""
	}
	return string(key[1:])
}

// ConnPrefix returns the scan prefix covering all connection rows.
func ConnPrefix() []byte { return []byte{PrefixConn} }

// QueueMessageKey returns the key of a queue message:
// PrefixQueue || big-endian u64(id).
func QueueMessageKey(id uint64) []byte {
	key := make([]byte, 9)
	key[0] = PrefixQueue
	binary.BigEndian.PutUint64(key[1:], id)
	return key
}

// QueueMessageIDFromKey extracts the message ID from a queue message key.
// The second return is false if the key is not a queue message key.
func QueueMessageIDFromKey(key []byte) (uint64, bool) {
	if len(key) != 9 || key[0] != PrefixQueue {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[1:]), true
}

// QueuePrefix returns the scan prefix covering all queue messages.
func QueuePrefix() []byte { return []byte{PrefixQueue} }

// UserKey returns the key of a user KV record: PrefixUserKV || key.
func UserKey(key []byte) []byte {
	out := make([]byte, 0, 1+len(key))
	out = append(out, PrefixUserKV)
	return append(out, key...)
}

// UserKeyFromStored strips the user KV prefix from a stored key.
func UserKeyFromStored(key []byte) []byte {
	if len(key) < 1 || key[0] != PrefixUserKV {
		return nil
	}
	return key[1:]
}

// UserPrefix returns the scan prefix covering the user KV namespace.
func UserPrefix() []byte { return []byte{PrefixUserKV} }
