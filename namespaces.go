package qdb

import (
	"bytes"
	"fmt"
)

// Namespace tags. Each namespace name starts with one of these bytes; fixed
// numeric fields that follow are little-endian.
//
//	queue storage    [ q ][ queue id:8 ]
//	index storage    [ i ][ index id:8 ][ rev:1 ][ queue id:8 ][ mode:1 ][ function id:8 ]
//	functions        [ f ]
//	name lookups     [ n ]
//	index revisions  [ r ]
//	id sequence      [ s ]
//	index registry   [ m ]
const (
	tagQueueStorage   byte = 'q'
	tagIndexStorage   byte = 'i'
	tagFunctions      byte = 'f'
	tagNameLookups    byte = 'n'
	tagIndexRevisions byte = 'r'
	tagSequence       byte = 's'
	tagIndexRegistry  byte = 'm'
)

const (
	queueNamespaceLen = 1 + 8
	indexNamespaceLen = 1 + 8 + 1 + 8 + 1 + 8

	indexQueueOff = 1 + 8 + 1
)

var (
	functionsNamespace      = []byte{tagFunctions}
	nameLookupsNamespace    = []byte{tagNameLookups}
	indexRevisionsNamespace = []byte{tagIndexRevisions}
	sequenceNamespace       = []byte{tagSequence}
	indexRegistryNamespace  = []byte{tagIndexRegistry}
)

func queueNamespace(id uint64) []byte {
	bb := makeBytesBuilder(queueNamespaceLen)
	bb.AppendByte(tagQueueStorage)
	bb.AppendFixedUint64LE(id)
	return bb.Buf
}

func parseQueueNamespace(name []byte) (uint64, bool) {
	if len(name) != queueNamespaceLen || name[0] != tagQueueStorage {
		return 0, false
	}
	d := makeByteDecoder(name[1:])
	id, err := d.FixedUint64LE()
	return id, err == nil
}

// IndexDesc is the identity of an index, fully encoded in its namespace name.
type IndexDesc struct {
	ID       uint64
	Rev      uint8
	Queue    uint64
	Mode     IndexMode
	Function uint64
}

func (d IndexDesc) namespace() []byte {
	bb := makeBytesBuilder(indexNamespaceLen)
	bb.AppendByte(tagIndexStorage)
	bb.AppendFixedUint64LE(d.ID)
	bb.AppendByte(d.Rev)
	bb.AppendFixedUint64LE(d.Queue)
	bb.AppendByte(d.Mode.Discriminant())
	bb.AppendFixedUint64LE(d.Function)
	return bb.Buf
}

func (d IndexDesc) String() string {
	return fmt.Sprintf("index %d rev %d on queue %d (%v, function %d)", d.ID, d.Rev, d.Queue, d.Mode, d.Function)
}

func parseIndexNamespace(name []byte) (IndexDesc, error) {
	var desc IndexDesc
	if len(name) != indexNamespaceLen {
		return desc, encodingErrf(name, 0, nil, "index namespace name must be %d bytes, got %d", indexNamespaceLen, len(name))
	}
	d := makeByteDecoder(name)
	if tag, _ := d.Byte(); tag != tagIndexStorage {
		return desc, encodingErrf(name, 0, nil, "not an index namespace (tag %q)", tag)
	}
	desc.ID, _ = d.FixedUint64LE()
	desc.Rev, _ = d.Byte()
	desc.Queue, _ = d.FixedUint64LE()
	modeOff := d.Off()
	disc, _ := d.Byte()
	desc.Function, _ = d.FixedUint64LE()

	mode, ok := ModeByDiscriminant(disc)
	if !ok {
		return desc, encodingErrf(name, modeOff, ErrUnknownMode, "index mode %d", disc)
	}
	desc.Mode = mode
	return desc, d.End()
}

// isIndexOfQueue matches the index namespace pattern for the given queue id
// without fully parsing the name.
func isIndexOfQueue(name []byte, queueID uint64) bool {
	return len(name) == indexNamespaceLen && name[0] == tagIndexStorage &&
		bytes.Equal(name[indexQueueOff:indexQueueOff+8], leUint64Bytes(queueID))
}

func registryKey(desc IndexDesc) []byte {
	bb := makeBytesBuilder(8 + indexNamespaceLen)
	bb.AppendFixedUint64LE(desc.Queue)
	bb.AppendRaw(desc.namespace())
	return bb.Buf
}

func describeNamespace(name []byte) string {
	if len(name) == 0 {
		return "<empty>"
	}
	switch name[0] {
	case tagQueueStorage:
		if id, ok := parseQueueNamespace(name); ok {
			return fmt.Sprintf("queue %d", id)
		}
	case tagIndexStorage:
		if desc, err := parseIndexNamespace(name); err == nil {
			return desc.String()
		}
	}
	if len(name) == 1 {
		switch name[0] {
		case tagFunctions:
			return "functions"
		case tagNameLookups:
			return "names"
		case tagIndexRevisions:
			return "revisions"
		case tagSequence:
			return "sequence"
		case tagIndexRegistry:
			return "registry"
		}
	}
	return hexstr(name)
}
