package message

// Package message defines the platform-agnostic wire types handed to the
// delivery collaborator. The shaping core only counts and orders blocks;
// rendering specifics belong to the transport adapter.

// BlockType tags a display block.
type BlockType string

const (
	BlockHeader  BlockType = "header"
	BlockSection BlockType = "section"
	BlockContext BlockType = "context"
	BlockActions BlockType = "actions"
)

// Block is one display unit of a rich message.
type Block struct {
	Type BlockType
	Text string
}

// Rich is an ordered list of display blocks plus a plain-text fallback.
// Metadata is consumed by the delivery collaborator (batchType, messageCount,
// isBatched, threadId, ...).
type Rich struct {
	Blocks   []Block
	Fallback string
	Metadata map[string]any
}

// MetaString returns a string metadata value ("" when absent).
func (r Rich) MetaString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[key].(string)
	return s
}

// MetaInt returns an int metadata value (0 when absent).
func (r Rich) MetaInt(key string) int {
	if r.Metadata == nil {
		return 0
	}
	n, _ := r.Metadata[key].(int)
	return n
}

// ThreadPlacement instructs the delivery collaborator where to put a message:
// start a new thread, or reply under ParentRef.
type ThreadPlacement struct {
	IsNewThread bool
	ParentRef   string // opaque parent-message handle; empty for new threads
}
