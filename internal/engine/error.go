package engine

// BlockError is the typed failure of a block action. It always names the
// failing block so API consumers and the relay can attribute the error.
type BlockError struct {
	Message   string `json:"message"`
	BlockType string `json:"blockType"`
	BlockID   string `json:"blockId"`
}

func (e *BlockError) Error() string {
	return "block " + e.BlockID + " (" + e.BlockType + "): " + e.Message
}

// NewBlockError wraps a message with the identity of the failing block.
func NewBlockError(message, blockType, blockID string) *BlockError {
	return &BlockError{Message: message, BlockType: blockType, BlockID: blockID}
}
