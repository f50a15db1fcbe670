package text

// ForceLongSequenceWorkaround makes bt chunk documents longer than its workaround
// length whatever its tokenizer reports.
func ForceLongSequenceWorkaround(bt *BatchTokenizer) {
	bt.needsWorkaround = true
}

var SplitChunks = splitChunks
