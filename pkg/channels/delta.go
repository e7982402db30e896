package channels

// Op is a delta operation.
type Op string

const (
	OpAdd      Op = "add"
	OpAddBatch Op = "add-batch"
	OpModify   Op = "modify"
	OpDelete   Op = "delete"
	OpReplace  Op = "replace"
)

// Delta is an incremental change relative to a previously sent snapshot.
type Delta struct {
	Op     Op          `json:"op"`
	Item   interface{} `json:"item,omitempty"`
	ItemID string      `json:"itemId,omitempty"`
	Items  interface{} `json:"items,omitempty"`
}

func AddDelta(item interface{}) Delta {
	return Delta{Op: OpAdd, Item: item}
}

func AddBatchDelta(items interface{}) Delta {
	return Delta{Op: OpAddBatch, Items: items}
}

func ModifyDelta(id string, item interface{}) Delta {
	return Delta{Op: OpModify, ItemID: id, Item: item}
}

func DeleteDelta(id string) Delta {
	return Delta{Op: OpDelete, ItemID: id}
}

// ReplaceDelta carries a complete new snapshot.
func ReplaceDelta(items interface{}) Delta {
	return Delta{Op: OpReplace, Items: items}
}
