package model

import (
	"iter"
	"slices"

	"binmerchant/internal/binexport"
)

// InstructionIndices yields the instruction indices covered by a basic
// block's ranges, in order. Ranges without a begin index are skipped. The
// sequence can be ranged over any number of times.
func InstructionIndices(bb *binexport.BasicBlock) iter.Seq[int] {
	return func(yield func(int) bool) {
		if bb == nil {
			return
		}
		for _, r := range bb.InstructionRanges {
			if r.BeginIndex == nil {
				continue
			}
			begin := int(*r.BeginIndex)
			if r.EndIndex == nil {
				if !yield(begin) {
					return
				}
				continue
			}
			for i := begin; i < int(*r.EndIndex); i++ {
				if !yield(i) {
					return
				}
			}
		}
	}
}

// firstInstruction returns the begin index of a block's first range.
func firstInstruction(bb *binexport.BasicBlock) (int, bool) {
	if bb == nil || len(bb.InstructionRanges) == 0 || bb.InstructionRanges[0].BeginIndex == nil {
		return 0, false
	}
	return int(*bb.InstructionRanges[0].BeginIndex), true
}

// blockInstructions validates a block's ranges and expands them: every range
// needs a begin index, ranges must be ordered, must not overlap and must stay
// within the instruction table.
func blockInstructions(bbIndex int, bb *binexport.BasicBlock, numInstructions int) ([]int, error) {
	if len(bb.InstructionRanges) == 0 {
		return nil, &MissingFieldError{Entity: "basic block", Index: bbIndex, Field: "instruction ranges"}
	}

	next := -1
	for _, r := range bb.InstructionRanges {
		if r.BeginIndex == nil {
			return nil, &MissingFieldError{Entity: "basic block", Index: bbIndex, Field: "range begin index"}
		}
		begin := int(*r.BeginIndex)
		end := begin + 1
		if r.EndIndex != nil {
			end = int(*r.EndIndex)
		}
		if begin < next || end < begin {
			return nil, &RangeError{BasicBlock: bbIndex, Begin: begin, End: end}
		}
		if end > begin {
			if err := checkIndex("instruction", begin, numInstructions); err != nil {
				return nil, err
			}
			if end > numInstructions {
				return nil, &IndexError{Entity: "instruction", Index: numInstructions, Len: numInstructions}
			}
		}
		next = end
	}
	return slices.Collect(InstructionIndices(bb)), nil
}
