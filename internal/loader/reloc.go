package loader

import (
	"fmt"

	"github.com/axiomos/rkbpf/internal/asm"
)

// BPF relocation types. Only map references and helper calls are honoured;
// the absolute-data types and anything unknown are ignored without error.
const (
	// RelBPF6464 patches a 64-bit load immediate with a map reference.
	RelBPF6464 = 1
	relBPFAbs64 = 2
	relBPFAbs32 = 3
	// RelBPF6432 patches a call's 32-bit immediate with a helper id.
	RelBPF6432 = 10
)

// relocator resolves symbolic references in program sections against the
// object's map table and the fixed helper-name table.
type relocator struct {
	mapIdx map[string]int
}

func newRelocator(mapTable []LoadedMap) *relocator {
	idx := make(map[string]int, len(mapTable))
	for i, m := range mapTable {
		idx[m.Name] = i
	}
	return &relocator{mapIdx: idx}
}

// apply patches the instructions of the program section at sectionIdx.
func (r *relocator) apply(f *File, sectionIdx int, insns []asm.Instruction) ([]asm.Instruction, error) {
	relocs, err := f.Relocations(sectionIdx)
	if err != nil {
		return nil, err
	}
	if len(relocs) == 0 {
		return insns, nil
	}

	syms, err := f.Symbols()
	if err != nil {
		return nil, err
	}

	for _, rel := range relocs {
		insnIdx := int(rel.Offset / asm.InstructionSize)
		if insnIdx >= len(insns) {
			return nil, fmt.Errorf("%w: offset 0x%x", ErrBadRelocation, rel.Offset)
		}
		if int(rel.SymIdx) >= len(syms) {
			return nil, fmt.Errorf("%w: symbol index %d", ErrUndefinedSymbol, rel.SymIdx)
		}
		symName, err := f.SymbolName(&syms[rel.SymIdx])
		if err != nil {
			return nil, err
		}

		switch rel.Type {
		case RelBPF6464:
			if err := r.relocateMapRef(insns, insnIdx, symName); err != nil {
				return nil, err
			}
		case RelBPF6432:
			relocateCall(insns, insnIdx, symName)
		case relBPFAbs64, relBPFAbs32:
			// Absolute data references: handled by the data sections
			// themselves, nothing to patch in the instruction stream.
		default:
			// Unknown relocation types are ignored.
		}
	}
	return insns, nil
}

// relocateMapRef resolves a map symbol and patches the wide load: the
// immediate becomes the map-table index and the source nibble becomes the
// pseudo value the execution engine recognises as "this immediate is a
// map index, not a literal".
func (r *relocator) relocateMapRef(insns []asm.Instruction, insnIdx int, symName string) error {
	mapIdx, ok := r.mapIdx[symName]
	if !ok {
		return fmt.Errorf("%w: map %q", ErrUndefinedSymbol, symName)
	}

	in := &insns[insnIdx]
	*in = in.WithSrc(asm.PseudoMapIdx)
	in.Imm = int32(mapIdx)

	// The high half of the wide pair carries no payload for map refs.
	if in.IsWide() && insnIdx+1 < len(insns) {
		insns[insnIdx+1].Imm = 0
	}
	return nil
}

// relocateCall maps a helper symbol to its numeric id and patches the
// call immediate. Unknown names are left intact: the interpreter reports
// them at call time instead.
func relocateCall(insns []asm.Instruction, insnIdx int, symName string) {
	if id, ok := HelperID(symName); ok {
		insns[insnIdx].Imm = id
	}
}
