package loader

import (
	"bytes"
	"encoding/binary"

	"github.com/axiomos/rkbpf/internal/asm"
	"github.com/axiomos/rkbpf/internal/maps"
)

// objBuilder assembles minimal BPF ELF objects for loader tests: one
// program section with optional relocations, a maps section, a license,
// and the three bookkeeping tables.
type objBuilder struct {
	order       binary.ByteOrder
	progName    string
	insns       []asm.Instruction
	maps        []LoadedMap
	license     string
	relocs      []testReloc
	breakMagic  bool
	breakClass  bool
	machine     uint16
	truncateTo  int
}

// testReloc is a relocation request against the program section.
type testReloc struct {
	insnIdx int
	relType uint32
	symName string
	// symIsMap places the symbol in the maps section (a map ref);
	// helper symbols are left undefined (shndx 0).
	symIsMap bool
}

func newObjBuilder() *objBuilder {
	return &objBuilder{
		order:    binary.LittleEndian,
		progName: "kprobe/test",
		machine:  elfMachineBPF,
		insns:    []asm.Instruction{asm.Mov64Imm(0, 0), asm.Exit()},
	}
}

func (b *objBuilder) withInsns(insns ...asm.Instruction) *objBuilder {
	b.insns = insns
	return b
}

func (b *objBuilder) withMap(name string, def maps.Def) *objBuilder {
	b.maps = append(b.maps, LoadedMap{Name: name, Def: def})
	return b
}

func (b *objBuilder) withLicense(lic string) *objBuilder {
	b.license = lic
	return b
}

func (b *objBuilder) withReloc(insnIdx int, relType uint32, symName string, isMap bool) *objBuilder {
	b.relocs = append(b.relocs, testReloc{insnIdx: insnIdx, relType: relType, symName: symName, symIsMap: isMap})
	return b
}

func (b *objBuilder) bigEndian() *objBuilder {
	b.order = binary.BigEndian
	return b
}

// build assembles the object file bytes.
func (b *objBuilder) build() []byte {
	o := b.order

	// String tables.
	shstr := newStrtab()
	str := newStrtab()

	secNameOff := map[string]uint32{}
	for _, name := range []string{".shstrtab", ".strtab", ".symtab", b.progName, "maps", "license", ".rel" + b.progName} {
		secNameOff[name] = shstr.add(name)
	}

	// Symbol table: null symbol, then map symbols, then reloc symbols.
	type sym struct {
		nameOff uint32
		shndx   uint16
		value   uint64
	}
	syms := []sym{{}}
	symIdx := map[string]uint32{}
	const mapsSectionIdx = 5
	for i, m := range b.maps {
		symIdx[m.Name] = uint32(len(syms))
		syms = append(syms, sym{nameOff: str.add(m.Name), shndx: mapsSectionIdx, value: uint64(i * mapDefSize)})
	}
	for _, r := range b.relocs {
		if _, ok := symIdx[r.symName]; ok {
			continue
		}
		s := sym{nameOff: str.add(r.symName)}
		if r.symIsMap {
			s.shndx = mapsSectionIdx
		}
		symIdx[r.symName] = uint32(len(syms))
		syms = append(syms, s)
	}

	var symtab bytes.Buffer
	for _, s := range syms {
		var rec [symbolSize]byte
		o.PutUint32(rec[0:], s.nameOff)
		o.PutUint16(rec[6:], s.shndx)
		o.PutUint64(rec[8:], s.value)
		symtab.Write(rec[:])
	}

	// Program bytes in file byte order.
	var prog bytes.Buffer
	for _, in := range b.insns {
		var rec [asm.InstructionSize]byte
		rec[0] = in.Opcode
		rec[1] = in.Regs
		o.PutUint16(rec[2:], uint16(in.Offset))
		o.PutUint32(rec[4:], uint32(in.Imm))
		prog.Write(rec[:])
	}

	var mapsData bytes.Buffer
	for _, m := range b.maps {
		var rec [mapDefSize]byte
		o.PutUint32(rec[0:], uint32(m.Def.Type))
		o.PutUint32(rec[4:], m.Def.KeySize)
		o.PutUint32(rec[8:], m.Def.ValueSize)
		o.PutUint32(rec[12:], m.Def.MaxEntries)
		o.PutUint32(rec[16:], m.Def.Flags)
		mapsData.Write(rec[:])
	}

	var rel bytes.Buffer
	for _, r := range b.relocs {
		var rec [relSize]byte
		o.PutUint64(rec[0:], uint64(r.insnIdx*asm.InstructionSize))
		o.PutUint64(rec[8:], uint64(symIdx[r.symName])<<32|uint64(r.relType))
		rel.Write(rec[:])
	}

	license := append([]byte(b.license), 0)

	// File layout: header, section bodies, section header table.
	type section struct {
		name    string
		shType  uint32
		flags   uint64
		data    []byte
		link    uint32
		info    uint32
		entSize uint64
	}
	sections := []section{
		{},
		{name: ".shstrtab", shType: shtStrtab},
		{name: ".strtab", shType: shtStrtab, data: str.bytes()},
		{name: ".symtab", shType: shtSymtab, data: symtab.Bytes(), link: 2, entSize: symbolSize},
		{name: b.progName, shType: shtProgbits, flags: shfExecinstr, data: prog.Bytes()},
		{name: "maps", shType: shtProgbits, data: mapsData.Bytes()},
		{name: "license", shType: shtProgbits, data: license},
		{name: ".rel" + b.progName, shType: shtRel, data: rel.Bytes(), link: 3, info: 4, entSize: relSize},
	}
	// .shstrtab content is only final once all names are registered.
	sections[1].data = shstr.bytes()

	var body bytes.Buffer
	offsets := make([]uint64, len(sections))
	cursor := uint64(elfHeaderSize)
	for i := 1; i < len(sections); i++ {
		offsets[i] = cursor
		body.Write(sections[i].data)
		cursor += uint64(len(sections[i].data))
	}
	shoff := cursor

	out := make([]byte, elfHeaderSize)
	out[0], out[1], out[2], out[3] = 0x7f, 'E', 'L', 'F'
	out[4] = elfClass64
	if o == binary.ByteOrder(binary.BigEndian) {
		out[5] = elfData2MSB
	} else {
		out[5] = elfData2LSB
	}
	out[6] = 1
	o.PutUint16(out[18:], b.machine)
	o.PutUint64(out[40:], shoff)
	o.PutUint16(out[60:], uint16(len(sections)))
	o.PutUint16(out[62:], 1) // .shstrtab index

	if b.breakMagic {
		out[0] = 0
	}
	if b.breakClass {
		out[4] = 1
	}

	out = append(out, body.Bytes()...)

	for i, s := range sections {
		var sh [sectionHeaderSize]byte
		o.PutUint32(sh[0:], secNameOff[s.name])
		o.PutUint32(sh[4:], s.shType)
		o.PutUint64(sh[8:], s.flags)
		o.PutUint64(sh[24:], offsets[i])
		o.PutUint64(sh[32:], uint64(len(s.data)))
		o.PutUint32(sh[40:], s.link)
		o.PutUint32(sh[44:], s.info)
		o.PutUint64(sh[56:], s.entSize)
		out = append(out, sh[:]...)
	}

	if b.truncateTo > 0 && b.truncateTo < len(out) {
		out = out[:b.truncateTo]
	}
	return out
}

// strtab accumulates a NUL-separated string table.
type strtab struct {
	buf bytes.Buffer
	off map[string]uint32
}

func newStrtab() *strtab {
	t := &strtab{off: map[string]uint32{}}
	t.buf.WriteByte(0)
	return t
}

func (t *strtab) add(s string) uint32 {
	if off, ok := t.off[s]; ok {
		return off
	}
	off := uint32(t.buf.Len())
	t.buf.WriteString(s)
	t.buf.WriteByte(0)
	t.off[s] = off
	return off
}

func (t *strtab) bytes() []byte { return t.buf.Bytes() }
