package loader

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/axiomos/rkbpf/internal/asm"
	"github.com/axiomos/rkbpf/internal/maps"
)

// Object limits. A robot controller loads a handful of programs, not a
// distribution's worth.
const (
	MaxPrograms = 64
	MaxMaps     = 64
)

// mapDefSize is the serialized size of one map definition: five u32
// fields in file byte order.
const mapDefSize = 20

// LoadedMap is a named map definition from the object's maps section.
type LoadedMap struct {
	Name string
	Def  maps.Def
}

// Object is a fully loaded and relocated BPF object: programs, maps, and
// the optional license string. The object owns its instruction storage.
type Object struct {
	Programs []*asm.Program
	Maps     []LoadedMap
	License  string
}

// Program returns a program by name.
func (o *Object) Program(name string) (*asm.Program, bool) {
	for _, p := range o.Programs {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Map returns a map definition by name.
func (o *Object) Map(name string) (LoadedMap, bool) {
	for _, m := range o.Maps {
		if m.Name == name {
			return m, true
		}
	}
	return LoadedMap{}, false
}

// progTypeForSection derives the program type from its section name, the
// way clang-compiled objects convey it ("kprobe/sys_write",
// "tracepoint/syscalls/sys_enter_write", "xdp", ...).
func progTypeForSection(name string) asm.ProgType {
	switch {
	case strings.HasPrefix(name, "kprobe/"), strings.HasPrefix(name, "kretprobe/"):
		return asm.ProgTypeKprobe
	case strings.HasPrefix(name, "tracepoint/"), strings.HasPrefix(name, "tp/"):
		return asm.ProgTypeTracepoint
	case strings.HasPrefix(name, "xdp"):
		return asm.ProgTypeXdp
	case strings.HasPrefix(name, "socket"):
		return asm.ProgTypeSocketFilter
	case strings.HasPrefix(name, "perf_event"):
		return asm.ProgTypePerfEvent
	case strings.HasPrefix(name, "raw_tracepoint"):
		return asm.ProgTypeRawTracepoint
	default:
		return asm.ProgTypeSocketFilter
	}
}

// Load parses an object file, classifies its sections, builds the map
// table, extracts and relocates every program, and returns the assembled
// object.
func Load(data []byte) (*Object, error) {
	f, err := Parse(data)
	if err != nil {
		return nil, err
	}

	obj := &Object{}

	// Maps first: program relocation needs the table indices.
	if s, ok := f.FindSection("maps"); ok {
		if err := loadMaps(f, s, obj); err != nil {
			return nil, err
		}
	} else if s, ok := f.FindSection(".maps"); ok {
		if err := loadMaps(f, s, obj); err != nil {
			return nil, err
		}
	}

	license, err := loadLicense(f)
	if err != nil {
		return nil, err
	}
	obj.License = license

	relocator := newRelocator(obj.Maps)

	for i := range f.Sections() {
		s := &f.Sections()[i]
		if s.Kind != KindProgram || s.Size == 0 {
			continue
		}
		name, err := f.SectionName(s)
		if err != nil {
			return nil, err
		}

		raw, err := f.SectionData(s)
		if err != nil {
			return nil, err
		}
		if len(raw)%asm.InstructionSize != 0 {
			return nil, fmt.Errorf("%w: section %q", ErrBadInstructionLen, name)
		}
		insns, err := asm.Decode(raw, f.ByteOrder())
		if err != nil {
			return nil, err
		}

		insns, err = relocator.apply(f, s.Index, insns)
		if err != nil {
			return nil, err
		}

		prog, err := asm.NewProgram(name, progTypeForSection(name), insns, len(obj.Maps))
		if err != nil {
			return nil, fmt.Errorf("loader: program %q: %w", name, err)
		}

		if len(obj.Programs) >= MaxPrograms {
			return nil, ErrTooManyPrograms
		}
		obj.Programs = append(obj.Programs, prog)
	}

	if len(obj.Programs) == 0 {
		return nil, ErrNoPrograms
	}
	return obj, nil
}

// loadMaps parses the maps section: consecutive map definitions, each
// named by the symbol whose value is its offset into the section.
func loadMaps(f *File, s *Section, obj *Object) error {
	data, err := f.SectionData(s)
	if err != nil {
		return err
	}
	if len(data)%mapDefSize != 0 {
		return fmt.Errorf("%w: section size %d", ErrBadMapData, len(data))
	}

	count := len(data) / mapDefSize
	if count > MaxMaps {
		return ErrTooManyMaps
	}
	if count == 0 {
		return nil
	}

	// Resolve names through the symbol table: each map symbol's value is
	// its byte offset within the maps section.
	names := make(map[uint64]string)
	syms, err := f.Symbols()
	if err != nil {
		return err
	}
	for i := range syms {
		sym := &syms[i]
		if int(sym.Shndx) != s.Index {
			continue
		}
		name, err := f.SymbolName(sym)
		if err != nil || name == "" {
			continue
		}
		names[sym.Value] = name
	}

	order := f.ByteOrder()
	for i := 0; i < count; i++ {
		off := i * mapDefSize
		def := maps.Def{
			Type:       maps.Type(order.Uint32(data[off:])),
			KeySize:    order.Uint32(data[off+4:]),
			ValueSize:  order.Uint32(data[off+8:]),
			MaxEntries: order.Uint32(data[off+12:]),
			Flags:      order.Uint32(data[off+16:]),
		}
		name, ok := names[uint64(off)]
		if !ok {
			name = fmt.Sprintf("map_%d", i)
		}
		obj.Maps = append(obj.Maps, LoadedMap{Name: name, Def: def})
	}
	return nil
}

// loadLicense extracts the NUL-terminated license string, when present.
func loadLicense(f *File) (string, error) {
	s, ok := f.FindSection("license")
	if !ok {
		return "", nil
	}
	data, err := f.SectionData(s)
	if err != nil {
		return "", err
	}
	end := 0
	for end < len(data) && data[end] != 0 {
		end++
	}
	if !utf8.Valid(data[:end]) {
		return "", ErrBadLicense
	}
	return string(data[:end]), nil
}
