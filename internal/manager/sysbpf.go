package manager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/axiomos/rkbpf/internal/asm"
	"github.com/axiomos/rkbpf/internal/attach"
	"github.com/axiomos/rkbpf/internal/maps"
)

// sys_bpf command vocabulary. Stable ABI with userspace.
const (
	CmdMapCreate     = 0
	CmdMapLookupElem = 1
	CmdMapUpdateElem = 2
	CmdMapDeleteElem = 3
	CmdProgLoad      = 5
	CmdProgAttach    = 8
)

// Return conventions: non-negative id on success.
const (
	// RetErr is the generic failure return.
	RetErr int64 = -1
	// RetKeyNotFound reports a missing map key.
	RetKeyNotFound int64 = -2
)

// attrBytes is the size of the syscall attribute structure. Its fields
// are repurposed per command:
//
//	MAP_CREATE:   u32 map_type, u32 key_size, u32 value_size,
//	              u32 max_entries, u32 flags
//	MAP_*_ELEM:   u32 map_id, pad, u64 key_ptr, u64 value_ptr, u64 flags
//	PROG_LOAD:    u32 prog_type, u32 insn_cnt, u64 insns_ptr
//	PROG_ATTACH:  u32 prog_id, u32 attach_type, u64 target_ptr,
//	              u32 target_len
const attrBytes = 48

// userspaceTop is the exclusive upper bound of userspace addresses
// (lower half of the canonical address space).
const userspaceTop = uint64(1) << 47

// AddrSpace is the userspace memory view the syscall surface reads
// attribute payloads through. The kernel-side implementation copies
// through the page tables; tests use a byte-map fake.
type AddrSpace interface {
	// ReadAt copies n bytes from the userspace address.
	ReadAt(addr uint64, n int) ([]byte, error)
	// WriteAt copies bytes to the userspace address.
	WriteAt(addr uint64, b []byte) error
}

// validatePtr checks a userspace pointer before any dereference: non-nil,
// aligned, and the whole range inside the userspace half.
func validatePtr(addr uint64, size int, align uint64) error {
	if addr == 0 {
		return errors.New("nil pointer")
	}
	if align > 1 && addr%align != 0 {
		return fmt.Errorf("pointer %#x not %d-aligned", addr, align)
	}
	end := addr + uint64(size)
	if end < addr || end > userspaceTop {
		return fmt.Errorf("range [%#x,%#x) outside userspace", addr, end)
	}
	return nil
}

// maxInsnCount bounds a PROG_LOAD request.
const maxInsnCount = asm.MaxInstructions

// SysBpf is the single syscall entry point: (cmd, attr_ptr, size).
// Returns a non-negative id on success, RetErr on failure, and
// RetKeyNotFound for missing map keys.
func (m *Manager) SysBpf(cmd uint32, attrPtr uint64, size uint64, as AddrSpace) int64 {
	if size < attrBytes {
		m.logger.Warn("sys_bpf: short attr", "cmd", cmd, "size", size)
		return RetErr
	}
	if err := validatePtr(attrPtr, attrBytes, 8); err != nil {
		m.logger.Warn("sys_bpf: bad attr pointer", "cmd", cmd, "error", err)
		return RetErr
	}
	attr, err := as.ReadAt(attrPtr, attrBytes)
	if err != nil {
		return RetErr
	}

	switch cmd {
	case CmdMapCreate:
		return m.sysMapCreate(attr)
	case CmdMapLookupElem:
		return m.sysMapElem(attr, as, cmd)
	case CmdMapUpdateElem:
		return m.sysMapElem(attr, as, cmd)
	case CmdMapDeleteElem:
		return m.sysMapElem(attr, as, cmd)
	case CmdProgLoad:
		return m.sysProgLoad(attr, as)
	case CmdProgAttach:
		return m.sysProgAttach(attr, as)
	default:
		m.logger.Warn("sys_bpf: unknown command", "cmd", cmd)
		return RetErr
	}
}

func (m *Manager) sysMapCreate(attr []byte) int64 {
	def := maps.Def{
		Type:       maps.Type(binary.LittleEndian.Uint32(attr[0:])),
		KeySize:    binary.LittleEndian.Uint32(attr[4:]),
		ValueSize:  binary.LittleEndian.Uint32(attr[8:]),
		MaxEntries: binary.LittleEndian.Uint32(attr[12:]),
		Flags:      binary.LittleEndian.Uint32(attr[16:]),
	}
	id, err := m.CreateMap(def)
	if err != nil {
		m.logger.Warn("sys_bpf: map create failed", "type", def.Type.String(), "error", err)
		return RetErr
	}
	return int64(id)
}

func (m *Manager) sysMapElem(attr []byte, as AddrSpace, cmd uint32) int64 {
	mapID := binary.LittleEndian.Uint32(attr[0:])
	keyPtr := binary.LittleEndian.Uint64(attr[8:])
	valuePtr := binary.LittleEndian.Uint64(attr[16:])

	mp, ok := m.Map(mapID)
	if !ok {
		return RetErr
	}
	def := mp.Def()

	if err := validatePtr(keyPtr, int(def.KeySize), 1); err != nil {
		return RetErr
	}
	key, err := as.ReadAt(keyPtr, int(def.KeySize))
	if err != nil {
		return RetErr
	}

	switch cmd {
	case CmdMapLookupElem:
		value, err := mp.Lookup(key)
		if err != nil {
			if errors.Is(err, maps.ErrKeyNotFound) {
				return RetKeyNotFound
			}
			return RetErr
		}
		if err := validatePtr(valuePtr, len(value), 1); err != nil {
			return RetErr
		}
		if err := as.WriteAt(valuePtr, value); err != nil {
			return RetErr
		}
		return 0
	case CmdMapUpdateElem:
		if err := validatePtr(valuePtr, int(def.ValueSize), 1); err != nil {
			return RetErr
		}
		value, err := as.ReadAt(valuePtr, int(def.ValueSize))
		if err != nil {
			return RetErr
		}
		if err := mp.Update(key, value); err != nil {
			return RetErr
		}
		return 0
	default: // CmdMapDeleteElem
		if err := mp.Delete(key); err != nil {
			if errors.Is(err, maps.ErrKeyNotFound) {
				return RetKeyNotFound
			}
			return RetErr
		}
		return 0
	}
}

func (m *Manager) sysProgLoad(attr []byte, as AddrSpace) int64 {
	insnCnt := int(binary.LittleEndian.Uint32(attr[4:]))
	insnsPtr := binary.LittleEndian.Uint64(attr[8:])

	if insnCnt == 0 || insnCnt > maxInsnCount {
		m.logger.Warn("sys_bpf: invalid instruction count", "count", insnCnt)
		return RetErr
	}
	size := insnCnt * asm.InstructionSize
	if err := validatePtr(insnsPtr, size, 8); err != nil {
		m.logger.Warn("sys_bpf: bad instructions pointer", "error", err)
		return RetErr
	}
	raw, err := as.ReadAt(insnsPtr, size)
	if err != nil {
		return RetErr
	}
	insns, err := asm.Decode(raw, binary.LittleEndian)
	if err != nil {
		return RetErr
	}

	id, err := m.LoadRawProgram(insns)
	if err != nil {
		m.logger.Warn("sys_bpf: program rejected", "error", err)
		return RetErr
	}
	m.logger.Info("sys_bpf: program loaded", "id", id, "insns", insnCnt)
	return int64(id)
}

func (m *Manager) sysProgAttach(attr []byte, as AddrSpace) int64 {
	progID := binary.LittleEndian.Uint32(attr[0:])
	attachType := binary.LittleEndian.Uint32(attr[4:])
	targetPtr := binary.LittleEndian.Uint64(attr[8:])
	targetLen := int(binary.LittleEndian.Uint32(attr[16:]))

	if targetLen <= 0 || targetLen > 256 {
		return RetErr
	}
	if err := validatePtr(targetPtr, targetLen, 1); err != nil {
		return RetErr
	}
	raw, err := as.ReadAt(targetPtr, targetLen)
	if err != nil {
		return RetErr
	}
	target := string(raw)

	point, err := pointForTarget(attachType, target)
	if err != nil {
		m.logger.Warn("sys_bpf: invalid attach target", "type", attachType, "target", target, "error", err)
		return RetErr
	}

	id, err := m.AttachProgram(progID, point)
	if err != nil {
		return RetErr
	}
	return int64(id)
}

// Attach type values of the PROG_ATTACH command.
const (
	AttachTypeKprobe     = 0
	AttachTypeKretprobe  = 1
	AttachTypeTracepoint = 2
	AttachTypeGpio       = 3
	AttachTypeIio        = 4
	AttachTypePwm        = 5
)

// pointForTarget parses a textual attach target into its attach point.
// Target grammars: kprobes take a function name; tracepoints take
// "category:name"; GPIO takes "chip:line:flags" with the edge in the low
// flag bits; IIO takes "device:channel"; PWM takes "chip:channel".
func pointForTarget(attachType uint32, target string) (attach.Point, error) {
	switch attachType {
	case AttachTypeKprobe:
		return attach.NewKprobe(target, false)
	case AttachTypeKretprobe:
		return attach.NewKprobe(target, true)
	case AttachTypeTracepoint:
		category, name, ok := strings.Cut(target, ":")
		if !ok {
			return nil, &attach.InvalidTargetError{Target: target}
		}
		return attach.NewTracepoint(category, name)
	case AttachTypeGpio:
		parts := strings.Split(target, ":")
		if len(parts) != 3 {
			return nil, &attach.InvalidTargetError{Target: target}
		}
		line, err := strconv.ParseUint(parts[1], 10, 32)
		if err != nil {
			return nil, &attach.InvalidTargetError{Target: target}
		}
		flags, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			return nil, &attach.InvalidTargetError{Target: target}
		}
		return attach.NewGpio(parts[0], uint32(line), attach.EdgeFromFlags(uint32(flags)))
	case AttachTypeIio:
		device, channel, ok := strings.Cut(target, ":")
		if !ok {
			return nil, &attach.InvalidTargetError{Target: target}
		}
		return attach.NewIio(device, channel)
	case AttachTypePwm:
		chip, channelStr, ok := strings.Cut(target, ":")
		if !ok {
			return nil, &attach.InvalidTargetError{Target: target}
		}
		channel, err := strconv.ParseUint(channelStr, 10, 32)
		if err != nil {
			return nil, &attach.InvalidTargetError{Target: target}
		}
		return attach.NewPwm(chip, uint32(channel))
	default:
		return nil, fmt.Errorf("manager: unknown attach type %d", attachType)
	}
}
