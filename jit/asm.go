// Package jit assembles the small x86-32 routines the bridge generates:
// call thunks, callback trampolines, hook bridges and detour gateways.
package jit

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Reg is a 32-bit general purpose register in encoding order.
type Reg byte

const (
	EAX Reg = iota
	ECX
	EDX
	EBX
	ESP
	EBP
	ESI
	EDI
)

var regNames = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("Reg(%d)", byte(r))
}

// JmpSize is the length of a jmp rel32.
const JmpSize = 5

var ErrUnresolvedLabel = errors.New("jit: unresolved label")

type fixupKind int

const (
	fixLabel fixupKind = iota
	fixAbsolute
)

type fixup struct {
	at     int
	kind   fixupKind
	label  string
	target uint32
}

// Assembler accumulates machine code. Branches to labels and to absolute
// targets are encoded as rel32 and resolved by Link.
type Assembler struct {
	buf    []byte
	labels map[string]int
	fixups []fixup
}

// New returns an empty assembler.
func New() *Assembler {
	return &Assembler{labels: make(map[string]int)}
}

// Len returns the current code size.
func (a *Assembler) Len() int {
	return len(a.buf)
}

func (a *Assembler) emit(b ...byte) *Assembler {
	a.buf = append(a.buf, b...)
	return a
}

func (a *Assembler) imm32(v uint32) *Assembler {
	a.buf = binary.LittleEndian.AppendUint32(a.buf, v)
	return a
}

func modrm(mod, reg, rm byte) byte {
	return mod<<6 | (reg&7)<<3 | rm&7
}

func fitsInt8(v int32) bool {
	return v >= -128 && v <= 127
}

// Raw appends already encoded bytes.
func (a *Assembler) Raw(code []byte) *Assembler {
	return a.emit(code...)
}

// Label marks the current position.
func (a *Assembler) Label(name string) *Assembler {
	a.labels[name] = len(a.buf)
	return a
}

func (a *Assembler) Push(r Reg) *Assembler { return a.emit(0x50 + byte(r)) }
func (a *Assembler) Pop(r Reg) *Assembler  { return a.emit(0x58 + byte(r)) }
func (a *Assembler) Nop() *Assembler       { return a.emit(0x90) }

// PushImm pushes a 32-bit immediate.
func (a *Assembler) PushImm(v uint32) *Assembler {
	return a.emit(0x68).imm32(v)
}

// PushAbs pushes the dword at an absolute address.
func (a *Assembler) PushAbs(addr uint32) *Assembler {
	return a.emit(0xFF, modrm(0, 6, 5)).imm32(addr)
}

// PopAbs pops into the dword at an absolute address.
func (a *Assembler) PopAbs(addr uint32) *Assembler {
	return a.emit(0x8F, modrm(0, 0, 5)).imm32(addr)
}

// MovReg is mov dst, src.
func (a *Assembler) MovReg(dst, src Reg) *Assembler {
	return a.emit(0x89, modrm(3, byte(src), byte(dst)))
}

// MovImm is mov r, imm32.
func (a *Assembler) MovImm(r Reg, v uint32) *Assembler {
	return a.emit(0xB8 + byte(r)).imm32(v)
}

// StoreAbs is mov [addr], r.
func (a *Assembler) StoreAbs(addr uint32, r Reg) *Assembler {
	return a.emit(0x89, modrm(0, byte(r), 5)).imm32(addr)
}

// LoadAbs is mov r, [addr].
func (a *Assembler) LoadAbs(r Reg, addr uint32) *Assembler {
	return a.emit(0x8B, modrm(0, byte(r), 5)).imm32(addr)
}

// memOperand encodes [base+disp] for the given reg field.
func (a *Assembler) memOperand(reg byte, base Reg, disp int32) *Assembler {
	switch {
	case disp == 0 && base != EBP:
		a.emit(modrm(0, reg, byte(base)))
	case fitsInt8(disp):
		a.emit(modrm(1, reg, byte(base)))
	default:
		a.emit(modrm(2, reg, byte(base)))
	}
	if base == ESP {
		a.emit(0x24)
	}
	switch {
	case disp == 0 && base != EBP:
	case fitsInt8(disp):
		a.emit(byte(int8(disp)))
	default:
		a.imm32(uint32(disp))
	}
	return a
}

// Load is mov dst, [base+disp].
func (a *Assembler) Load(dst, base Reg, disp int32) *Assembler {
	a.emit(0x8B)
	return a.memOperand(byte(dst), base, disp)
}

// Store is mov [base+disp], src.
func (a *Assembler) Store(base Reg, disp int32, src Reg) *Assembler {
	a.emit(0x89)
	return a.memOperand(byte(src), base, disp)
}

// StoreImm is mov dword [base+disp], imm32.
func (a *Assembler) StoreImm(base Reg, disp int32, v uint32) *Assembler {
	a.emit(0xC7)
	a.memOperand(0, base, disp)
	return a.imm32(v)
}

// AddMem is add dst, [base+disp].
func (a *Assembler) AddMem(dst, base Reg, disp int32) *Assembler {
	a.emit(0x03)
	return a.memOperand(byte(dst), base, disp)
}

func (a *Assembler) arith(ext byte, r Reg, v int32) *Assembler {
	if fitsInt8(v) {
		return a.emit(0x83, modrm(3, ext, byte(r)), byte(int8(v)))
	}
	return a.emit(0x81, modrm(3, ext, byte(r))).imm32(uint32(v))
}

func (a *Assembler) AddImm(r Reg, v int32) *Assembler { return a.arith(0, r, v) }
func (a *Assembler) AndImm(r Reg, v int32) *Assembler { return a.arith(4, r, v) }
func (a *Assembler) SubImm(r Reg, v int32) *Assembler { return a.arith(5, r, v) }
func (a *Assembler) CmpImm(r Reg, v int32) *Assembler { return a.arith(7, r, v) }

// AddReg is add dst, src.
func (a *Assembler) AddReg(dst, src Reg) *Assembler {
	return a.emit(0x01, modrm(3, byte(src), byte(dst)))
}

// SubReg is sub dst, src.
func (a *Assembler) SubReg(dst, src Reg) *Assembler {
	return a.emit(0x29, modrm(3, byte(src), byte(dst)))
}

// Test is test r1, r2.
func (a *Assembler) Test(r1, r2 Reg) *Assembler {
	return a.emit(0x85, modrm(3, byte(r2), byte(r1)))
}

// CallReg is call r.
func (a *Assembler) CallReg(r Reg) *Assembler {
	return a.emit(0xFF, modrm(3, 2, byte(r)))
}

// CallAbs calls an absolute address through EAX.
func (a *Assembler) CallAbs(target uint32) *Assembler {
	return a.MovImm(EAX, target).CallReg(EAX)
}

// Jmp is jmp rel32 to an absolute target, resolved by Link.
func (a *Assembler) Jmp(target uint32) *Assembler {
	a.emit(0xE9)
	a.fixups = append(a.fixups, fixup{at: len(a.buf), kind: fixAbsolute, target: target})
	return a.imm32(0)
}

// Call is call rel32 to an absolute target, resolved by Link.
func (a *Assembler) Call(target uint32) *Assembler {
	a.emit(0xE8)
	a.fixups = append(a.fixups, fixup{at: len(a.buf), kind: fixAbsolute, target: target})
	return a.imm32(0)
}

// JmpLabel is jmp rel32 to a label.
func (a *Assembler) JmpLabel(label string) *Assembler {
	a.emit(0xE9)
	a.fixups = append(a.fixups, fixup{at: len(a.buf), kind: fixLabel, label: label})
	return a.imm32(0)
}

// Jnz is jnz rel32 to a label.
func (a *Assembler) Jnz(label string) *Assembler {
	a.emit(0x0F, 0x85)
	a.fixups = append(a.fixups, fixup{at: len(a.buf), kind: fixLabel, label: label})
	return a.imm32(0)
}

// FldAbs64 is fld qword [addr].
func (a *Assembler) FldAbs64(addr uint32) *Assembler {
	return a.emit(0xDD, modrm(0, 0, 5)).imm32(addr)
}

// FstpAbs64 is fstp qword [addr].
func (a *Assembler) FstpAbs64(addr uint32) *Assembler {
	return a.emit(0xDD, modrm(0, 3, 5)).imm32(addr)
}

// FldMem32 is fld dword [base+disp].
func (a *Assembler) FldMem32(base Reg, disp int32) *Assembler {
	a.emit(0xD9)
	return a.memOperand(0, base, disp)
}

// FldMem64 is fld qword [base+disp].
func (a *Assembler) FldMem64(base Reg, disp int32) *Assembler {
	a.emit(0xDD)
	return a.memOperand(0, base, disp)
}

// Ret returns, popping pop bytes of arguments when non-zero.
func (a *Assembler) Ret(pop uint16) *Assembler {
	if pop == 0 {
		return a.emit(0xC3)
	}
	return a.emit(0xC2, byte(pop), byte(pop>>8))
}

// Link resolves branches for code placed at base and returns the bytes.
func (a *Assembler) Link(base uint32) ([]byte, error) {
	out := make([]byte, len(a.buf))
	copy(out, a.buf)
	for _, f := range a.fixups {
		next := f.at + 4
		var rel int64
		switch f.kind {
		case fixLabel:
			at, ok := a.labels[f.label]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnresolvedLabel, f.label)
			}
			rel = int64(at) - int64(next)
		case fixAbsolute:
			rel = int64(f.target) - (int64(base) + int64(next))
		}
		binary.LittleEndian.PutUint32(out[f.at:], uint32(int32(rel)))
	}
	return out, nil
}

// JmpRel32 encodes a standalone jmp from "from" to "to".
func JmpRel32(from, to uint32) []byte {
	out := make([]byte, JmpSize)
	out[0] = 0xE9
	binary.LittleEndian.PutUint32(out[1:], to-(from+JmpSize))
	return out
}
