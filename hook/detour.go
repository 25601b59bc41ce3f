package hook

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"

	"github.com/sliverarmory/binbridge/callvm"
	"github.com/sliverarmory/binbridge/jit"
	"github.com/sliverarmory/binbridge/machine"
	"github.com/sliverarmory/binbridge/mem"
)

// maxPrologue bounds how many bytes are read to find the stolen instructions.
const maxPrologue = 32

// detour redirects a function entry to a bridge. The gateway runs the
// instructions overwritten by the entry jump and continues in the original
// body.
type detour struct {
	target   mem.Address
	original []byte
	gateway  mem.Address
}

// readPrologue reads up to maxPrologue bytes, stopping early at the end of
// mapped memory.
func readPrologue(m machine.Machine, target mem.Address) ([]byte, error) {
	for n := maxPrologue; n >= jit.JmpSize; n-- {
		buf, err := mem.ReadBytes(m, target, n)
		if err == nil {
			return buf, nil
		}
	}
	return nil, fmt.Errorf("%w: cannot read prologue at %v", ErrRelocation, target)
}

// relocate copies whole instructions from code until at least jit.JmpSize
// bytes are covered. rel32 calls and jumps are re-encoded against their
// absolute targets; any other position-dependent instruction is rejected.
// An absolute or indirect jump may end the copied bytes, as in an import
// thunk, in which case tail is false and nothing follows it.
func relocate(a *jit.Assembler, target mem.Address, code []byte) (n int, tail bool, err error) {
	for n < jit.JmpSize {
		inst, err := x86asm.Decode(code[n:], 32)
		if err != nil {
			return 0, false, fmt.Errorf("%w: decode at %v: %v", ErrRelocation, target.Add(n), err)
		}
		raw := code[n : n+inst.Len]
		next := uint32(target) + uint32(n+inst.Len)
		switch {
		case inst.PCRel == 0 && inst.Op == x86asm.JMP && n+inst.Len >= jit.JmpSize:
			a.Raw(raw)
			return n + inst.Len, false, nil
		case inst.PCRel == 0:
			if inst.Op == x86asm.RET || inst.Op == x86asm.JMP {
				return 0, false, fmt.Errorf("%w: function at %v is shorter than a jump", ErrRelocation, target)
			}
			a.Raw(raw)
		case inst.PCRel == 4 && inst.Op == x86asm.CALL && raw[0] == 0xE8:
			a.Call(next + uint32(int32(inst.Args[0].(x86asm.Rel))))
		case inst.PCRel == 4 && inst.Op == x86asm.JMP && raw[0] == 0xE9:
			a.Jmp(next + uint32(int32(inst.Args[0].(x86asm.Rel))))
		default:
			return 0, false, fmt.Errorf("%w: %s at %v", ErrRelocation,
				x86asm.IntelSyntax(inst, uint64(target)+uint64(n), nil), target.Add(n))
		}
		n += inst.Len
	}
	return n, true, nil
}

// installDetour patches target to jump to bridge.
func installDetour(m machine.Machine, target, bridge mem.Address) (*detour, error) {
	code, err := readPrologue(m, target)
	if err != nil {
		return nil, err
	}
	a := jit.New()
	n, tail, err := relocate(a, target, code)
	if err != nil {
		return nil, err
	}
	if tail {
		a.Jmp(uint32(target) + uint32(n))
	}

	gateway, err := callvm.Place(m, a)
	if err != nil {
		return nil, err
	}

	patch := jit.JmpRel32(uint32(target), uint32(bridge))
	for len(patch) < n {
		patch = append(patch, 0x90)
	}
	if err := m.Patch(target, patch); err != nil {
		_ = m.Free(gateway)
		return nil, fmt.Errorf("hook: patch %v: %w", target, err)
	}
	return &detour{
		target:   target,
		original: append([]byte(nil), code[:n]...),
		gateway:  gateway,
	}, nil
}

// remove restores the original entry bytes and frees the gateway.
func (d *detour) remove(m machine.Machine) error {
	if err := m.Patch(d.target, d.original); err != nil {
		return fmt.Errorf("hook: restore %v: %w", d.target, err)
	}
	return m.Free(d.gateway)
}
