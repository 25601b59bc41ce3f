package x86emu

import (
	"fmt"
	"math"

	"golang.org/x/arch/x86/x86asm"

	"github.com/sliverarmory/binbridge/mem"
)

const (
	eax = iota
	ecx
	edx
	ebx
	esp
	ebp
	esi
	edi
)

type flags struct {
	cf, zf, sf, of bool
}

type cpu struct {
	regs  [8]uint32
	eip   uint32
	flags flags
	fpu   []float64
	depth int
}

func (m *Machine) push(v uint32) error {
	m.cpu.regs[esp] -= 4
	return mem.Write(m, mem.Address(m.cpu.regs[esp]), 0, v)
}

func (m *Machine) pop() (uint32, error) {
	v, err := mem.Read[uint32](m, mem.Address(m.cpu.regs[esp]), 0)
	if err != nil {
		return 0, err
	}
	m.cpu.regs[esp] += 4
	return v, nil
}

func (m *Machine) fetch() ([]byte, error) {
	buf := make([]byte, 0, 15)
	one := make([]byte, 1)
	for i := uint32(0); i < 15; i++ {
		if err := m.ReadAt(one, uintptr(m.cpu.eip+i)); err != nil {
			if i == 0 {
				return nil, err
			}
			break
		}
		buf = append(buf, one[0])
	}
	return buf, nil
}

func (m *Machine) unsupported(inst x86asm.Inst) error {
	return fmt.Errorf("%w: %s at 0x%x", ErrUnsupportedInstruction, x86asm.IntelSyntax(inst, uint64(m.cpu.eip), nil), m.cpu.eip)
}

func (m *Machine) step() error {
	code, err := m.fetch()
	if err != nil {
		return err
	}
	inst, err := x86asm.Decode(code, 32)
	if err != nil {
		return fmt.Errorf("%w: decode at 0x%x: %v", ErrUnsupportedInstruction, m.cpu.eip, err)
	}
	if e := m.log.Trace(); e.Enabled() {
		e.Str("eip", fmt.Sprintf("0x%08x", m.cpu.eip)).
			Str("inst", x86asm.IntelSyntax(inst, uint64(m.cpu.eip), nil)).
			Msg("step")
	}
	next := m.cpu.eip + uint32(inst.Len)
	m.cpu.eip = next

	switch inst.Op {
	case x86asm.NOP:
		return nil
	case x86asm.MOV:
		return m.mov(inst)
	case x86asm.MOVZX, x86asm.MOVSX:
		return m.movExtend(inst)
	case x86asm.LEA:
		r, ok := inst.Args[0].(x86asm.Reg)
		ea, isMem := inst.Args[1].(x86asm.Mem)
		if !ok || !isMem {
			return m.unsupported(inst)
		}
		return m.setReg(r, m.address(ea))
	case x86asm.XCHG:
		a, err := m.read(inst, inst.Args[0])
		if err != nil {
			return err
		}
		b, err := m.read(inst, inst.Args[1])
		if err != nil {
			return err
		}
		if err := m.write(inst, inst.Args[0], b); err != nil {
			return err
		}
		return m.write(inst, inst.Args[1], a)
	case x86asm.PUSH:
		v, err := m.read(inst, inst.Args[0])
		if err != nil {
			return err
		}
		return m.push(v)
	case x86asm.POP:
		v, err := m.pop()
		if err != nil {
			return err
		}
		return m.write(inst, inst.Args[0], v)
	case x86asm.LEAVE:
		m.cpu.regs[esp] = m.cpu.regs[ebp]
		v, err := m.pop()
		if err != nil {
			return err
		}
		m.cpu.regs[ebp] = v
		return nil
	case x86asm.ADD, x86asm.SUB, x86asm.CMP, x86asm.AND, x86asm.OR, x86asm.XOR, x86asm.TEST:
		return m.arith(inst)
	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		return m.unary(inst)
	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		return m.shift(inst)
	case x86asm.IMUL:
		return m.imul(inst)
	case x86asm.CDQ:
		if int32(m.cpu.regs[eax]) < 0 {
			m.cpu.regs[edx] = 0xFFFFFFFF
		} else {
			m.cpu.regs[edx] = 0
		}
		return nil
	case x86asm.CALL:
		target, err := m.branchTarget(inst, next)
		if err != nil {
			return err
		}
		if err := m.push(next); err != nil {
			return err
		}
		m.cpu.eip = target
		return nil
	case x86asm.JMP:
		target, err := m.branchTarget(inst, next)
		if err != nil {
			return err
		}
		m.cpu.eip = target
		return nil
	case x86asm.RET:
		ret, err := m.pop()
		if err != nil {
			return err
		}
		if imm, ok := inst.Args[0].(x86asm.Imm); ok {
			m.cpu.regs[esp] += uint32(imm)
		}
		m.cpu.eip = ret
		return nil
	case x86asm.JE, x86asm.JNE, x86asm.JL, x86asm.JGE, x86asm.JLE, x86asm.JG,
		x86asm.JB, x86asm.JAE, x86asm.JBE, x86asm.JA, x86asm.JS, x86asm.JNS:
		if !m.condition(inst.Op) {
			return nil
		}
		target, err := m.branchTarget(inst, next)
		if err != nil {
			return err
		}
		m.cpu.eip = target
		return nil
	case x86asm.FLD, x86asm.FILD, x86asm.FLDZ, x86asm.FLD1, x86asm.FST, x86asm.FSTP,
		x86asm.FADD, x86asm.FSUB, x86asm.FMUL, x86asm.FDIV, x86asm.FCHS:
		return m.x87(inst)
	default:
		return m.unsupported(inst)
	}
}

// operandSize is the width in bytes of arg.
func operandSize(inst x86asm.Inst, arg x86asm.Arg) int {
	switch a := arg.(type) {
	case x86asm.Reg:
		_, size, _ := regSlot(a)
		return size
	case x86asm.Mem:
		if inst.MemBytes > 0 {
			return inst.MemBytes
		}
	}
	return inst.DataSize / 8
}

func mask(size int) uint32 {
	if size >= 4 {
		return 0xFFFFFFFF
	}
	return uint32(1)<<(uint(size)*8) - 1
}

func signBit(size int) uint32 {
	return uint32(1) << (uint(size)*8 - 1)
}

// regSlot maps an x86asm register onto the register file: index, width in
// bytes and bit shift.
func regSlot(r x86asm.Reg) (int, int, uint) {
	switch {
	case r >= x86asm.EAX && r <= x86asm.EDI:
		return int(r - x86asm.EAX), 4, 0
	case r >= x86asm.AX && r <= x86asm.DI:
		return int(r - x86asm.AX), 2, 0
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), 1, 0
	case r >= x86asm.AH && r <= x86asm.BH:
		return int(r - x86asm.AH), 1, 8
	default:
		return -1, 0, 0
	}
}

func (m *Machine) getReg(r x86asm.Reg) (uint32, error) {
	idx, size, shift := regSlot(r)
	if idx < 0 {
		return 0, fmt.Errorf("%w: register %v", ErrUnsupportedInstruction, r)
	}
	return m.cpu.regs[idx] >> shift & mask(size), nil
}

func (m *Machine) setReg(r x86asm.Reg, v uint32) error {
	idx, size, shift := regSlot(r)
	if idx < 0 {
		return fmt.Errorf("%w: register %v", ErrUnsupportedInstruction, r)
	}
	if size == 4 {
		m.cpu.regs[idx] = v
		return nil
	}
	keep := m.cpu.regs[idx] &^ (mask(size) << shift)
	m.cpu.regs[idx] = keep | (v&mask(size))<<shift
	return nil
}

func (m *Machine) address(a x86asm.Mem) uint32 {
	ea := uint32(a.Disp)
	if a.Base != 0 {
		v, _ := m.getReg(a.Base)
		ea += v
	}
	if a.Index != 0 {
		v, _ := m.getReg(a.Index)
		ea += v * uint32(a.Scale)
	}
	return ea
}

func (m *Machine) readMem(addr uint32, size int) (uint32, error) {
	switch size {
	case 1:
		v, err := mem.Read[uint8](m, mem.Address(addr), 0)
		return uint32(v), err
	case 2:
		v, err := mem.Read[uint16](m, mem.Address(addr), 0)
		return uint32(v), err
	default:
		return mem.Read[uint32](m, mem.Address(addr), 0)
	}
}

func (m *Machine) writeMem(addr uint32, size int, v uint32) error {
	switch size {
	case 1:
		return mem.Write(m, mem.Address(addr), 0, uint8(v))
	case 2:
		return mem.Write(m, mem.Address(addr), 0, uint16(v))
	default:
		return mem.Write(m, mem.Address(addr), 0, v)
	}
}

func (m *Machine) read(inst x86asm.Inst, arg x86asm.Arg) (uint32, error) {
	switch a := arg.(type) {
	case x86asm.Reg:
		return m.getReg(a)
	case x86asm.Mem:
		return m.readMem(m.address(a), operandSize(inst, a))
	case x86asm.Imm:
		return uint32(int64(a)), nil
	default:
		return 0, m.unsupported(inst)
	}
}

func (m *Machine) write(inst x86asm.Inst, arg x86asm.Arg, v uint32) error {
	switch a := arg.(type) {
	case x86asm.Reg:
		return m.setReg(a, v)
	case x86asm.Mem:
		return m.writeMem(m.address(a), operandSize(inst, a), v)
	default:
		return m.unsupported(inst)
	}
}

func (m *Machine) branchTarget(inst x86asm.Inst, next uint32) (uint32, error) {
	if rel, ok := inst.Args[0].(x86asm.Rel); ok {
		return next + uint32(int32(rel)), nil
	}
	return m.read(inst, inst.Args[0])
}

func (m *Machine) mov(inst x86asm.Inst) error {
	v, err := m.read(inst, inst.Args[1])
	if err != nil {
		return err
	}
	return m.write(inst, inst.Args[0], v&mask(operandSize(inst, inst.Args[0])))
}

func (m *Machine) movExtend(inst x86asm.Inst) error {
	size := operandSize(inst, inst.Args[1])
	v, err := m.read(inst, inst.Args[1])
	if err != nil {
		return err
	}
	v &= mask(size)
	if inst.Op == x86asm.MOVSX && v&signBit(size) != 0 {
		v |= ^mask(size)
	}
	return m.write(inst, inst.Args[0], v)
}

func (m *Machine) setResultFlags(res uint32, size int) {
	m.cpu.flags.zf = res&mask(size) == 0
	m.cpu.flags.sf = res&signBit(size) != 0
}

func (m *Machine) arith(inst x86asm.Inst) error {
	size := operandSize(inst, inst.Args[0])
	a, err := m.read(inst, inst.Args[0])
	if err != nil {
		return err
	}
	b, err := m.read(inst, inst.Args[1])
	if err != nil {
		return err
	}
	a &= mask(size)
	b &= mask(size)

	var res uint32
	f := &m.cpu.flags
	switch inst.Op {
	case x86asm.ADD:
		full := uint64(a) + uint64(b)
		res = uint32(full) & mask(size)
		f.cf = full > uint64(mask(size))
		f.of = ^(a^b)&(a^res)&signBit(size) != 0
	case x86asm.SUB, x86asm.CMP:
		res = (a - b) & mask(size)
		f.cf = a < b
		f.of = (a^b)&(a^res)&signBit(size) != 0
	case x86asm.AND, x86asm.TEST:
		res = a & b
		f.cf, f.of = false, false
	case x86asm.OR:
		res = a | b
		f.cf, f.of = false, false
	case x86asm.XOR:
		res = a ^ b
		f.cf, f.of = false, false
	}
	m.setResultFlags(res, size)
	if inst.Op == x86asm.CMP || inst.Op == x86asm.TEST {
		return nil
	}
	return m.write(inst, inst.Args[0], res)
}

func (m *Machine) unary(inst x86asm.Inst) error {
	size := operandSize(inst, inst.Args[0])
	a, err := m.read(inst, inst.Args[0])
	if err != nil {
		return err
	}
	a &= mask(size)
	f := &m.cpu.flags
	var res uint32
	switch inst.Op {
	case x86asm.INC:
		res = (a + 1) & mask(size)
		f.of = res == signBit(size)
	case x86asm.DEC:
		res = (a - 1) & mask(size)
		f.of = a == signBit(size)
	case x86asm.NEG:
		res = (0 - a) & mask(size)
		f.cf = a != 0
		f.of = a == signBit(size)
	case x86asm.NOT:
		return m.write(inst, inst.Args[0], ^a&mask(size))
	}
	m.setResultFlags(res, size)
	return m.write(inst, inst.Args[0], res)
}

func (m *Machine) shift(inst x86asm.Inst) error {
	size := operandSize(inst, inst.Args[0])
	a, err := m.read(inst, inst.Args[0])
	if err != nil {
		return err
	}
	count, err := m.read(inst, inst.Args[1])
	if err != nil {
		return err
	}
	count &= 31
	if count == 0 {
		return nil
	}
	a &= mask(size)
	bits := uint32(size * 8)
	var res uint32
	switch inst.Op {
	case x86asm.SHL:
		res = a << count
		m.cpu.flags.cf = count <= bits && a>>(bits-count)&1 != 0
	case x86asm.SHR:
		res = a >> count
		m.cpu.flags.cf = a>>(count-1)&1 != 0
	case x86asm.SAR:
		signed := int32(a << (32 - bits))
		res = uint32(signed>>(32-bits)>>count) & mask(size)
		m.cpu.flags.cf = uint32(signed>>(32-bits)>>(count-1))&1 != 0
	}
	res &= mask(size)
	m.setResultFlags(res, size)
	return m.write(inst, inst.Args[0], res)
}

func (m *Machine) imul(inst x86asm.Inst) error {
	switch {
	case inst.Args[2] != nil:
		b, err := m.read(inst, inst.Args[1])
		if err != nil {
			return err
		}
		c, err := m.read(inst, inst.Args[2])
		if err != nil {
			return err
		}
		return m.write(inst, inst.Args[0], uint32(int32(b)*int32(c)))
	case inst.Args[1] != nil:
		a, err := m.read(inst, inst.Args[0])
		if err != nil {
			return err
		}
		b, err := m.read(inst, inst.Args[1])
		if err != nil {
			return err
		}
		return m.write(inst, inst.Args[0], uint32(int32(a)*int32(b)))
	default:
		b, err := m.read(inst, inst.Args[0])
		if err != nil {
			return err
		}
		full := int64(int32(m.cpu.regs[eax])) * int64(int32(b))
		m.cpu.regs[eax] = uint32(full)
		m.cpu.regs[edx] = uint32(uint64(full) >> 32)
		return nil
	}
}

func (m *Machine) condition(op x86asm.Op) bool {
	f := m.cpu.flags
	switch op {
	case x86asm.JE:
		return f.zf
	case x86asm.JNE:
		return !f.zf
	case x86asm.JL:
		return f.sf != f.of
	case x86asm.JGE:
		return f.sf == f.of
	case x86asm.JLE:
		return f.zf || f.sf != f.of
	case x86asm.JG:
		return !f.zf && f.sf == f.of
	case x86asm.JB:
		return f.cf
	case x86asm.JAE:
		return !f.cf
	case x86asm.JBE:
		return f.cf || f.zf
	case x86asm.JA:
		return !f.cf && !f.zf
	case x86asm.JS:
		return f.sf
	case x86asm.JNS:
		return !f.sf
	}
	return false
}

func (m *Machine) fpush(v float64) {
	m.cpu.fpu = append(m.cpu.fpu, v)
}

func (m *Machine) fpop() (float64, error) {
	n := len(m.cpu.fpu)
	if n == 0 {
		return 0, fmt.Errorf("x86emu: x87 stack underflow at 0x%x", m.cpu.eip)
	}
	v := m.cpu.fpu[n-1]
	m.cpu.fpu = m.cpu.fpu[:n-1]
	return v, nil
}

// st returns the index of ST(i) in the fpu slice.
func (m *Machine) st(r x86asm.Reg) (int, error) {
	i := len(m.cpu.fpu) - 1 - int(r-x86asm.F0)
	if r < x86asm.F0 || r > x86asm.F7 || i < 0 {
		return 0, fmt.Errorf("x86emu: x87 register %v is empty", r)
	}
	return i, nil
}

func (m *Machine) loadFloat(inst x86asm.Inst, a x86asm.Mem) (float64, error) {
	addr := mem.Address(m.address(a))
	switch {
	case inst.Op == x86asm.FILD:
		v, err := mem.Read[int32](m, addr, 0)
		return float64(v), err
	case inst.MemBytes == 4:
		v, err := mem.Read[float32](m, addr, 0)
		return float64(v), err
	case inst.MemBytes == 8:
		return mem.Read[float64](m, addr, 0)
	default:
		return 0, m.unsupported(inst)
	}
}

func (m *Machine) x87(inst x86asm.Inst) error {
	switch inst.Op {
	case x86asm.FLDZ:
		m.fpush(0)
		return nil
	case x86asm.FLD1:
		m.fpush(1)
		return nil
	case x86asm.FCHS:
		i, err := m.st(x86asm.F0)
		if err != nil {
			return err
		}
		m.cpu.fpu[i] = -m.cpu.fpu[i]
		return nil
	case x86asm.FLD, x86asm.FILD:
		switch a := inst.Args[0].(type) {
		case x86asm.Mem:
			v, err := m.loadFloat(inst, a)
			if err != nil {
				return err
			}
			m.fpush(v)
			return nil
		case x86asm.Reg:
			i, err := m.st(a)
			if err != nil {
				return err
			}
			m.fpush(m.cpu.fpu[i])
			return nil
		}
	case x86asm.FST, x86asm.FSTP:
		top, err := m.st(x86asm.F0)
		if err != nil {
			return err
		}
		v := m.cpu.fpu[top]
		switch a := inst.Args[0].(type) {
		case x86asm.Mem:
			addr := mem.Address(m.address(a))
			switch inst.MemBytes {
			case 4:
				err = mem.Write(m, addr, 0, float32(v))
			case 8:
				err = mem.Write(m, addr, 0, v)
			default:
				return m.unsupported(inst)
			}
			if err != nil {
				return err
			}
		case x86asm.Reg:
			i, err := m.st(a)
			if err != nil {
				return err
			}
			m.cpu.fpu[i] = v
		default:
			return m.unsupported(inst)
		}
		if inst.Op == x86asm.FSTP {
			_, err = m.fpop()
		}
		return err
	case x86asm.FADD, x86asm.FSUB, x86asm.FMUL, x86asm.FDIV:
		a, ok := inst.Args[0].(x86asm.Mem)
		if !ok || inst.Args[1] != nil {
			return m.unsupported(inst)
		}
		operand, err := m.loadFloat(inst, a)
		if err != nil {
			return err
		}
		top, err := m.st(x86asm.F0)
		if err != nil {
			return err
		}
		switch inst.Op {
		case x86asm.FADD:
			m.cpu.fpu[top] += operand
		case x86asm.FSUB:
			m.cpu.fpu[top] -= operand
		case x86asm.FMUL:
			m.cpu.fpu[top] *= operand
		case x86asm.FDIV:
			if operand == 0 {
				m.cpu.fpu[top] = math.Inf(int(math.Copysign(1, m.cpu.fpu[top])))
				return nil
			}
			m.cpu.fpu[top] /= operand
		}
		return nil
	}
	return m.unsupported(inst)
}
