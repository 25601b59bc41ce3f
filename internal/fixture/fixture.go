// Package fixture holds small hand-assembled x86-32 functions used by tests
// and by the emulate command.
package fixture

import (
	"github.com/sliverarmory/binbridge/jit"
	"github.com/sliverarmory/binbridge/mem"
)

// Loader places code in executable memory.
type Loader interface {
	Load(code []byte) (mem.Address, error)
}

func link(a *jit.Assembler) []byte {
	code, err := a.Link(0)
	if err != nil {
		panic(err)
	}
	return code
}

// Add is int add(int a, int b) with a frame pointer, cdecl.
func Add() []byte {
	a := jit.New()
	a.Push(jit.EBP).MovReg(jit.EBP, jit.ESP).
		Load(jit.EAX, jit.EBP, 8).
		AddMem(jit.EAX, jit.EBP, 12).
		Pop(jit.EBP).Ret(0)
	return link(a)
}

// Second is int second(int a, int b) returning b, cdecl.
func Second() []byte {
	a := jit.New()
	a.Push(jit.EBP).MovReg(jit.EBP, jit.ESP).
		Load(jit.EAX, jit.EBP, 12).
		Pop(jit.EBP).Ret(0)
	return link(a)
}

// StdAdd is int __stdcall add(int a, int b).
func StdAdd() []byte {
	a := jit.New()
	a.Push(jit.EBP).MovReg(jit.EBP, jit.ESP).
		Load(jit.EAX, jit.EBP, 8).
		AddMem(jit.EAX, jit.EBP, 12).
		Pop(jit.EBP).Ret(8)
	return link(a)
}

// ThisAddECX is int __thiscall Object::add(int n) returning this->value + n
// with the receiver in ECX, as on Windows.
func ThisAddECX() []byte {
	a := jit.New()
	a.Load(jit.EAX, jit.ECX, 0).
		AddMem(jit.EAX, jit.ESP, 4).
		Ret(4)
	return link(a)
}

// ThisAddStack is the same method with the receiver as the first stack
// argument, as on ELF.
func ThisAddStack() []byte {
	a := jit.New()
	a.Load(jit.ECX, jit.ESP, 4).
		Load(jit.EAX, jit.ECX, 0).
		AddMem(jit.EAX, jit.ESP, 8).
		Ret(0)
	return link(a)
}

// Identity returns its first 32-bit argument.
func Identity() []byte {
	a := jit.New()
	a.Load(jit.EAX, jit.ESP, 4).Ret(0)
	return link(a)
}

// Identity64 returns its first 64-bit argument in EDX:EAX.
func Identity64() []byte {
	a := jit.New()
	a.Load(jit.EAX, jit.ESP, 4).Load(jit.EDX, jit.ESP, 8).Ret(0)
	return link(a)
}

// AddDouble is double add(double a, double b).
func AddDouble() []byte {
	a := jit.New()
	a.FldMem64(jit.ESP, 4).
		Raw([]byte{0xDC, 0x44, 0x24, 0x0C}). // fadd qword [esp+12]
		Ret(0)
	return link(a)
}

// Constant returns v.
func Constant(v uint32) []byte {
	a := jit.New()
	a.MovImm(jit.EAX, v).Ret(0)
	return link(a)
}

// Strlen is size_t strlen(const char *s).
func Strlen() []byte {
	return []byte{
		0x8B, 0x54, 0x24, 0x04, // mov edx, [esp+4]
		0x31, 0xC0,             // xor eax, eax
		0x80, 0x3C, 0x02, 0x00, // cmp byte [edx+eax], 0
		0x74, 0x03,             // je done
		0x40,                   // inc eax
		0xEB, 0xF7,             // jmp loop
		0xC3,                   // done: ret
	}
}

// StackLeft calls target with (2, 3) pushed and returns how many argument
// bytes were still on the stack after it returned: 0 when the callee popped
// them, 8 when it left cleanup to the caller.
func StackLeft(target uint32) []byte {
	a := jit.New()
	a.Push(jit.EBP).MovReg(jit.EBP, jit.ESP).
		PushImm(3).PushImm(2).
		CallAbs(target).
		MovReg(jit.EAX, jit.EBP).
		SubReg(jit.EAX, jit.ESP).
		MovReg(jit.ESP, jit.EBP).
		Pop(jit.EBP).
		Ret(0)
	return link(a)
}

// Place loads every function and returns their addresses in order.
func Place(l Loader, codes ...[]byte) ([]mem.Address, error) {
	out := make([]mem.Address, 0, len(codes))
	for _, code := range codes {
		addr, err := l.Load(code)
		if err != nil {
			return nil, err
		}
		out = append(out, addr)
	}
	return out, nil
}

// Named maps the fixture names accepted by the emulate command to their code.
var Named = map[string]func() []byte{
	"add":           Add,
	"second":        Second,
	"stdadd":        StdAdd,
	"thisadd-ecx":   ThisAddECX,
	"thisadd-stack": ThisAddStack,
	"identity":      Identity,
	"identity64":    Identity64,
	"adddouble":     AddDouble,
	"strlen":        Strlen,
}
