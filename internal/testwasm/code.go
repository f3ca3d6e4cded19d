package testwasm

const (
	opBlock      = 0x02
	opLoop       = 0x03
	opIf         = 0x04
	opEnd        = 0x0b
	opBr         = 0x0c
	opBrIf       = 0x0d
	opReturn     = 0x0f
	opCall       = 0x10
	opDrop       = 0x1a
	opLocalGet   = 0x20
	opLocalSet   = 0x21
	opLocalTee   = 0x22
	opGlobalGet  = 0x23
	opGlobalSet  = 0x24
	opI32Load    = 0x28
	opI32Store   = 0x36
	opMemorySize = 0x3f
	opMemoryGrow = 0x40
	opI32Const   = 0x41
	opI32Eqz     = 0x45
	opI32Eq      = 0x46
	opI32LeU     = 0x4d
	opI32Add     = 0x6a
	opI32Sub     = 0x6b
	opI32And     = 0x71
	opI32Shl     = 0x74
	opI32ShrU    = 0x76

	blockEmpty = 0x40
)

// Code is a function body under construction. Methods append one
// instruction and return the receiver.
type Code struct {
	w writer
}

func NewCode() *Code { return &Code{} }

func (c *Code) op(b byte) *Code {
	c.w.byte(b)
	return c
}

func (c *Code) idx(op byte, i uint32) *Code {
	c.w.byte(op)
	c.w.u32(i)
	return c
}

func (c *Code) LocalGet(i uint32) *Code  { return c.idx(opLocalGet, i) }
func (c *Code) LocalSet(i uint32) *Code  { return c.idx(opLocalSet, i) }
func (c *Code) LocalTee(i uint32) *Code  { return c.idx(opLocalTee, i) }
func (c *Code) GlobalGet(i uint32) *Code { return c.idx(opGlobalGet, i) }
func (c *Code) GlobalSet(i uint32) *Code { return c.idx(opGlobalSet, i) }
func (c *Code) Call(i uint32) *Code      { return c.idx(opCall, i) }
func (c *Code) Br(depth uint32) *Code    { return c.idx(opBr, depth) }
func (c *Code) BrIf(depth uint32) *Code  { return c.idx(opBrIf, depth) }

func (c *Code) I32Const(v int32) *Code {
	c.w.byte(opI32Const)
	c.w.s64(int64(v))
	return c
}

// I32Load loads a naturally aligned i32 at the address on the stack plus
// offset.
func (c *Code) I32Load(offset uint32) *Code {
	c.w.byte(opI32Load)
	c.w.u32(2)
	c.w.u32(offset)
	return c
}

func (c *Code) I32Store(offset uint32) *Code {
	c.w.byte(opI32Store)
	c.w.u32(2)
	c.w.u32(offset)
	return c
}

func (c *Code) MemorySize() *Code {
	c.w.byte(opMemorySize)
	c.w.byte(0)
	return c
}

func (c *Code) MemoryGrow() *Code {
	c.w.byte(opMemoryGrow)
	c.w.byte(0)
	return c
}

func (c *Code) Block() *Code {
	c.w.byte(opBlock)
	c.w.byte(blockEmpty)
	return c
}

func (c *Code) Loop() *Code {
	c.w.byte(opLoop)
	c.w.byte(blockEmpty)
	return c
}

func (c *Code) If() *Code {
	c.w.byte(opIf)
	c.w.byte(blockEmpty)
	return c
}

func (c *Code) End() *Code    { return c.op(opEnd) }
func (c *Code) Return() *Code { return c.op(opReturn) }
func (c *Code) Drop() *Code   { return c.op(opDrop) }
func (c *Code) I32Eqz() *Code { return c.op(opI32Eqz) }
func (c *Code) I32Eq() *Code  { return c.op(opI32Eq) }
func (c *Code) I32LeU() *Code { return c.op(opI32LeU) }
func (c *Code) I32Add() *Code { return c.op(opI32Add) }
func (c *Code) I32Sub() *Code { return c.op(opI32Sub) }
func (c *Code) I32And() *Code { return c.op(opI32And) }
func (c *Code) I32Shl() *Code { return c.op(opI32Shl) }
func (c *Code) I32ShrU() *Code { return c.op(opI32ShrU) }
