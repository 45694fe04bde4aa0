// Package isa encodes and decodes the subset of RV64 instructions that the
// kernel emits for its trampoline and that the hart model executes.
package isa

import "fmt"

// Reg is an integer register number.
type Reg uint32

// ABI register names.
const (
	Zero Reg = iota
	RA
	SP
	GP
	TP
	T0
	T1
	T2
	S0
	S1
	A0
	A1
	A2
	A3
	A4
	A5
	A6
	A7
	S2
	S3
	S4
	S5
	S6
	S7
	S8
	S9
	S10
	S11
	T3
	T4
	T5
	T6
)

var regNames = [...]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}

	return fmt.Sprintf("x%d", uint32(r))
}

// CSR is a control and status register number.
type CSR uint32

// Supervisor CSRs.
const (
	Sstatus  CSR = 0x100
	Stvec    CSR = 0x105
	Sscratch CSR = 0x140
	Sepc     CSR = 0x141
	Scause   CSR = 0x142
	Stval    CSR = 0x143
	Satp     CSR = 0x180
)

var csrNames = map[CSR]string{
	Sstatus:  "sstatus",
	Stvec:    "stvec",
	Sscratch: "sscratch",
	Sepc:     "sepc",
	Scause:   "scause",
	Stval:    "stval",
	Satp:     "satp",
}

func (c CSR) String() string {
	if name, ok := csrNames[c]; ok {
		return name
	}

	return fmt.Sprintf("csr(0x%x)", uint32(c))
}

// Major opcodes.
const (
	OpLoad   = 0x03
	OpImm    = 0x13
	OpStore  = 0x23
	OpLui    = 0x37
	OpJalr   = 0x67
	OpSystem = 0x73
)

// Fixed encodings.
const (
	Ecall uint32 = 0x00000073

	// Ebreak is the four-byte breakpoint. Breakpoints resume two bytes
	// later, so the hart only takes them from CEbreak and reports Ebreak
	// as an illegal instruction.
	Ebreak    uint32 = 0x00100073
	Sret      uint32 = 0x10200073
	SfenceVMA uint32 = 0x12000073

	// CEbreak is the compressed breakpoint. It is two bytes long.
	CEbreak uint32 = 0x9002
)

const (
	funct3Add    = 0
	funct3Double = 3
	funct3Csrrw  = 1
	funct3Csrrs  = 2
)

func iType(op, funct3 uint32, rd, rs1 Reg, imm int32) uint32 {
	if imm < -2048 || imm > 2047 {
		panic(fmt.Sprintf("immediate %d does not fit in 12 bits", imm))
	}

	return uint32(imm)<<20 | uint32(rs1)<<15 | funct3<<12 | uint32(rd)<<7 | op
}

func sType(op, funct3 uint32, rs1, rs2 Reg, imm int32) uint32 {
	if imm < -2048 || imm > 2047 {
		panic(fmt.Sprintf("immediate %d does not fit in 12 bits", imm))
	}

	u := uint32(imm)

	return (u>>5&0x7f)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 |
		funct3<<12 | (u&0x1f)<<7 | op
}

// Addi encodes rd = rs1 + imm.
func Addi(rd, rs1 Reg, imm int32) uint32 {
	return iType(OpImm, funct3Add, rd, rs1, imm)
}

// Li encodes a load of a 12-bit signed immediate.
func Li(rd Reg, imm int32) uint32 {
	return Addi(rd, Zero, imm)
}

// Lui encodes rd = imm << 12 for a 20-bit immediate.
func Lui(rd Reg, imm uint32) uint32 {
	return (imm&0xfffff)<<12 | uint32(rd)<<7 | OpLui
}

// Ld encodes rd = mem[rs1 + off].
func Ld(rd, rs1 Reg, off int32) uint32 {
	return iType(OpLoad, funct3Double, rd, rs1, off)
}

// Sd encodes mem[rs1 + off] = rs2.
func Sd(rs2, rs1 Reg, off int32) uint32 {
	return sType(OpStore, funct3Double, rs1, rs2, off)
}

// Jalr encodes rd = pc + 4; pc = rs1 + off.
func Jalr(rd, rs1 Reg, off int32) uint32 {
	return iType(OpJalr, funct3Add, rd, rs1, off)
}

// Jr encodes an indirect jump without link.
func Jr(rs1 Reg) uint32 {
	return Jalr(Zero, rs1, 0)
}

// Csrrw encodes an atomic swap of a CSR and a register.
func Csrrw(rd Reg, csr CSR, rs1 Reg) uint32 {
	return uint32(csr)<<20 | uint32(rs1)<<15 | funct3Csrrw<<12 |
		uint32(rd)<<7 | OpSystem
}

// Csrrs encodes an atomic read and set of CSR bits.
func Csrrs(rd Reg, csr CSR, rs1 Reg) uint32 {
	return uint32(csr)<<20 | uint32(rs1)<<15 | funct3Csrrs<<12 |
		uint32(rd)<<7 | OpSystem
}

// Csrr encodes a CSR read.
func Csrr(rd Reg, csr CSR) uint32 {
	return Csrrs(rd, csr, Zero)
}

// Csrw encodes a CSR write.
func Csrw(csr CSR, rs1 Reg) uint32 {
	return Csrrw(Zero, csr, rs1)
}

// Fields of a 32-bit instruction.
type Fields struct {
	Opcode uint32
	Rd     Reg
	Funct3 uint32
	Rs1    Reg
	Rs2    Reg
	Funct7 uint32
}

// Decode splits an instruction into its register fields.
func Decode(inst uint32) Fields {
	return Fields{
		Opcode: inst & 0x7f,
		Rd:     Reg(inst >> 7 & 0x1f),
		Funct3: inst >> 12 & 0x7,
		Rs1:    Reg(inst >> 15 & 0x1f),
		Rs2:    Reg(inst >> 20 & 0x1f),
		Funct7: inst >> 25,
	}
}

// ImmI returns the sign-extended immediate of an I-type instruction.
func ImmI(inst uint32) int64 {
	return int64(int32(inst) >> 20)
}

// ImmS returns the sign-extended immediate of an S-type instruction.
func ImmS(inst uint32) int64 {
	return int64(int32(inst&0xfe000000)>>20) | int64(inst>>7&0x1f)
}

// ImmU returns the sign-extended immediate of a U-type instruction.
func ImmU(inst uint32) int64 {
	return int64(int32(inst & 0xfffff000))
}

// CSROf returns the CSR number of a SYSTEM instruction.
func CSROf(inst uint32) CSR {
	return CSR(inst >> 20)
}

// Assemble turns a sequence of instructions into little-endian bytes.
// Compressed instructions must be given as uint16 values.
func Assemble(insts ...any) []byte {
	var out []byte

	for _, inst := range insts {
		switch v := inst.(type) {
		case uint32:
			out = append(out, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
		case uint16:
			out = append(out, byte(v), byte(v>>8))
		default:
			panic(fmt.Sprintf("cannot assemble %T", inst))
		}
	}

	return out
}
