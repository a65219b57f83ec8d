package bytecode

// Opcode is a JVM instruction opcode.
type Opcode uint8

// Opcodes
const (
	OpNop             Opcode = 0x00
	OpAconstNull      Opcode = 0x01
	OpIconstM1        Opcode = 0x02
	OpIconst0         Opcode = 0x03
	OpIconst1         Opcode = 0x04
	OpIconst2         Opcode = 0x05
	OpIconst3         Opcode = 0x06
	OpIconst4         Opcode = 0x07
	OpIconst5         Opcode = 0x08
	OpLconst0         Opcode = 0x09
	OpLconst1         Opcode = 0x0A
	OpFconst0         Opcode = 0x0B
	OpFconst1         Opcode = 0x0C
	OpFconst2         Opcode = 0x0D
	OpDconst0         Opcode = 0x0E
	OpDconst1         Opcode = 0x0F
	OpBipush          Opcode = 0x10
	OpSipush          Opcode = 0x11
	OpLdc             Opcode = 0x12
	OpLdcW            Opcode = 0x13
	OpLdc2W           Opcode = 0x14
	OpIload           Opcode = 0x15
	OpLload           Opcode = 0x16
	OpFload           Opcode = 0x17
	OpDload           Opcode = 0x18
	OpAload           Opcode = 0x19
	OpIload0          Opcode = 0x1A
	OpLload0          Opcode = 0x1E
	OpFload0          Opcode = 0x22
	OpDload0          Opcode = 0x26
	OpAload0          Opcode = 0x2A
	OpAload3          Opcode = 0x2D
	OpIaload          Opcode = 0x2E
	OpLaload          Opcode = 0x2F
	OpFaload          Opcode = 0x30
	OpDaload          Opcode = 0x31
	OpAaload          Opcode = 0x32
	OpBaload          Opcode = 0x33
	OpCaload          Opcode = 0x34
	OpSaload          Opcode = 0x35
	OpIstore          Opcode = 0x36
	OpLstore          Opcode = 0x37
	OpFstore          Opcode = 0x38
	OpDstore          Opcode = 0x39
	OpAstore          Opcode = 0x3A
	OpIstore0         Opcode = 0x3B
	OpAstore3         Opcode = 0x4E
	OpIastore         Opcode = 0x4F
	OpLastore         Opcode = 0x50
	OpFastore         Opcode = 0x51
	OpDastore         Opcode = 0x52
	OpAastore         Opcode = 0x53
	OpBastore         Opcode = 0x54
	OpCastore         Opcode = 0x55
	OpSastore         Opcode = 0x56
	OpPop             Opcode = 0x57
	OpPop2            Opcode = 0x58
	OpDup             Opcode = 0x59
	OpDupX1           Opcode = 0x5A
	OpDupX2           Opcode = 0x5B
	OpDup2            Opcode = 0x5C
	OpDup2X1          Opcode = 0x5D
	OpDup2X2          Opcode = 0x5E
	OpSwap            Opcode = 0x5F
	OpIadd            Opcode = 0x60
	OpLadd            Opcode = 0x61
	OpFadd            Opcode = 0x62
	OpDadd            Opcode = 0x63
	OpIsub            Opcode = 0x64
	OpLsub            Opcode = 0x65
	OpFsub            Opcode = 0x66
	OpDsub            Opcode = 0x67
	OpImul            Opcode = 0x68
	OpLmul            Opcode = 0x69
	OpFmul            Opcode = 0x6A
	OpDmul            Opcode = 0x6B
	OpIdiv            Opcode = 0x6C
	OpLdiv            Opcode = 0x6D
	OpFdiv            Opcode = 0x6E
	OpDdiv            Opcode = 0x6F
	OpIrem            Opcode = 0x70
	OpLrem            Opcode = 0x71
	OpFrem            Opcode = 0x72
	OpDrem            Opcode = 0x73
	OpIneg            Opcode = 0x74
	OpLneg            Opcode = 0x75
	OpFneg            Opcode = 0x76
	OpDneg            Opcode = 0x77
	OpIshl            Opcode = 0x78
	OpLshl            Opcode = 0x79
	OpIshr            Opcode = 0x7A
	OpLshr            Opcode = 0x7B
	OpIushr           Opcode = 0x7C
	OpLushr           Opcode = 0x7D
	OpIand            Opcode = 0x7E
	OpLand            Opcode = 0x7F
	OpIor             Opcode = 0x80
	OpLor             Opcode = 0x81
	OpIxor            Opcode = 0x82
	OpLxor            Opcode = 0x83
	OpIinc            Opcode = 0x84
	OpI2l             Opcode = 0x85
	OpI2f             Opcode = 0x86
	OpI2d             Opcode = 0x87
	OpL2i             Opcode = 0x88
	OpL2f             Opcode = 0x89
	OpL2d             Opcode = 0x8A
	OpF2i             Opcode = 0x8B
	OpF2l             Opcode = 0x8C
	OpF2d             Opcode = 0x8D
	OpD2i             Opcode = 0x8E
	OpD2l             Opcode = 0x8F
	OpD2f             Opcode = 0x90
	OpI2b             Opcode = 0x91
	OpI2c             Opcode = 0x92
	OpI2s             Opcode = 0x93
	OpLcmp            Opcode = 0x94
	OpFcmpl           Opcode = 0x95
	OpFcmpg           Opcode = 0x96
	OpDcmpl           Opcode = 0x97
	OpDcmpg           Opcode = 0x98
	OpIfeq            Opcode = 0x99
	OpIfne            Opcode = 0x9A
	OpIflt            Opcode = 0x9B
	OpIfge            Opcode = 0x9C
	OpIfgt            Opcode = 0x9D
	OpIfle            Opcode = 0x9E
	OpIfIcmpeq        Opcode = 0x9F
	OpIfIcmpne        Opcode = 0xA0
	OpIfIcmplt        Opcode = 0xA1
	OpIfIcmpge        Opcode = 0xA2
	OpIfIcmpgt        Opcode = 0xA3
	OpIfIcmple        Opcode = 0xA4
	OpIfAcmpeq        Opcode = 0xA5
	OpIfAcmpne        Opcode = 0xA6
	OpGoto            Opcode = 0xA7
	OpJsr             Opcode = 0xA8
	OpRet             Opcode = 0xA9
	OpTableswitch     Opcode = 0xAA
	OpLookupswitch    Opcode = 0xAB
	OpIreturn         Opcode = 0xAC
	OpLreturn         Opcode = 0xAD
	OpFreturn         Opcode = 0xAE
	OpDreturn         Opcode = 0xAF
	OpAreturn         Opcode = 0xB0
	OpReturn          Opcode = 0xB1
	OpGetstatic       Opcode = 0xB2
	OpPutstatic       Opcode = 0xB3
	OpGetfield        Opcode = 0xB4
	OpPutfield        Opcode = 0xB5
	OpInvokevirtual   Opcode = 0xB6
	OpInvokespecial   Opcode = 0xB7
	OpInvokestatic    Opcode = 0xB8
	OpInvokeinterface Opcode = 0xB9
	OpInvokedynamic   Opcode = 0xBA
	OpNew             Opcode = 0xBB
	OpNewarray        Opcode = 0xBC
	OpAnewarray       Opcode = 0xBD
	OpArraylength     Opcode = 0xBE
	OpAthrow          Opcode = 0xBF
	OpCheckcast       Opcode = 0xC0
	OpInstanceof      Opcode = 0xC1
	OpMonitorenter    Opcode = 0xC2
	OpMonitorexit     Opcode = 0xC3
	OpWide            Opcode = 0xC4
	OpMultianewarray  Opcode = 0xC5
	OpIfnull          Opcode = 0xC6
	OpIfnonnull       Opcode = 0xC7
	OpGotoW           Opcode = 0xC8
	OpJsrW            Opcode = 0xC9
)

type form uint8

const (
	formInvalid form = iota
	formNone
	formVar    // u1 local index; wide form takes u2
	formIinc   // u1 index, s1 delta; wide form takes u2, s2
	formByte   // bipush
	formShort  // sipush
	formLdc    // ldc (u1), ldc_w and ldc2_w (u2)
	formBranch // s2 offset; goto_w and jsr_w take s4
	formTableSwitch
	formLookupSwitch
	formField
	formMethod
	formInterface // u2 index, u1 count, u1 zero
	formDynamic   // u2 index, u2 zero
	formClass
	formNewArray // u1 atype
	formMultiANewArray
	formWide
)

// opInfo describes one opcode. pop and push count operand stack slots;
// -1 means the effect depends on the operand.
type opInfo struct {
	name      string
	form      form
	pop, push int8
}

var opcodes = [256]opInfo{
	0x00: {"nop", formNone, 0, 0},
	0x01: {"aconst_null", formNone, 0, 1},
	0x02: {"iconst_m1", formNone, 0, 1},
	0x03: {"iconst_0", formNone, 0, 1},
	0x04: {"iconst_1", formNone, 0, 1},
	0x05: {"iconst_2", formNone, 0, 1},
	0x06: {"iconst_3", formNone, 0, 1},
	0x07: {"iconst_4", formNone, 0, 1},
	0x08: {"iconst_5", formNone, 0, 1},
	0x09: {"lconst_0", formNone, 0, 2},
	0x0A: {"lconst_1", formNone, 0, 2},
	0x0B: {"fconst_0", formNone, 0, 1},
	0x0C: {"fconst_1", formNone, 0, 1},
	0x0D: {"fconst_2", formNone, 0, 1},
	0x0E: {"dconst_0", formNone, 0, 2},
	0x0F: {"dconst_1", formNone, 0, 2},
	0x10: {"bipush", formByte, 0, 1},
	0x11: {"sipush", formShort, 0, 1},
	0x12: {"ldc", formLdc, 0, -1},
	0x13: {"ldc_w", formLdc, 0, -1},
	0x14: {"ldc2_w", formLdc, 0, 2},
	0x15: {"iload", formVar, 0, 1},
	0x16: {"lload", formVar, 0, 2},
	0x17: {"fload", formVar, 0, 1},
	0x18: {"dload", formVar, 0, 2},
	0x19: {"aload", formVar, 0, 1},
	0x1A: {"iload_0", formNone, 0, 1},
	0x1B: {"iload_1", formNone, 0, 1},
	0x1C: {"iload_2", formNone, 0, 1},
	0x1D: {"iload_3", formNone, 0, 1},
	0x1E: {"lload_0", formNone, 0, 2},
	0x1F: {"lload_1", formNone, 0, 2},
	0x20: {"lload_2", formNone, 0, 2},
	0x21: {"lload_3", formNone, 0, 2},
	0x22: {"fload_0", formNone, 0, 1},
	0x23: {"fload_1", formNone, 0, 1},
	0x24: {"fload_2", formNone, 0, 1},
	0x25: {"fload_3", formNone, 0, 1},
	0x26: {"dload_0", formNone, 0, 2},
	0x27: {"dload_1", formNone, 0, 2},
	0x28: {"dload_2", formNone, 0, 2},
	0x29: {"dload_3", formNone, 0, 2},
	0x2A: {"aload_0", formNone, 0, 1},
	0x2B: {"aload_1", formNone, 0, 1},
	0x2C: {"aload_2", formNone, 0, 1},
	0x2D: {"aload_3", formNone, 0, 1},
	0x2E: {"iaload", formNone, 2, 1},
	0x2F: {"laload", formNone, 2, 2},
	0x30: {"faload", formNone, 2, 1},
	0x31: {"daload", formNone, 2, 2},
	0x32: {"aaload", formNone, 2, 1},
	0x33: {"baload", formNone, 2, 1},
	0x34: {"caload", formNone, 2, 1},
	0x35: {"saload", formNone, 2, 1},
	0x36: {"istore", formVar, 1, 0},
	0x37: {"lstore", formVar, 2, 0},
	0x38: {"fstore", formVar, 1, 0},
	0x39: {"dstore", formVar, 2, 0},
	0x3A: {"astore", formVar, 1, 0},
	0x3B: {"istore_0", formNone, 1, 0},
	0x3C: {"istore_1", formNone, 1, 0},
	0x3D: {"istore_2", formNone, 1, 0},
	0x3E: {"istore_3", formNone, 1, 0},
	0x3F: {"lstore_0", formNone, 2, 0},
	0x40: {"lstore_1", formNone, 2, 0},
	0x41: {"lstore_2", formNone, 2, 0},
	0x42: {"lstore_3", formNone, 2, 0},
	0x43: {"fstore_0", formNone, 1, 0},
	0x44: {"fstore_1", formNone, 1, 0},
	0x45: {"fstore_2", formNone, 1, 0},
	0x46: {"fstore_3", formNone, 1, 0},
	0x47: {"dstore_0", formNone, 2, 0},
	0x48: {"dstore_1", formNone, 2, 0},
	0x49: {"dstore_2", formNone, 2, 0},
	0x4A: {"dstore_3", formNone, 2, 0},
	0x4B: {"astore_0", formNone, 1, 0},
	0x4C: {"astore_1", formNone, 1, 0},
	0x4D: {"astore_2", formNone, 1, 0},
	0x4E: {"astore_3", formNone, 1, 0},
	0x4F: {"iastore", formNone, 3, 0},
	0x50: {"lastore", formNone, 4, 0},
	0x51: {"fastore", formNone, 3, 0},
	0x52: {"dastore", formNone, 4, 0},
	0x53: {"aastore", formNone, 3, 0},
	0x54: {"bastore", formNone, 3, 0},
	0x55: {"castore", formNone, 3, 0},
	0x56: {"sastore", formNone, 3, 0},
	0x57: {"pop", formNone, 1, 0},
	0x58: {"pop2", formNone, 2, 0},
	0x59: {"dup", formNone, 1, 2},
	0x5A: {"dup_x1", formNone, 2, 3},
	0x5B: {"dup_x2", formNone, 3, 4},
	0x5C: {"dup2", formNone, 2, 4},
	0x5D: {"dup2_x1", formNone, 3, 5},
	0x5E: {"dup2_x2", formNone, 4, 6},
	0x5F: {"swap", formNone, 2, 2},
	0x60: {"iadd", formNone, 2, 1},
	0x61: {"ladd", formNone, 4, 2},
	0x62: {"fadd", formNone, 2, 1},
	0x63: {"dadd", formNone, 4, 2},
	0x64: {"isub", formNone, 2, 1},
	0x65: {"lsub", formNone, 4, 2},
	0x66: {"fsub", formNone, 2, 1},
	0x67: {"dsub", formNone, 4, 2},
	0x68: {"imul", formNone, 2, 1},
	0x69: {"lmul", formNone, 4, 2},
	0x6A: {"fmul", formNone, 2, 1},
	0x6B: {"dmul", formNone, 4, 2},
	0x6C: {"idiv", formNone, 2, 1},
	0x6D: {"ldiv", formNone, 4, 2},
	0x6E: {"fdiv", formNone, 2, 1},
	0x6F: {"ddiv", formNone, 4, 2},
	0x70: {"irem", formNone, 2, 1},
	0x71: {"lrem", formNone, 4, 2},
	0x72: {"frem", formNone, 2, 1},
	0x73: {"drem", formNone, 4, 2},
	0x74: {"ineg", formNone, 1, 1},
	0x75: {"lneg", formNone, 2, 2},
	0x76: {"fneg", formNone, 1, 1},
	0x77: {"dneg", formNone, 2, 2},
	0x78: {"ishl", formNone, 2, 1},
	0x79: {"lshl", formNone, 3, 2},
	0x7A: {"ishr", formNone, 2, 1},
	0x7B: {"lshr", formNone, 3, 2},
	0x7C: {"iushr", formNone, 2, 1},
	0x7D: {"lushr", formNone, 3, 2},
	0x7E: {"iand", formNone, 2, 1},
	0x7F: {"land", formNone, 4, 2},
	0x80: {"ior", formNone, 2, 1},
	0x81: {"lor", formNone, 4, 2},
	0x82: {"ixor", formNone, 2, 1},
	0x83: {"lxor", formNone, 4, 2},
	0x84: {"iinc", formIinc, 0, 0},
	0x85: {"i2l", formNone, 1, 2},
	0x86: {"i2f", formNone, 1, 1},
	0x87: {"i2d", formNone, 1, 2},
	0x88: {"l2i", formNone, 2, 1},
	0x89: {"l2f", formNone, 2, 1},
	0x8A: {"l2d", formNone, 2, 2},
	0x8B: {"f2i", formNone, 1, 1},
	0x8C: {"f2l", formNone, 1, 2},
	0x8D: {"f2d", formNone, 1, 2},
	0x8E: {"d2i", formNone, 2, 1},
	0x8F: {"d2l", formNone, 2, 2},
	0x90: {"d2f", formNone, 2, 1},
	0x91: {"i2b", formNone, 1, 1},
	0x92: {"i2c", formNone, 1, 1},
	0x93: {"i2s", formNone, 1, 1},
	0x94: {"lcmp", formNone, 4, 1},
	0x95: {"fcmpl", formNone, 2, 1},
	0x96: {"fcmpg", formNone, 2, 1},
	0x97: {"dcmpl", formNone, 4, 1},
	0x98: {"dcmpg", formNone, 4, 1},
	0x99: {"ifeq", formBranch, 1, 0},
	0x9A: {"ifne", formBranch, 1, 0},
	0x9B: {"iflt", formBranch, 1, 0},
	0x9C: {"ifge", formBranch, 1, 0},
	0x9D: {"ifgt", formBranch, 1, 0},
	0x9E: {"ifle", formBranch, 1, 0},
	0x9F: {"if_icmpeq", formBranch, 2, 0},
	0xA0: {"if_icmpne", formBranch, 2, 0},
	0xA1: {"if_icmplt", formBranch, 2, 0},
	0xA2: {"if_icmpge", formBranch, 2, 0},
	0xA3: {"if_icmpgt", formBranch, 2, 0},
	0xA4: {"if_icmple", formBranch, 2, 0},
	0xA5: {"if_acmpeq", formBranch, 2, 0},
	0xA6: {"if_acmpne", formBranch, 2, 0},
	0xA7: {"goto", formBranch, 0, 0},
	0xA8: {"jsr", formBranch, 0, 1},
	0xA9: {"ret", formVar, 0, 0},
	0xAA: {"tableswitch", formTableSwitch, 1, 0},
	0xAB: {"lookupswitch", formLookupSwitch, 1, 0},
	0xAC: {"ireturn", formNone, 1, 0},
	0xAD: {"lreturn", formNone, 2, 0},
	0xAE: {"freturn", formNone, 1, 0},
	0xAF: {"dreturn", formNone, 2, 0},
	0xB0: {"areturn", formNone, 1, 0},
	0xB1: {"return", formNone, 0, 0},
	0xB2: {"getstatic", formField, -1, -1},
	0xB3: {"putstatic", formField, -1, -1},
	0xB4: {"getfield", formField, -1, -1},
	0xB5: {"putfield", formField, -1, -1},
	0xB6: {"invokevirtual", formMethod, -1, -1},
	0xB7: {"invokespecial", formMethod, -1, -1},
	0xB8: {"invokestatic", formMethod, -1, -1},
	0xB9: {"invokeinterface", formInterface, -1, -1},
	0xBA: {"invokedynamic", formDynamic, -1, -1},
	0xBB: {"new", formClass, 0, 1},
	0xBC: {"newarray", formNewArray, 1, 1},
	0xBD: {"anewarray", formClass, 1, 1},
	0xBE: {"arraylength", formNone, 1, 1},
	0xBF: {"athrow", formNone, 1, 0},
	0xC0: {"checkcast", formClass, 1, 1},
	0xC1: {"instanceof", formClass, 1, 1},
	0xC2: {"monitorenter", formNone, 1, 0},
	0xC3: {"monitorexit", formNone, 1, 0},
	0xC4: {"wide", formWide, 0, 0},
	0xC5: {"multianewarray", formMultiANewArray, -1, 1},
	0xC6: {"ifnull", formBranch, 1, 0},
	0xC7: {"ifnonnull", formBranch, 1, 0},
	0xC8: {"goto_w", formBranch, 0, 0},
	0xC9: {"jsr_w", formBranch, 0, 1},
}

// String returns the mnemonic of the opcode.
func (op Opcode) String() string {
	if name := opcodes[op].name; name != "" {
		return name
	}
	return "invalid"
}

// IsReturn reports whether op is one of the xreturn instructions.
func (op Opcode) IsReturn() bool {
	return op >= OpIreturn && op <= OpReturn
}

// IsInvoke reports whether op calls a method resolved through a member
// reference, i.e. every invoke instruction except invokedynamic.
func (op Opcode) IsInvoke() bool {
	return op >= OpInvokevirtual && op <= OpInvokeinterface
}

// IsBranch reports whether op carries a single branch target.
func (op Opcode) IsBranch() bool {
	return opcodes[op].form == formBranch
}

// endsBlock reports whether control never falls through to the next
// instruction.
func (op Opcode) endsBlock() bool {
	switch op {
	case OpGoto, OpGotoW, OpRet, OpTableswitch, OpLookupswitch, OpAthrow:
		return true
	}
	return op.IsReturn()
}

// invertBranch returns the conditional branch with the opposite condition.
func invertBranch(op Opcode) Opcode {
	switch {
	case op >= OpIfeq && op <= OpIfAcmpne:
		// Conditions come in adjacent pairs: eq/ne, lt/ge, gt/le.
		if (op-OpIfeq)%2 == 0 {
			return op + 1
		}
		return op - 1
	case op == OpIfnull:
		return OpIfnonnull
	case op == OpIfnonnull:
		return OpIfnull
	}
	return op
}

// ReturnOp returns the return instruction for a computational kind as
// produced by classfile.FieldType.Kind, or OpReturn for 'V'.
func ReturnOp(kind byte) Opcode {
	switch kind {
	case 'I':
		return OpIreturn
	case 'J':
		return OpLreturn
	case 'F':
		return OpFreturn
	case 'D':
		return OpDreturn
	case 'A':
		return OpAreturn
	}
	return OpReturn
}

// LoadOp returns the local-variable load instruction for a kind.
func LoadOp(kind byte) Opcode {
	switch kind {
	case 'J':
		return OpLload
	case 'F':
		return OpFload
	case 'D':
		return OpDload
	case 'A':
		return OpAload
	}
	return OpIload
}

// StoreOp returns the local-variable store instruction for a kind.
func StoreOp(kind byte) Opcode {
	switch kind {
	case 'J':
		return OpLstore
	case 'F':
		return OpFstore
	case 'D':
		return OpDstore
	case 'A':
		return OpAstore
	}
	return OpIstore
}

// ZeroOp returns the instruction pushing the zero value of a kind.
func ZeroOp(kind byte) Opcode {
	switch kind {
	case 'J':
		return OpLconst0
	case 'F':
		return OpFconst0
	case 'D':
		return OpDconst0
	case 'A':
		return OpAconstNull
	}
	return OpIconst0
}

// PopOp returns the instruction discarding a value of the given slot size.
func PopOp(slots int) Opcode {
	if slots == 2 {
		return OpPop2
	}
	return OpPop
}
