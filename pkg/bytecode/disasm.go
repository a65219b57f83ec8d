package bytecode

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/daimatz/classmod/pkg/classfile"
)

// Disassemble writes a listing of code to w.
func Disassemble(w io.Writer, code *Code) error {
	for _, in := range code.Insns {
		if _, err := fmt.Fprintln(w, FormatInsn(in)); err != nil {
			return err
		}
	}
	for _, h := range code.Handlers {
		typ := h.Type
		if typ == "" {
			typ = "any"
		}
		if _, err := fmt.Fprintf(w, "    TRY %s %s %s %s\n", h.Start, h.End, h.Handler, typ); err != nil {
			return err
		}
	}
	return nil
}

// DisassembleClass writes a listing of every method of cf to w. Methods
// whose code cannot be decoded are reported inline.
func DisassembleClass(w io.Writer, cf *classfile.ClassFile) error {
	name, err := cf.ClassName()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "class %s (version %d.%d, flags 0x%04x)\n", name, cf.MajorVersion, cf.MinorVersion, uint16(cf.AccessFlags))
	if super := cf.SuperClassName(); super != "" {
		fmt.Fprintf(w, "  extends %s\n", super)
	}
	for _, iface := range cf.InterfaceNames() {
		fmt.Fprintf(w, "  implements %s\n", iface)
	}
	for _, f := range cf.Fields {
		fmt.Fprintf(w, "\n  field %s %s (flags 0x%04x)\n", f.Name, f.Descriptor, uint16(f.AccessFlags))
	}
	for i := range cf.Methods {
		m := &cf.Methods[i]
		fmt.Fprintf(w, "\n  method %s%s (flags 0x%04x)\n", m.Name, m.Descriptor, uint16(m.AccessFlags))
		if m.Code == nil {
			continue
		}
		code, err := Decode(cf, m)
		if err != nil {
			fmt.Fprintf(w, "    <%v>\n", err)
			continue
		}
		fmt.Fprintf(w, "    maxStack=%d maxLocals=%d\n", m.Code.MaxStack, m.Code.MaxLocals)
		if err := Disassemble(w, code); err != nil {
			return err
		}
	}
	return nil
}

// FormatInsn renders one instruction in listing form.
func FormatInsn(in *Insn) string {
	switch in.Kind {
	case KindLabel:
		return "  " + in.Label.String() + ":"
	case KindLine:
		return "    LINE " + strconv.Itoa(in.Line)
	case KindFrame:
		return "    FRAME locals=" + formatVTypes(in.Frame.Locals) + " stack=" + formatVTypes(in.Frame.Stack)
	}

	var sb strings.Builder
	sb.WriteString("    ")
	sb.WriteString(in.Op.String())
	switch opcodes[in.Op].form {
	case formVar:
		fmt.Fprintf(&sb, " %d", in.Var)
	case formIinc:
		fmt.Fprintf(&sb, " %d %d", in.Var, in.Int)
	case formByte, formShort, formNewArray:
		fmt.Fprintf(&sb, " %d", in.Int)
	case formLdc:
		sb.WriteString(" ")
		sb.WriteString(formatConst(in.Const))
	case formBranch:
		sb.WriteString(" ")
		sb.WriteString(in.Target.String())
	case formTableSwitch, formLookupSwitch:
		for j, t := range in.Targets {
			key := in.Low + int32(j)
			if in.Op == OpLookupswitch {
				key = in.Keys[j]
			}
			fmt.Fprintf(&sb, " %d:%s", key, t)
		}
		sb.WriteString(" default:")
		sb.WriteString(in.Default.String())
	case formField, formMethod, formInterface:
		if in.Member != nil {
			sb.WriteString(" ")
			sb.WriteString(in.Member.String())
		}
	case formDynamic:
		if in.Indy != nil {
			fmt.Fprintf(&sb, " #%d %s:%s", in.Indy.Bootstrap, in.Indy.Name, in.Indy.Desc)
		}
	case formClass:
		sb.WriteString(" ")
		sb.WriteString(in.Class)
	case formMultiANewArray:
		fmt.Fprintf(&sb, " %s %d", in.Class, in.Dims)
	}
	return sb.String()
}

func formatConst(c any) string {
	switch c := c.(type) {
	case string:
		return strconv.Quote(c)
	case int32:
		return strconv.FormatInt(int64(c), 10)
	case int64:
		return strconv.FormatInt(c, 10) + "L"
	case float32:
		return strconv.FormatFloat(float64(c), 'g', -1, 32) + "F"
	case float64:
		return strconv.FormatFloat(c, 'g', -1, 64) + "D"
	case ClassConst:
		return string(c) + ".class"
	case PoolConst:
		return "#" + strconv.Itoa(int(c))
	}
	return fmt.Sprintf("%v", c)
}

func formatVTypes(vs []VType) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
