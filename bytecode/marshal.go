package bytecode

import (
	"errors"
	"fmt"
	"math"
)

// Binary serialization for Code trees. Instrumented units reference their
// hook through the HookRef placeholder, so a serialized unit never embeds a
// live callable.

var magic = []byte("LCU1")

// Constant pool tags
const (
	tagNil        = 0
	tagFalse      = 1
	tagTrue       = 2
	tagInt        = 3
	tagFloat      = 4
	tagString     = 5
	tagCode       = 6
	tagHookRef    = 7
	tagDescriptor = 8
)

// Marshal encodes a Code unit, nested units included.
func Marshal(code *Code) ([]byte, error) {
	data := append([]byte{}, magic...)
	return marshalCode(data, code)
}

func marshalCode(data []byte, code *Code) ([]byte, error) {
	data = appendString(data, code.name)
	data = appendString(data, code.filename)
	data = appendString(data, code.pkg)
	if code.isModule {
		data = append(data, 1)
	} else {
		data = append(data, 0)
	}
	data = appendSignedVarint(data, int64(code.firstLine))
	data = appendVarint(data, uint64(code.stackSize), false)
	data = appendBytes(data, code.instructions)
	data = appendBytes(data, code.lineTable)
	data = appendBytes(data, code.exceptionTable)

	data = appendVarint(data, uint64(len(code.names)), false)
	for _, name := range code.names {
		data = appendString(data, name)
	}

	data = appendVarint(data, uint64(len(code.constants)), false)
	for i, constant := range code.constants {
		var err error
		data, err = marshalConstant(data, constant)
		if err != nil {
			return nil, fmt.Errorf("bytecode: constant %d of %q: %w", i, code.name, err)
		}
	}
	return data, nil
}

func marshalConstant(data []byte, constant any) ([]byte, error) {
	switch v := constant.(type) {
	case nil:
		return append(data, tagNil), nil
	case bool:
		if v {
			return append(data, tagTrue), nil
		}
		return append(data, tagFalse), nil
	case int:
		data = append(data, tagInt)
		return appendSignedVarint(data, int64(v)), nil
	case int64:
		data = append(data, tagInt)
		return appendSignedVarint(data, v), nil
	case float64:
		data = append(data, tagFloat)
		bits := math.Float64bits(v)
		for shift := 56; shift >= 0; shift -= 8 {
			data = append(data, byte(bits>>shift))
		}
		return data, nil
	case string:
		data = append(data, tagString)
		return appendString(data, v), nil
	case *Code:
		data = append(data, tagCode)
		return marshalCode(data, v)
	case HookRef:
		return append(data, tagHookRef), nil
	case LineDescriptor:
		data = append(data, tagDescriptor)
		data = appendSignedVarint(data, int64(v.Line))
		data = appendString(data, v.Path)
		if v.Dep == nil {
			return append(data, 0), nil
		}
		data = append(data, 1)
		data = appendString(data, v.Dep.Package)
		data = appendVarint(data, uint64(len(v.Dep.Imports)), false)
		for _, imp := range v.Dep.Imports {
			data = appendString(data, imp)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported constant type %T", constant)
	}
}

// Unmarshal decodes a Code unit produced by Marshal.
func Unmarshal(data []byte) (*Code, error) {
	if len(data) < len(magic) || string(data[:len(magic)]) != string(magic) {
		return nil, errors.New("bytecode: bad magic")
	}
	code, pos, err := unmarshalCode(data, len(magic))
	if err != nil {
		return nil, err
	}
	if pos != len(data) {
		return nil, fmt.Errorf("bytecode: %d trailing bytes", len(data)-pos)
	}
	return code, nil
}

func unmarshalCode(data []byte, pos int) (*Code, int, error) {
	var params CodeParams
	var err error
	if params.Name, pos, err = readString(data, pos); err != nil {
		return nil, pos, err
	}
	if params.Filename, pos, err = readString(data, pos); err != nil {
		return nil, pos, err
	}
	if params.Package, pos, err = readString(data, pos); err != nil {
		return nil, pos, err
	}
	if pos >= len(data) {
		return nil, pos, errors.New("bytecode: truncated unit")
	}
	params.IsModule = data[pos] == 1
	pos++
	var firstLine int64
	if firstLine, pos, err = readSignedVarint(data, pos); err != nil {
		return nil, pos, err
	}
	params.FirstLine = int(firstLine)
	var stackSize uint64
	if stackSize, pos, err = readVarint(data, pos); err != nil {
		return nil, pos, err
	}
	params.StackSize = int(stackSize)
	if params.Instructions, pos, err = readBytes(data, pos); err != nil {
		return nil, pos, err
	}
	if params.LineTable, pos, err = readBytes(data, pos); err != nil {
		return nil, pos, err
	}
	if params.ExceptionTable, pos, err = readBytes(data, pos); err != nil {
		return nil, pos, err
	}

	var nameCount uint64
	if nameCount, pos, err = readVarint(data, pos); err != nil {
		return nil, pos, err
	}
	names := make([]string, nameCount)
	for i := range names {
		if names[i], pos, err = readString(data, pos); err != nil {
			return nil, pos, err
		}
	}
	params.Names = names

	var constCount uint64
	if constCount, pos, err = readVarint(data, pos); err != nil {
		return nil, pos, err
	}
	constants := make([]any, constCount)
	for i := range constants {
		if constants[i], pos, err = unmarshalConstant(data, pos); err != nil {
			return nil, pos, err
		}
	}
	params.Constants = constants

	return NewCode(params), pos, nil
}

func unmarshalConstant(data []byte, pos int) (any, int, error) {
	if pos >= len(data) {
		return nil, pos, errors.New("bytecode: truncated constant")
	}
	tag := data[pos]
	pos++
	switch tag {
	case tagNil:
		return nil, pos, nil
	case tagFalse:
		return false, pos, nil
	case tagTrue:
		return true, pos, nil
	case tagInt:
		v, pos, err := readSignedVarint(data, pos)
		return v, pos, err
	case tagFloat:
		if pos+8 > len(data) {
			return nil, pos, errors.New("bytecode: truncated float constant")
		}
		var bits uint64
		for i := 0; i < 8; i++ {
			bits = bits<<8 | uint64(data[pos+i])
		}
		return math.Float64frombits(bits), pos + 8, nil
	case tagString:
		s, pos, err := readString(data, pos)
		return s, pos, err
	case tagCode:
		return unmarshalCode(data, pos)
	case tagHookRef:
		return HookRef{}, pos, nil
	case tagDescriptor:
		var d LineDescriptor
		line, pos, err := readSignedVarint(data, pos)
		if err != nil {
			return nil, pos, err
		}
		d.Line = int(line)
		if d.Path, pos, err = readString(data, pos); err != nil {
			return nil, pos, err
		}
		if pos >= len(data) {
			return nil, pos, errors.New("bytecode: truncated descriptor")
		}
		hasDep := data[pos] == 1
		pos++
		if hasDep {
			dep := &PackageDep{}
			if dep.Package, pos, err = readString(data, pos); err != nil {
				return nil, pos, err
			}
			var n uint64
			if n, pos, err = readVarint(data, pos); err != nil {
				return nil, pos, err
			}
			dep.Imports = make([]string, n)
			for i := range dep.Imports {
				if dep.Imports[i], pos, err = readString(data, pos); err != nil {
					return nil, pos, err
				}
			}
			d.Dep = dep
		}
		return d, pos, nil
	default:
		return nil, pos, fmt.Errorf("bytecode: unknown constant tag %d", tag)
	}
}

func appendString(data []byte, s string) []byte {
	data = appendVarint(data, uint64(len(s)), false)
	return append(data, s...)
}

func readString(data []byte, pos int) (string, int, error) {
	n, pos, err := readVarint(data, pos)
	if err != nil {
		return "", pos, err
	}
	if pos+int(n) > len(data) {
		return "", pos, errors.New("bytecode: truncated string")
	}
	return string(data[pos : pos+int(n)]), pos + int(n), nil
}

func appendBytes(data []byte, b []byte) []byte {
	data = appendVarint(data, uint64(len(b)), false)
	return append(data, b...)
}

func readBytes(data []byte, pos int) ([]byte, int, error) {
	n, pos, err := readVarint(data, pos)
	if err != nil {
		return nil, pos, err
	}
	if pos+int(n) > len(data) {
		return nil, pos, errors.New("bytecode: truncated bytes")
	}
	return copyBytes(data[pos : pos+int(n)]), pos + int(n), nil
}
