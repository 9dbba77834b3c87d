package pgwirex

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Frontend message types.
const (
	msgTypeQuery     = byte('Q')
	msgTypeParse     = byte('P')
	msgTypeBind      = byte('B')
	msgTypeDescribe  = byte('D')
	msgTypeExecute   = byte('E')
	msgTypeSync      = byte('S')
	msgTypePassword  = byte('p')
	msgTypeTerminate = byte('X')
)

// Backend message types.
const (
	msgTypeAuthentication     = byte('R')
	msgTypeBackendKeyData     = byte('K')
	msgTypeBindComplete       = byte('2')
	msgTypeCommandComplete    = byte('C')
	msgTypeDataRow            = byte('D')
	msgTypeEmptyQueryResponse = byte('I')
	msgTypeErrorResponse      = byte('E')
	msgTypeNoData             = byte('n')
	msgTypeNoticeResponse     = byte('N')
	msgTypeParameterStatus    = byte('S')
	msgTypeParseComplete      = byte('1')
	msgTypeParameterDesc      = byte('t')
	msgTypePortalSuspended    = byte('s')
	msgTypeReadyForQuery      = byte('Z')
	msgTypeRowDescription     = byte('T')
)

// Authentication request codes carried in an Authentication message.
const (
	authTypeOk                = 0
	authTypeCleartextPassword = 3
	authTypeMD5Password       = 5
)

const protocolVersion = 196608 // v3.0

func appendCString(buf []byte, val string) []byte {
	buf = append(buf, val...)
	return append(buf, 0)
}

func appendInt16(buf []byte, val int16) []byte {
	return binary.BigEndian.AppendUint16(buf, uint16(val))
}

func appendInt32(buf []byte, val int32) []byte {
	return binary.BigEndian.AppendUint32(buf, uint32(val))
}

func encodeStartupPayload(user, database string) []byte {
	var buf []byte
	buf = appendInt32(buf, protocolVersion)
	buf = appendCString(buf, "user")
	buf = appendCString(buf, user)
	if database != "" {
		buf = appendCString(buf, "database")
		buf = appendCString(buf, database)
	}
	return append(buf, 0)
}

func encodeQueryPayload(statement string) []byte {
	return appendCString(nil, statement)
}

func encodeParsePayload(statement string) []byte {
	var buf []byte
	buf = appendCString(buf, "") // unnamed prepared statement
	buf = appendCString(buf, statement)
	return appendInt16(buf, 0) // no pre-specified parameter types
}

func encodeBindPayload(args [][]byte) []byte {
	var buf []byte
	buf = appendCString(buf, "") // unnamed portal
	buf = appendCString(buf, "") // unnamed prepared statement
	buf = appendInt16(buf, 0)    // all parameters in text format
	buf = appendInt16(buf, int16(len(args)))
	for _, arg := range args {
		if arg == nil {
			buf = appendInt32(buf, -1)
			continue
		}
		buf = appendInt32(buf, int32(len(arg)))
		buf = append(buf, arg...)
	}
	return appendInt16(buf, 0) // all results in text format
}

func encodeDescribePortalPayload() []byte {
	buf := []byte{'P'}
	return appendCString(buf, "")
}

func encodeExecutePayload() []byte {
	buf := appendCString(nil, "")
	return appendInt32(buf, 0) // no row limit
}

// encodeParam converts a single positional parameter into its text-format
// wire value.  A nil return with no error represents SQL NULL.
func encodeParam(val any) ([]byte, error) {
	switch v := val.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(v), nil
	case []byte:
		return []byte(`\x` + hex.EncodeToString(v)), nil
	case bool:
		return []byte(strconv.FormatBool(v)), nil
	case int:
		return []byte(strconv.FormatInt(int64(v), 10)), nil
	case int16:
		return []byte(strconv.FormatInt(int64(v), 10)), nil
	case int32:
		return []byte(strconv.FormatInt(int64(v), 10)), nil
	case int64:
		return []byte(strconv.FormatInt(v, 10)), nil
	case uint32:
		return []byte(strconv.FormatUint(uint64(v), 10)), nil
	case uint64:
		return []byte(strconv.FormatUint(v, 10)), nil
	case float32:
		return []byte(strconv.FormatFloat(float64(v), 'g', -1, 32)), nil
	case float64:
		return []byte(strconv.FormatFloat(v, 'g', -1, 64)), nil
	case time.Time:
		return []byte(v.Format("2006-01-02 15:04:05.999999999Z07:00")), nil
	default:
		return nil, fmt.Errorf("unsupported parameter type %T", val)
	}
}

func encodeParams(args []any) ([][]byte, error) {
	encoded := make([][]byte, len(args))
	for i, arg := range args {
		val, err := encodeParam(arg)
		if err != nil {
			return nil, err
		}
		encoded[i] = val
	}
	return encoded, nil
}

type payloadReader struct {
	buf []byte
	off int
}

func (r *payloadReader) readByte() (byte, error) {
	if r.off+1 > len(r.buf) {
		return 0, protocolError{"unexpected end of message"}
	}
	val := r.buf[r.off]
	r.off++
	return val, nil
}

func (r *payloadReader) readInt16() (int16, error) {
	if r.off+2 > len(r.buf) {
		return 0, protocolError{"unexpected end of message"}
	}
	val := int16(binary.BigEndian.Uint16(r.buf[r.off:]))
	r.off += 2
	return val, nil
}

func (r *payloadReader) readInt32() (int32, error) {
	if r.off+4 > len(r.buf) {
		return 0, protocolError{"unexpected end of message"}
	}
	val := int32(binary.BigEndian.Uint32(r.buf[r.off:]))
	r.off += 4
	return val, nil
}

func (r *payloadReader) readCString() (string, error) {
	for i := r.off; i < len(r.buf); i++ {
		if r.buf[i] == 0 {
			val := string(r.buf[r.off:i])
			r.off = i + 1
			return val, nil
		}
	}
	return "", protocolError{"unterminated string in message"}
}

func (r *payloadReader) readBytes(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, protocolError{"unexpected end of message"}
	}
	val := r.buf[r.off : r.off+n]
	r.off += n
	return val, nil
}

func decodeRowDescription(payload []byte) ([]FieldDescription, error) {
	r := &payloadReader{buf: payload}

	numFields, err := r.readInt16()
	if err != nil {
		return nil, err
	}

	fields := make([]FieldDescription, numFields)
	for i := range fields {
		name, err := r.readCString()
		if err != nil {
			return nil, err
		}
		tableOID, err := r.readInt32()
		if err != nil {
			return nil, err
		}
		attrNum, err := r.readInt16()
		if err != nil {
			return nil, err
		}
		typeOID, err := r.readInt32()
		if err != nil {
			return nil, err
		}
		typeSize, err := r.readInt16()
		if err != nil {
			return nil, err
		}
		typeMod, err := r.readInt32()
		if err != nil {
			return nil, err
		}
		format, err := r.readInt16()
		if err != nil {
			return nil, err
		}

		fields[i] = FieldDescription{
			Name:            name,
			TableOID:        uint32(tableOID),
			AttributeNumber: uint16(attrNum),
			DataTypeOID:     uint32(typeOID),
			DataTypeSize:    typeSize,
			TypeModifier:    typeMod,
			Format:          format,
		}
	}

	return fields, nil
}

func decodeDataRow(payload []byte) ([][]byte, error) {
	r := &payloadReader{buf: payload}

	numValues, err := r.readInt16()
	if err != nil {
		return nil, err
	}

	values := make([][]byte, numValues)
	for i := range values {
		valLen, err := r.readInt32()
		if err != nil {
			return nil, err
		}
		if valLen < 0 {
			values[i] = nil
			continue
		}

		val, err := r.readBytes(int(valLen))
		if err != nil {
			return nil, err
		}

		// a zero-length value is distinct from NULL, keep it non-nil
		valCopy := make([]byte, valLen)
		copy(valCopy, val)
		values[i] = valCopy
	}

	return values, nil
}

func decodeCommandComplete(payload []byte) (string, error) {
	r := &payloadReader{buf: payload}
	return r.readCString()
}

// decodeErrorResponse parses an ErrorResponse or NoticeResponse payload,
// which is a sequence of single-byte field codes each followed by a string.
func decodeErrorResponse(payload []byte) (*ServerError, error) {
	r := &payloadReader{buf: payload}

	serverErr := &ServerError{}
	for {
		fieldType, err := r.readByte()
		if err != nil {
			return nil, err
		}
		if fieldType == 0 {
			break
		}

		val, err := r.readCString()
		if err != nil {
			return nil, err
		}

		switch fieldType {
		case 'S':
			serverErr.Severity = val
		case 'C':
			serverErr.Code = val
		case 'M':
			serverErr.Message = val
		case 'D':
			serverErr.Detail = val
		case 'H':
			serverErr.Hint = val
		}
	}

	return serverErr, nil
}

func decodeParameterStatus(payload []byte) (string, string, error) {
	r := &payloadReader{buf: payload}

	name, err := r.readCString()
	if err != nil {
		return "", "", err
	}
	value, err := r.readCString()
	if err != nil {
		return "", "", err
	}

	return name, value, nil
}
