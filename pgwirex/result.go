package pgwirex

// FieldDescription describes a single column of a result set, as reported
// by the server in a RowDescription message.
type FieldDescription struct {
	Name            string
	TableOID        uint32
	AttributeNumber uint16
	DataTypeOID     uint32
	DataTypeSize    int16
	TypeModifier    int32
	Format          int16
}

// QueryResult holds the complete result of a single statement.  Row values
// are in the text format, a nil value indicates SQL NULL.
type QueryResult struct {
	Fields     []FieldDescription
	Rows       [][][]byte
	CommandTag string
}
