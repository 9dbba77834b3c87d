package zaputils

import (
	"fmt"

	"go.uber.org/zap"
)

func Statement(key string, val string) zap.Field {
	return zap.String(key, val)
}

func SQLState(key string, val string) zap.Field {
	return zap.String(key, val)
}

type LoggableStatement struct {
	Statement string
	Args      []any
}

func (e LoggableStatement) String() string {
	if len(e.Args) == 0 {
		return e.Statement
	}

	return fmt.Sprintf("%s %v", e.Statement, e.Args)
}

func FQStatement(key string, statement string, args []any) zap.Field {
	return zap.Stringer(key, LoggableStatement{
		Statement: statement,
		Args:      args,
	})
}
