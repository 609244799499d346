package sqldump

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ColumnKind decides how a column value is written as a literal
type ColumnKind int

const (
	KindString ColumnKind = iota
	KindNumeric
	KindBinary
)

// KindOf maps an information_schema DATA_TYPE to a ColumnKind
func KindOf(dataType string) ColumnKind {
	switch strings.ToLower(dataType) {
	case "tinyint", "smallint", "mediumint", "int", "integer", "bigint",
		"decimal", "numeric", "float", "double", "real", "year":
		return KindNumeric
	case "binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob", "bit",
		"geometry", "point", "linestring", "polygon", "multipoint", "multilinestring",
		"multipolygon", "geometrycollection":
		return KindBinary
	default:
		return KindString
	}
}

// Escape escapes s for use inside a single-quoted MySQL string literal.
// Uses backslash escaping, matching the server's default sql_mode.
func Escape(s string) string {
	var sb strings.Builder
	sb.Grow(len(s) + len(s)/8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case 0:
			sb.WriteString(`\0`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\\':
			sb.WriteString(`\\`)
		case '\'':
			sb.WriteString(`\'`)
		case '"':
			sb.WriteString(`\"`)
		case 0x1a:
			sb.WriteString(`\Z`)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

// Quote wraps s in single quotes with proper escaping.
func Quote(s string) string {
	return "'" + Escape(s) + "'"
}

// QuoteIdent wraps an identifier in backticks, doubling embedded backticks.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// FormatValue renders one column value as a SQL literal.
func FormatValue(v any, kind ColumnKind) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return formatBytes(val, kind)
	case string:
		return formatBytes([]byte(val), kind)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return "NULL"
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case time.Time:
		if val.Nanosecond() != 0 {
			return Quote(val.Format("2006-01-02 15:04:05.999999"))
		}
		return Quote(val.Format("2006-01-02 15:04:05"))
	default:
		return Quote(fmt.Sprint(val))
	}
}

func formatBytes(b []byte, kind ColumnKind) string {
	switch kind {
	case KindNumeric:
		if len(b) == 0 {
			return "NULL"
		}
		return string(b)
	case KindBinary:
		if len(b) == 0 {
			return "''"
		}
		return "0x" + strings.ToUpper(hex.EncodeToString(b))
	default:
		return Quote(string(b))
	}
}
