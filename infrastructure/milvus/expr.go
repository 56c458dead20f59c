package milvus

import (
	"fmt"
	"strings"

	"github.com/artresearch/idios/domain/fault"
)

// exprEscaper escapes a value for use inside a double-quoted string literal
// of a Milvus boolean expression.
var exprEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// exprGreaterThan builds `field > "value"`.
func exprGreaterThan(field, value string) string {
	return fmt.Sprintf(`%s > "%s"`, field, exprEscaper.Replace(value))
}

// exprIn builds `field in ["a", "b", ...]`.
func exprIn(field string, values []string) string {
	quoted := make([]string, len(values))
	for i, value := range values {
		quoted[i] = `"` + exprEscaper.Replace(value) + `"`
	}
	return fmt.Sprintf(`%s in [%s]`, field, strings.Join(quoted, ", "))
}

// exprPrefix builds `field like "prefix%"`. A literal '%' inside the prefix
// would widen the match, so it is rejected.
func exprPrefix(field, prefix string) (string, error) {
	if strings.Contains(prefix, "%") {
		return "", fault.Parameter("url must not contain the character '%%': %s", prefix)
	}
	return fmt.Sprintf(`%s like "%s%%"`, field, exprEscaper.Replace(prefix)), nil
}
