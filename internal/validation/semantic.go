package validation

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rendis/rowscript/internal/artifact"
	"github.com/rendis/rowscript/internal/fields"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
)

// validateSemantic checks what the schema cannot: class names, placeholder
// syntax, duplicate columns and classpath entries.
func validateSemantic(doc map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	kind, _ := doc["kind"].(string)
	snippet := kind == "java_snippet"

	if name, ok := doc["return_type"].(string); ok {
		_, array, err := fields.ClassFromName(name)
		switch {
		case err != nil:
			result.AddError("return_type", schema.ErrCodeValidation, err.Error())
		case array && !snippet:
			result.AddError("return_type", schema.ErrCodeValidation, "array return types are only supported by java_snippet")
		}
	}
	if arr, _ := doc["return_array"].(bool); arr && !snippet {
		result.AddError("return_array", schema.ErrCodeValidation, "array return types are only supported by java_snippet")
	}
	if form, _ := doc["expression_form"].(bool); form && !snippet {
		result.AddWarning("expression_form", schema.ErrCodeValidation, "expression_form only applies to java_snippet and is ignored")
	}

	if text, ok := doc["expression"].(string); ok {
		d := dialectOf(kind)
		var err error
		if kind == "multi_column_string_manipulation" {
			text, err = synth.ReplaceCurrentColumn(d, text, "")
		}
		if err == nil {
			_, err = synth.References(d, text)
		}
		if err != nil {
			result.AddError("expression", schema.ErrCodeValidation, err.Error())
		}
	}

	if cols, ok := doc["columns"].([]any); ok {
		if kind != "multi_column_string_manipulation" {
			result.AddWarning("columns", schema.ErrCodeValidation, "columns only applies to multi_column_string_manipulation and is ignored")
		}
		seen := make(map[string]bool, len(cols))
		for i, c := range cols {
			name, _ := c.(string)
			if seen[name] {
				result.AddError(fmt.Sprintf("columns[%d]", i), schema.ErrCodeValidation, fmt.Sprintf("column %q is listed twice", name))
			}
			seen[name] = true
		}
	}

	if cp, ok := doc["classpath"].([]any); ok {
		for i, e := range cp {
			entry, _ := e.(string)
			path := fmt.Sprintf("classpath[%d]", i)
			switch {
			case strings.HasPrefix(entry, artifact.LibraryPrefix):
			case strings.EqualFold(filepath.Ext(entry), ".js"):
				if !snippet {
					result.AddError(path, schema.ErrCodeValidation, "script libraries are only supported by java_snippet")
				}
			default:
				result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("unsupported classpath entry %q", entry))
			}
		}
	}
	return result
}

func dialectOf(kind string) synth.Dialect {
	switch kind {
	case "java_snippet":
		return synth.DialectSnippet
	case "rule_engine", "rule_engine_variable":
		return synth.DialectRule
	default:
		return synth.DialectExpression
	}
}
