package artifact

import (
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rendis/rowscript/internal/expressions"
	"github.com/rendis/rowscript/internal/manipulators"
	"github.com/rendis/rowscript/internal/synth"
	"github.com/rendis/rowscript/pkg/schema"
)

// LibraryPrefix marks a classpath entry naming a manipulator category.
const LibraryPrefix = "lib:"

// resolveClasspath turns the unit's classpath entries into compile options.
// Script files (.js) are only accepted by the snippet dialect. lib:<category>
// entries restrict the imported manipulators to the named categories; the
// Control category is always kept so abort stays available.
func resolveClasspath(u *synth.Unit, base *manipulators.Catalog) (expressions.Options, error) {
	opts := expressions.Options{Catalog: base}
	var categories []string
	for _, entry := range u.Classpath {
		switch {
		case strings.HasPrefix(entry, LibraryPrefix):
			cat := strings.TrimPrefix(entry, LibraryPrefix)
			if !slices.Contains(base.Categories(), cat) {
				return opts, schema.NewErrorf(schema.ErrCodeValidation, "classpath entry %q: unknown manipulator category", entry)
			}
			categories = append(categories, cat)
		case strings.EqualFold(filepath.Ext(entry), ".js"):
			if u.Dialect != synth.DialectSnippet {
				return opts, schema.NewErrorf(schema.ErrCodeValidation, "classpath entry %q: scripts are only loaded by snippets", entry)
			}
			src, err := os.ReadFile(entry)
			if err != nil {
				return opts, schema.NewErrorf(schema.ErrCodeInstantiation, "classpath entry %q: %v", entry, err).WithCause(err)
			}
			opts.Scripts = append(opts.Scripts, expressions.Script{Name: filepath.Base(entry), Source: string(src)})
		default:
			return opts, schema.NewErrorf(schema.ErrCodeValidation, "classpath entry %q: unsupported entry", entry)
		}
	}
	if len(categories) > 0 {
		if !slices.Contains(categories, manipulators.CategoryControl) {
			categories = append(categories, manipulators.CategoryControl)
		}
		restricted, err := base.Restrict(categories...)
		if err != nil {
			return opts, err
		}
		opts.Catalog = restricted
	}
	return opts, nil
}
